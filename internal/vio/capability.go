package vio

import "strings"

// OAKDLiteIMUToCameraLeft is the IMU to left camera extrinsic for the OAK-D
// Lite, which the VIO engine does not ship a calibration for.
var OAKDLiteIMUToCameraLeft = Matrix4{
	{0.9993864566531208, 0.002608506818609768, 0.03492715205248295, 0.004358885459078838},
	{0.0033711974751103025, -0.9997567647621044, -0.02179555780417905, 0.0002560060614699508},
	{0.034861802677196824, 0.021899931611508897, -0.9991521644421877, 0.0018364413451974568},
	{0, 0, 0, 1},
}

// Match selects how a CapabilityRule compares product names.
type Match int

const (
	MatchExact Match = iota
	MatchContains
)

// CapabilityRule adds capabilities to every device whose product name
// matches.
type CapabilityRule struct {
	Product         string
	Match           Match
	IMUToCameraLeft *Matrix4
	Illumination    bool
}

func (r CapabilityRule) matches(product string) bool {
	switch r.Match {
	case MatchContains:
		return strings.Contains(product, r.Product)
	default:
		return product == r.Product
	}
}

// Capabilities is what the worker applies to an opened device.
type Capabilities struct {
	IMUToCameraLeft *Matrix4
	Illumination    bool
}

// CapabilityTable maps product names to capabilities.
type CapabilityTable []CapabilityRule

// DefaultCapabilities covers the OAK-D Lite calibration override and the
// OAK-D Pro family IR illumination.
func DefaultCapabilities() CapabilityTable {
	m := OAKDLiteIMUToCameraLeft
	return CapabilityTable{
		{Product: "OAK-D-LITE", Match: MatchExact, IMUToCameraLeft: &m},
		{Product: "OAK-D-PRO", Match: MatchContains, Illumination: true},
	}
}

// Resolve merges every matching rule. Later rules win for the calibration
// override.
func (t CapabilityTable) Resolve(product string) Capabilities {
	var c Capabilities
	for _, r := range t {
		if !r.matches(product) {
			continue
		}
		if r.IMUToCameraLeft != nil {
			c.IMUToCameraLeft = r.IMUToCameraLeft
		}
		c.Illumination = c.Illumination || r.Illumination
	}
	return c
}
