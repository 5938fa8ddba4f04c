package orientation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// StatusTracking is the status string the VIO engine reports while it has a
// valid pose. A sample without a status is treated as tracking.
const StatusTracking = "TRACKING"

// Vec3 is a position in meters.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is a rotation stored as (w, x, y, z).
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Number converts q to a gonum quaternion.
func (q Quaternion) Number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

// QuaternionOf converts a gonum quaternion.
func QuaternionOf(n quat.Number) Quaternion {
	return Quaternion{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

// Sample is one pose estimate in the VIO engine's own frame.
type Sample struct {
	Status      string     `json:"status"`
	Position    Vec3       `json:"position"`
	Orientation Quaternion `json:"orientation"`
}

// Tracking reports whether the engine had a valid pose for this sample.
func (s Sample) Tracking() bool { return s.Status == StatusTracking }

// DecodeError reports a VIO output record that could not be turned into a
// Sample.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("orientation: decode sample: %s: %v", e.Reason, e.Err)
	}
	return "orientation: decode sample: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

var errNotFinite = errors.New("non-finite component")

type wireSample struct {
	Status      json.RawMessage `json:"status"`
	Position    *Vec3           `json:"position"`
	Orientation *Quaternion     `json:"orientation"`
}

// DecodeSample parses one serialized VIO output record. A missing, null or
// non-string status defaults to StatusTracking. Missing position or
// orientation, non-finite numbers and zero-length quaternions are rejected.
func DecodeSample(raw []byte) (Sample, error) {
	var w wireSample
	if err := json.Unmarshal(raw, &w); err != nil {
		return Sample{}, &DecodeError{Reason: "malformed record", Err: err}
	}
	if w.Position == nil {
		return Sample{}, &DecodeError{Reason: "missing position"}
	}
	if w.Orientation == nil {
		return Sample{}, &DecodeError{Reason: "missing orientation"}
	}

	s := Sample{
		Status:      StatusTracking,
		Position:    *w.Position,
		Orientation: *w.Orientation,
	}
	if len(w.Status) > 0 {
		var status *string
		if err := json.Unmarshal(w.Status, &status); err == nil && status != nil {
			s.Status = *status
		}
	}

	p, q := s.Position, s.Orientation
	for _, f := range []float64{p.X, p.Y, p.Z, q.W, q.X, q.Y, q.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Sample{}, &DecodeError{Reason: "invalid pose", Err: errNotFinite}
		}
	}
	if quat.Abs(q.Number()) == 0 {
		return Sample{}, &DecodeError{Reason: "zero-length orientation quaternion"}
	}
	return s, nil
}
