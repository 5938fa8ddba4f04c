// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package orientation

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/num/quat"

	"github.com/relabs-tech/spectacle/internal/config"
)

// Axis selects one source component, optionally negated.
type Axis struct {
	Index int     // 0=x, 1=y, 2=z
	Sign  float64 // +1 or -1
}

// AxisMap maps the three target axes onto source axes. A valid map is a
// signed permutation.
type AxisMap [3]Axis

// IdentityAxes maps every axis onto itself.
var IdentityAxes = AxisMap{{0, 1}, {1, 1}, {2, 1}}

// ParseAxisMap parses entries like "y", "-x", "+z" into an AxisMap.
func ParseAxisMap(names []string) (AxisMap, error) {
	var m AxisMap
	if len(names) != 3 {
		return m, fmt.Errorf("axis map needs 3 entries, got %d", len(names))
	}
	var seen [3]bool
	for i, name := range names {
		a := Axis{Sign: 1}
		s := strings.ToLower(strings.TrimSpace(name))
		switch {
		case strings.HasPrefix(s, "-"):
			a.Sign = -1
			s = s[1:]
		case strings.HasPrefix(s, "+"):
			s = s[1:]
		}
		switch s {
		case "x":
			a.Index = 0
		case "y":
			a.Index = 1
		case "z":
			a.Index = 2
		default:
			return m, fmt.Errorf("axis map entry %d: unknown axis %q", i, name)
		}
		if seen[a.Index] {
			return m, fmt.Errorf("axis map %v is not a permutation: %q used twice", names, s)
		}
		seen[a.Index] = true
		m[i] = a
	}
	return m, nil
}

// Apply permutes v.
func (m AxisMap) Apply(v [3]float64) [3]float64 {
	return [3]float64{
		m[0].Sign * v[m[0].Index],
		m[1].Sign * v[m[1].Index],
		m[2].Sign * v[m[2].Index],
	}
}

// Mount is the fixed relationship between the camera frame and the robot
// frame. It is loaded once at startup and never changes while running.
type Mount struct {
	Position    AxisMap
	Rotation    AxisMap // applied to the quaternion vector part
	Offset      quat.Number
	NegateEuler bool
}

// DefaultMount returns the mount of the reference rig: position (y, x, z),
// quaternion (w, z, x, y), offset roll 0 pitch π/2 yaw π, negated Euler
// angles.
func DefaultMount() Mount {
	m, err := NewMount(config.DefaultSettings().Mount)
	if err != nil {
		panic(err)
	}
	return m
}

// NewMount validates mount settings.
func NewMount(s config.MountSettings) (Mount, error) {
	pos, err := ParseAxisMap(s.Position)
	if err != nil {
		return Mount{}, fmt.Errorf("mount position: %w", err)
	}
	rot, err := ParseAxisMap(s.Quaternion)
	if err != nil {
		return Mount{}, fmt.Errorf("mount quaternion: %w", err)
	}
	negate := true
	if s.NegateEuler != nil {
		negate = *s.NegateEuler
	}
	return Mount{
		Position:    pos,
		Rotation:    rot,
		Offset:      FromRollPitchYaw(s.OffsetRPY[0], s.OffsetRPY[1], s.OffsetRPY[2]),
		NegateEuler: negate,
	}, nil
}

// ApplyOffset composes the mount offset onto q (offset ⊗ q).
func (m Mount) ApplyOffset(q quat.Number) quat.Number {
	return quat.Mul(m.Offset, q)
}

// RemoveOffset undoes ApplyOffset.
func (m Mount) RemoveOffset(q quat.Number) quat.Number {
	return quat.Mul(quat.Conj(m.Offset), q)
}

// Rotate maps an engine-frame orientation into the robot frame.
func (m Mount) Rotate(q Quaternion) quat.Number {
	n := normalize(q.Number())
	v := m.Rotation.Apply([3]float64{n.Imag, n.Jmag, n.Kmag})
	r := m.ApplyOffset(quat.Number{Real: n.Real, Imag: v[0], Jmag: v[1], Kmag: v[2]})
	if m.NegateEuler {
		roll, pitch, yaw := RollPitchYaw(r)
		r = FromRollPitchYaw(-roll, -pitch, -yaw)
	}
	return r
}

// Transform converts one engine sample into a published pose. It is pure and
// total: any sample, including a degenerate quaternion, yields a pose.
func (m Mount) Transform(s Sample) Pose {
	p := m.Position.Apply([3]float64{s.Position.X, s.Position.Y, s.Position.Z})
	r := m.Rotate(s.Orientation)
	roll, pitch, yaw := RollPitchYaw(r)
	return Pose{
		Tracking: s.Tracking(),
		Position: Vec3{X: p[0], Y: p[1], Z: p[2]},
		Rotation: QuaternionOf(r),
		Roll:     roll,
		Pitch:    pitch,
		Yaw:      yaw,
	}
}
