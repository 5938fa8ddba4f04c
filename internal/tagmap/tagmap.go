// Package tagmap converts AprilTag field layouts into the map format the VIO
// engine reads: a JSON list of tags with their size in meters, their family
// and a row-major 4x4 tag-to-world transform.
package tagmap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// DefaultTagSize is the edge length in meters of the FRC 36h11 tags.
const DefaultTagSize = 0.1651

// FamilyTag36h11 is the engine's name for the 36h11 family.
const FamilyTag36h11 = "tag36h11"

// Tag is one entry of the engine's tag map.
type Tag struct {
	ID         int           `json:"id"`
	Size       float64       `json:"size"`
	Family     string        `json:"family"`
	TagToWorld [4][4]float64 `json:"tagToWorld"`
}

// UnsupportedFamilyError reports a tag family the engine cannot detect.
type UnsupportedFamilyError struct {
	ID     int
	Family string
}

func (e *UnsupportedFamilyError) Error() string {
	return fmt.Sprintf("tagmap: tag %d: unsupported family %q", e.ID, e.Family)
}

// fmap families and the engine family each maps to.
var fmapFamilies = map[string]string{
	"apriltag3_36h11_classic": FamilyTag36h11,
}

type fmapFile struct {
	Fiducials []struct {
		ID        int       `json:"id"`
		Family    string    `json:"family"`
		Size      float64   `json:"size"` // millimeters
		Transform []float64 `json:"transform"`
	} `json:"fiducials"`
}

// FromFMap converts a Limelight .fmap field map.
func FromFMap(r io.Reader) ([]Tag, error) {
	var f fmapFile
	if err := json.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("tagmap: decode fmap: %w", err)
	}

	tags := make([]Tag, 0, len(f.Fiducials))
	for _, fid := range f.Fiducials {
		family, ok := fmapFamilies[fid.Family]
		if !ok {
			return nil, &UnsupportedFamilyError{ID: fid.ID, Family: fid.Family}
		}
		if len(fid.Transform) != 16 {
			return nil, fmt.Errorf("tagmap: tag %d: transform has %d values, want 16", fid.ID, len(fid.Transform))
		}
		t := Tag{ID: fid.ID, Size: fid.Size / 1000, Family: family}
		for i, v := range fid.Transform {
			t.TagToWorld[i/4][i%4] = v
		}
		tags = append(tags, t)
	}
	return tags, nil
}

type wpilibLayout struct {
	Tags []struct {
		ID   int `json:"ID"`
		Pose struct {
			Translation struct {
				X float64 `json:"x"`
				Y float64 `json:"y"`
				Z float64 `json:"z"`
			} `json:"translation"`
			Rotation struct {
				Quaternion struct {
					W float64 `json:"W"`
					X float64 `json:"X"`
					Y float64 `json:"Y"`
					Z float64 `json:"Z"`
				} `json:"quaternion"`
			} `json:"rotation"`
		} `json:"pose"`
	} `json:"tags"`
}

// FromWPILib converts a WPILib AprilTag field layout. WPILib layouts carry
// no size or family, so every tag gets size and the 36h11 family.
func FromWPILib(r io.Reader, size float64) ([]Tag, error) {
	var l wpilibLayout
	if err := json.NewDecoder(r).Decode(&l); err != nil {
		return nil, fmt.Errorf("tagmap: decode wpilib layout: %w", err)
	}
	if size <= 0 {
		size = DefaultTagSize
	}

	tags := make([]Tag, 0, len(l.Tags))
	for _, lt := range l.Tags {
		q := lt.Pose.Rotation.Quaternion
		n := quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
		norm := quat.Abs(n)
		if norm == 0 || math.IsNaN(norm) {
			return nil, fmt.Errorf("tagmap: tag %d: invalid rotation", lt.ID)
		}
		n = quat.Scale(1/norm, n)

		tr := lt.Pose.Translation
		tags = append(tags, Tag{
			ID:         lt.ID,
			Size:       size,
			Family:     FamilyTag36h11,
			TagToWorld: Transform(r3.Rotation(n), r3.Vec{X: tr.X, Y: tr.Y, Z: tr.Z}),
		})
	}
	return tags, nil
}

// Transform builds the homogeneous matrix of rotation rot followed by
// translation t.
func Transform(rot r3.Rotation, t r3.Vec) [4][4]float64 {
	var m [4][4]float64
	cols := [3]r3.Vec{
		rot.Rotate(r3.Vec{X: 1}),
		rot.Rotate(r3.Vec{Y: 1}),
		rot.Rotate(r3.Vec{Z: 1}),
	}
	for j, c := range cols {
		m[0][j], m[1][j], m[2][j] = c.X, c.Y, c.Z
	}
	m[0][3], m[1][3], m[2][3] = t.X, t.Y, t.Z
	m[3][3] = 1
	return m
}

// Write encodes tags as indented JSON.
func Write(w io.Writer, tags []Tag) error {
	if tags == nil {
		return errors.New("tagmap: no tags")
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(tags)
}
