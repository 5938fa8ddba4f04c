package orientation

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
)

// RollPitchYaw returns the extrinsic X-Y-Z Euler angles of the unit
// quaternion q, in radians. At pitch = ±π/2 roll is reported as zero and the
// whole rotation about the vertical is folded into yaw.
func RollPitchYaw(q quat.Number) (roll, pitch, yaw float64) {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag

	cxcy := 1 - 2*(x*x+y*y)
	sxcy := 2 * (w*x + y*z)
	if cxcy*cxcy+sxcy*sxcy > 1e-20 {
		roll = math.Atan2(sxcy, cxcy)
	}

	ratio := 2 * (w*y - z*x)
	if math.Abs(ratio) >= 1 {
		pitch = math.Copysign(math.Pi/2, ratio)
	} else {
		pitch = math.Asin(ratio)
	}

	cycz := 1 - 2*(y*y+z*z)
	cysz := 2 * (w*z + x*y)
	if cycz*cycz+cysz*cysz > 1e-20 {
		yaw = math.Atan2(cysz, cycz)
	} else {
		yaw = math.Atan2(2*w*z, w*w-z*z)
	}
	return roll, pitch, yaw
}

// FromRollPitchYaw builds the unit quaternion for extrinsic X-Y-Z Euler
// angles in radians.
func FromRollPitchYaw(roll, pitch, yaw float64) quat.Number {
	sr, cr := math.Sincos(roll / 2)
	sp, cp := math.Sincos(pitch / 2)
	sy, cy := math.Sincos(yaw / 2)

	return quat.Number{
		Real: cr*cp*cy + sr*sp*sy,
		Imag: sr*cp*cy - cr*sp*sy,
		Jmag: cr*sp*cy + sr*cp*sy,
		Kmag: cr*cp*sy - sr*sp*cy,
	}
}

// normalize returns q scaled to unit length. A zero quaternion maps to the
// identity.
func normalize(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return quat.Number{Real: 1}
	}
	return quat.Scale(1/n, q)
}
