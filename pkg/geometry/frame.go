// Package geometry provides the rigid-frame primitives used by the structure
// tokenizer: per-residue local coordinate systems (rotation + translation),
// quaternion-based frame updates, backbone/frame conversion with ideal bond
// geometry, and Kabsch superposition for structural comparison.
//
// Rotations are stored as unit quaternions (gonum num/quat via spatial/r3)
// and renormalized after every composition so repeated frame updates cannot
// drift away from SO(3).
package geometry

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Rigid is a rigid transform: a rotation followed by a translation.
// It represents a residue's local coordinate system anchored at CA.
type Rigid struct {
	Rot   r3.Rotation
	Trans r3.Vec
}

// Identity returns the identity transform.
func Identity() Rigid {
	return Rigid{Rot: r3.Rotation(quat.Number{Real: 1}), Trans: r3.Vec{}}
}

// Apply maps a point from local to global coordinates: R*p + t.
func (r Rigid) Apply(p r3.Vec) r3.Vec {
	return r3.Add(r.Rot.Rotate(p), r.Trans)
}

// ApplyInverse maps a point from global to local coordinates: R^T*(p - t).
func (r Rigid) ApplyInverse(p r3.Vec) r3.Vec {
	q := quat.Conj(quat.Number(r.Rot))
	return r3.Rotation(q).Rotate(r3.Sub(p, r.Trans))
}

// Compose applies other in r's local frame and re-expresses the result
// globally: (r ∘ other)(p) = r(other(p)). The resulting rotation is
// renormalized.
func (r Rigid) Compose(other Rigid) Rigid {
	rot := quat.Mul(quat.Number(r.Rot), quat.Number(other.Rot))
	return Rigid{
		Rot:   normalizeRotation(r3.Rotation(rot)),
		Trans: r.Apply(other.Trans),
	}
}

// Invert returns the inverse transform.
func (r Rigid) Invert() Rigid {
	q := quat.Conj(quat.Number(r.Rot))
	inv := r3.Rotation(normalizeRotation(r3.Rotation(q)))
	return Rigid{
		Rot:   inv,
		Trans: r3.Scale(-1, inv.Rotate(r.Trans)),
	}
}

// RotationMatrix returns the 3x3 rotation matrix as row-major [3][3] values.
func (r Rigid) RotationMatrix() [3][3]float64 {
	ex := r.Rot.Rotate(r3.Vec{X: 1})
	ey := r.Rot.Rotate(r3.Vec{Y: 1})
	ez := r.Rot.Rotate(r3.Vec{Z: 1})
	// Columns are the images of the basis vectors.
	return [3][3]float64{
		{ex.X, ey.X, ez.X},
		{ex.Y, ey.Y, ez.Y},
		{ex.Z, ey.Z, ez.Z},
	}
}

// QuatAffine builds a Rigid from an unnormalized quaternion update vector
// (b, c, d) with fixed real part 1, and a translation. This is the frame
// update parameterization predicted by the structure module: the zero vector
// maps to the identity rotation, and normalization guarantees a valid
// rotation for any prediction.
func QuatAffine(b, c, d float64, trans r3.Vec) Rigid {
	q := quat.Number{Real: 1, Imag: b, Jmag: c, Kmag: d}
	return Rigid{
		Rot:   normalizeRotation(r3.Rotation(q)),
		Trans: trans,
	}
}

// RotationFromBasis builds a rotation whose columns are the given orthonormal
// basis vectors (the images of x, y, z). The basis is assumed orthonormal;
// the resulting quaternion is normalized.
func RotationFromBasis(ex, ey, ez r3.Vec) r3.Rotation {
	// Shepperd's method on the column-major matrix.
	m := [3][3]float64{
		{ex.X, ey.X, ez.X},
		{ex.Y, ey.Y, ez.Y},
		{ex.Z, ey.Z, ez.Z},
	}
	tr := m[0][0] + m[1][1] + m[2][2]
	var q quat.Number
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = quat.Number{
			Real: s / 4,
			Imag: (m[2][1] - m[1][2]) / s,
			Jmag: (m[0][2] - m[2][0]) / s,
			Kmag: (m[1][0] - m[0][1]) / s,
		}
	case m[0][0] > m[1][1] && m[0][0] > m[2][2]:
		s := math.Sqrt(1+m[0][0]-m[1][1]-m[2][2]) * 2
		q = quat.Number{
			Real: (m[2][1] - m[1][2]) / s,
			Imag: s / 4,
			Jmag: (m[0][1] + m[1][0]) / s,
			Kmag: (m[0][2] + m[2][0]) / s,
		}
	case m[1][1] > m[2][2]:
		s := math.Sqrt(1+m[1][1]-m[0][0]-m[2][2]) * 2
		q = quat.Number{
			Real: (m[0][2] - m[2][0]) / s,
			Imag: (m[0][1] + m[1][0]) / s,
			Jmag: s / 4,
			Kmag: (m[1][2] + m[2][1]) / s,
		}
	default:
		s := math.Sqrt(1+m[2][2]-m[0][0]-m[1][1]) * 2
		q = quat.Number{
			Real: (m[1][0] - m[0][1]) / s,
			Imag: (m[0][2] + m[2][0]) / s,
			Jmag: (m[1][2] + m[2][1]) / s,
			Kmag: s / 4,
		}
	}
	return normalizeRotation(r3.Rotation(q))
}

func normalizeRotation(r r3.Rotation) r3.Rotation {
	q := quat.Number(r)
	n := quat.Abs(q)
	if n == 0 {
		return r3.Rotation(quat.Number{Real: 1})
	}
	return r3.Rotation(quat.Scale(1/n, q))
}
