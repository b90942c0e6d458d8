package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Kabsch computes the optimal rotation and translation superposing the
// mobile point set onto the reference set (least-squares), via SVD of the
// covariance matrix with the determinant-sign correction that excludes
// reflections.
func Kabsch(mobile, reference []r3.Vec) (Rigid, error) {
	if len(mobile) != len(reference) {
		return Rigid{}, fmt.Errorf("point sets must have equal length, got %d and %d",
			len(mobile), len(reference))
	}
	if len(mobile) < 3 {
		return Rigid{}, fmt.Errorf("superposition requires at least 3 points, got %d", len(mobile))
	}

	cm := centroid(mobile)
	cr := centroid(reference)

	// Covariance C = sum (mobile_i - cm) (reference_i - cr)^T.
	c := mat.NewDense(3, 3, nil)
	for i := range mobile {
		p := r3.Sub(mobile[i], cm)
		q := r3.Sub(reference[i], cr)
		pv := []float64{p.X, p.Y, p.Z}
		qv := []float64{q.X, q.Y, q.Z}
		for a := 0; a < 3; a++ {
			for b := 0; b < 3; b++ {
				c.Set(a, b, c.At(a, b)+pv[a]*qv[b])
			}
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(c, mat.SVDFull); !ok {
		return Rigid{}, fmt.Errorf("SVD of covariance matrix failed")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	// R = V diag(1, 1, d) U^T with d = sign(det(V U^T)).
	var vut mat.Dense
	vut.Mul(&v, u.T())
	d := 1.0
	if mat.Det(&vut) < 0 {
		d = -1.0
	}
	s := mat.NewDiagDense(3, []float64{1, 1, d})
	var r mat.Dense
	r.Mul(&v, s)
	r.Mul(&r, u.T())

	ex := r3.Vec{X: r.At(0, 0), Y: r.At(1, 0), Z: r.At(2, 0)}
	ey := r3.Vec{X: r.At(0, 1), Y: r.At(1, 1), Z: r.At(2, 1)}
	ez := r3.Vec{X: r.At(0, 2), Y: r.At(1, 2), Z: r.At(2, 2)}
	rot := RotationFromBasis(ex, ey, ez)

	// t = cr - R*cm.
	trans := r3.Sub(cr, rot.Rotate(cm))
	return Rigid{Rot: rot, Trans: trans}, nil
}

// RMSD returns the root-mean-square deviation between the two point sets
// after optimal superposition.
func RMSD(mobile, reference []r3.Vec) (float64, error) {
	fit, err := Kabsch(mobile, reference)
	if err != nil {
		return 0, err
	}
	sum := 0.0
	for i := range mobile {
		d := r3.Sub(fit.Apply(mobile[i]), reference[i])
		sum += r3.Dot(d, d)
	}
	return math.Sqrt(sum / float64(len(mobile))), nil
}

func centroid(pts []r3.Vec) r3.Vec {
	var c r3.Vec
	for _, p := range pts {
		c = r3.Add(c, p)
	}
	return r3.Scale(1/float64(len(pts)), c)
}
