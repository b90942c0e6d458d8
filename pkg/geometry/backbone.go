package geometry

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Backbone holds the heavy backbone atoms of a chain, one entry per residue.
type Backbone struct {
	N  []r3.Vec
	CA []r3.Vec
	C  []r3.Vec
	O  []r3.Vec
}

// Len returns the number of residues.
func (b *Backbone) Len() int { return len(b.CA) }

// Validate checks that all atom slices have equal length.
func (b *Backbone) Validate() error {
	n := len(b.CA)
	if len(b.N) != n || len(b.C) != n || len(b.O) != n {
		return fmt.Errorf("backbone atom slices must have equal length, got N=%d CA=%d C=%d O=%d",
			len(b.N), n, len(b.C), len(b.O))
	}
	return nil
}

// Ideal backbone geometry in the residue frame (origin CA, x toward C,
// N in the xy plane). Literature bond lengths/angles; O is placed with a
// fixed psi-independent approximation.
var (
	idealN  = r3.Vec{X: -0.525, Y: 1.363, Z: 0.000}
	idealCA = r3.Vec{}
	idealC  = r3.Vec{X: 1.526, Y: 0.000, Z: 0.000}
	idealO  = r3.Vec{X: 2.153, Y: -1.062, Z: 0.000}
)

const frameEps = 1e-6

// FrameFromBackbone constructs the residue frame from its N, CA and C atoms
// by Gram-Schmidt: origin at CA, x axis along CA->C, N fixed in the xy
// plane. Degenerate geometry (coincident atoms, collinear N-CA-C) collapses
// to well-defined axes through the epsilon guard instead of producing NaN.
func FrameFromBackbone(n, ca, c r3.Vec) Rigid {
	v1 := r3.Sub(c, ca)
	v2 := r3.Sub(n, ca)

	e1 := safeUnit(v1)
	// Remove the e1 component from v2, then normalize.
	u2 := r3.Sub(v2, r3.Scale(r3.Dot(e1, v2), e1))
	e2 := safeUnit(u2)
	e3 := r3.Cross(e1, e2)

	return Rigid{
		Rot:   RotationFromBasis(e1, e2, e3),
		Trans: ca,
	}
}

// FramesFromBackbone builds one frame per residue.
func FramesFromBackbone(b *Backbone) ([]Rigid, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	frames := make([]Rigid, b.Len())
	for i := range frames {
		frames[i] = FrameFromBackbone(b.N[i], b.CA[i], b.C[i])
	}
	return frames, nil
}

// BackboneFromFrames reconstructs backbone atom positions from frames using
// ideal bond geometry.
func BackboneFromFrames(frames []Rigid) *Backbone {
	b := &Backbone{
		N:  make([]r3.Vec, len(frames)),
		CA: make([]r3.Vec, len(frames)),
		C:  make([]r3.Vec, len(frames)),
		O:  make([]r3.Vec, len(frames)),
	}
	for i, f := range frames {
		b.N[i] = f.Apply(idealN)
		b.CA[i] = f.Apply(idealCA)
		b.C[i] = f.Apply(idealC)
		b.O[i] = f.Apply(idealO)
	}
	return b
}

// Dihedral computes the torsion angle (radians, in (-pi, pi]) defined by
// four points, using the standard atan2 formulation.
func Dihedral(p1, p2, p3, p4 r3.Vec) float64 {
	b1 := r3.Sub(p2, p1)
	b2 := r3.Sub(p3, p2)
	b3 := r3.Sub(p4, p3)

	n1 := r3.Cross(b1, b2)
	n2 := r3.Cross(b2, b3)
	m := r3.Cross(n1, safeUnit(b2))

	x := r3.Dot(n1, n2)
	y := r3.Dot(m, n2)
	return math.Atan2(y, x)
}

// BackboneDihedrals returns per-residue (phi, psi, omega) angles in radians.
// Angles undefined at chain termini (phi of the first residue, psi and
// omega of the last) are reported as zero. A masked residue acts as a chain
// terminus on both sides: angles spanning the boundary are zero, and a
// masked residue's own angles are zero, so no coordinate of a masked
// residue reaches an unmasked angle. mask may be nil (all residues valid).
func BackboneDihedrals(b *Backbone, mask []float32) (phi, psi, omega []float64, err error) {
	if err := b.Validate(); err != nil {
		return nil, nil, nil, err
	}
	n := b.Len()
	if mask != nil && len(mask) != n {
		return nil, nil, nil, fmt.Errorf("mask length %d doesn't match backbone length %d", len(mask), n)
	}
	valid := func(i int) bool { return mask == nil || mask[i] != 0 }
	phi = make([]float64, n)
	psi = make([]float64, n)
	omega = make([]float64, n)
	for i := 0; i < n; i++ {
		if !valid(i) {
			continue
		}
		if i > 0 && valid(i-1) {
			phi[i] = Dihedral(b.C[i-1], b.N[i], b.CA[i], b.C[i])
		}
		if i < n-1 && valid(i+1) {
			psi[i] = Dihedral(b.N[i], b.CA[i], b.C[i], b.N[i+1])
			omega[i] = Dihedral(b.CA[i], b.C[i], b.N[i+1], b.CA[i+1])
		}
	}
	return phi, psi, omega, nil
}

// IdealHelix generates an approximate alpha-helical backbone of n residues.
// Each backbone atom type lies on its own helix (3.6 residues per turn,
// 1.5 A rise per residue); the radii and phase offsets approximate ideal
// helical geometry closely enough for round-trip exercises.
func IdealHelix(n int) *Backbone {
	const (
		rise     = 1.5
		turn     = 100.0 * math.Pi / 180.0
		radiusCA = 2.30
		radiusN  = 1.65
		radiusC  = 1.65
		radiusO  = 2.00
		phaseN   = -0.45
		phaseC   = 0.50
		phaseO   = 0.60
		zOffsetN = -0.60
		zOffsetC = 0.55
		zOffsetO = 0.70
	)
	b := &Backbone{
		N:  make([]r3.Vec, n),
		CA: make([]r3.Vec, n),
		C:  make([]r3.Vec, n),
		O:  make([]r3.Vec, n),
	}
	for i := 0; i < n; i++ {
		t := float64(i) * turn
		z := float64(i) * rise
		b.CA[i] = r3.Vec{X: radiusCA * math.Cos(t), Y: radiusCA * math.Sin(t), Z: z}
		b.N[i] = r3.Vec{X: radiusN * math.Cos(t+phaseN), Y: radiusN * math.Sin(t+phaseN), Z: z + zOffsetN}
		b.C[i] = r3.Vec{X: radiusC * math.Cos(t+phaseC), Y: radiusC * math.Sin(t+phaseC), Z: z + zOffsetC}
		b.O[i] = r3.Vec{X: radiusO * math.Cos(t+phaseO), Y: radiusO * math.Sin(t+phaseO), Z: z + zOffsetO}
	}
	return b
}

// Transform applies a global rigid transform to every atom, returning a new
// backbone. Used to exercise rigid invariance.
func (b *Backbone) Transform(r Rigid) *Backbone {
	out := &Backbone{
		N:  make([]r3.Vec, b.Len()),
		CA: make([]r3.Vec, b.Len()),
		C:  make([]r3.Vec, b.Len()),
		O:  make([]r3.Vec, b.Len()),
	}
	for i := 0; i < b.Len(); i++ {
		out.N[i] = r.Apply(b.N[i])
		out.CA[i] = r.Apply(b.CA[i])
		out.C[i] = r.Apply(b.C[i])
		out.O[i] = r.Apply(b.O[i])
	}
	return out
}

// safeUnit normalizes v, returning the x axis for near-zero input instead of
// dividing by zero.
func safeUnit(v r3.Vec) r3.Vec {
	n := r3.Norm(v)
	if n < frameEps {
		return r3.Vec{X: 1}
	}
	return r3.Scale(1/n, v)
}
