package attention

import (
	"fmt"
	"math"

	"protoken/pkg/geometry"
	"protoken/pkg/tensor"

	"gonum.org/v1/gonum/spatial/r3"
)

// IPAConfig configures an InvariantPointAttention module.
type IPAConfig struct {
	NumHead     int
	NumScalarQK int
	NumScalarV  int
	NumPointQK  int
	NumPointV   int
	DSingle     int // single representation channel
	DPair       int // pair representation channel
	Gating      bool
}

// InvariantPointAttention attends over residues with three logit terms:
// scalar query/key dot products from the single representation, a learned
// bias from the pair representation, and negative squared distances between
// query and key points expressed in global coordinates through each
// residue's rigid frame. Because point distances are computed after frame
// application, the module is invariant to any global rigid transform of the
// structure.
type InvariantPointAttention struct {
	Cfg IPAConfig

	WQScalar *tensor.Tensor // (d_single, h*num_scalar_qk)
	WKScalar *tensor.Tensor // (d_single, h*num_scalar_qk)
	WVScalar *tensor.Tensor // (d_single, h*num_scalar_v)
	WQPoint  *tensor.Tensor // (d_single, h*num_point_qk*3), local-frame points
	WKPoint  *tensor.Tensor // (d_single, h*num_point_qk*3)
	WVPoint  *tensor.Tensor // (d_single, h*num_point_v*3)
	WBias    *tensor.Tensor // (d_pair, h), pair bias projection
	// HeadWeights are the raw per-head point weights; softplus keeps the
	// effective weight positive.
	HeadWeights *tensor.Tensor // (h,)
	WGate       *tensor.Tensor // (d_single, h*headOut), optional
	BGate       *tensor.Tensor
	WOut        *tensor.Tensor // (h*headOut, d_single)
	BOut        *tensor.Tensor // (d_single,)
}

// headOutDim is the per-head output width: scalar values, point values
// (3 coords + 1 norm each) and the attended pair representation.
func (cfg IPAConfig) headOutDim() int {
	return cfg.NumScalarV + 4*cfg.NumPointV + cfg.DPair
}

// NewInvariantPointAttention creates the module.
func NewInvariantPointAttention(cfg IPAConfig, init Init) *InvariantPointAttention {
	if cfg.NumHead <= 0 {
		panic(fmt.Sprintf("IPA requires positive head count, got %d", cfg.NumHead))
	}
	h := cfg.NumHead
	a := &InvariantPointAttention{
		Cfg:         cfg,
		WQScalar:    tensor.NewTensor([]int{cfg.DSingle, h * cfg.NumScalarQK}),
		WKScalar:    tensor.NewTensor([]int{cfg.DSingle, h * cfg.NumScalarQK}),
		WVScalar:    tensor.NewTensor([]int{cfg.DSingle, h * cfg.NumScalarV}),
		WQPoint:     tensor.NewTensor([]int{cfg.DSingle, h * cfg.NumPointQK * 3}),
		WKPoint:     tensor.NewTensor([]int{cfg.DSingle, h * cfg.NumPointQK * 3}),
		WVPoint:     tensor.NewTensor([]int{cfg.DSingle, h * cfg.NumPointV * 3}),
		WBias:       tensor.NewTensor([]int{cfg.DPair, h}),
		HeadWeights: tensor.NewTensor([]int{h}),
		WOut:        tensor.NewTensor([]int{h * cfg.headOutDim(), cfg.DSingle}),
		BOut:        tensor.NewTensor([]int{cfg.DSingle}),
	}
	init(a.WQScalar)
	init(a.WKScalar)
	init(a.WVScalar)
	init(a.WQPoint)
	init(a.WKPoint)
	init(a.WVPoint)
	init(a.WBias)
	init(a.WOut)
	// softplus(0.54) ~ 1: point terms start with unit weight.
	for i := range a.HeadWeights.Data {
		a.HeadWeights.Data[i] = 0.5413
	}
	if cfg.Gating {
		a.WGate = tensor.NewTensor([]int{cfg.DSingle, h * cfg.headOutDim()})
		a.BGate = tensor.NewTensor([]int{h * cfg.headOutDim()})
		for i := range a.BGate.Data {
			a.BGate.Data[i] = 1.0
		}
	}
	return a
}

// Forward computes the attention update to the single representation.
//
// Shapes:
//   - single: (n, d_single)
//   - pair: (n, n, d_pair)
//   - frames: length n, current rigid frame per residue
//   - mask: nil or length n; masked keys are excluded pre-softmax
//
// Output: (n, d_single).
func (a *InvariantPointAttention) Forward(single, pair *tensor.Tensor, frames []geometry.Rigid, mask []float32) (*tensor.Tensor, error) {
	out, _, err := a.forward(single, pair, frames, mask, false)
	return out, err
}

// ForwardWithWeights is Forward but also returns the attention weights with
// shape (num_head, n, n).
func (a *InvariantPointAttention) ForwardWithWeights(single, pair *tensor.Tensor, frames []geometry.Rigid, mask []float32) (*tensor.Tensor, *tensor.Tensor, error) {
	return a.forward(single, pair, frames, mask, true)
}

func (a *InvariantPointAttention) forward(single, pair *tensor.Tensor, frames []geometry.Rigid, mask []float32, wantWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	cfg := a.Cfg
	if len(single.Shape) != 2 || single.Shape[1] != cfg.DSingle {
		return nil, nil, fmt.Errorf("single representation must be (n, %d), got %v", cfg.DSingle, single.Shape)
	}
	n := single.Shape[0]
	if len(pair.Shape) != 3 || pair.Shape[0] != n || pair.Shape[1] != n || pair.Shape[2] != cfg.DPair {
		return nil, nil, fmt.Errorf("pair representation must be (%d, %d, %d), got %v", n, n, cfg.DPair, pair.Shape)
	}
	if len(frames) != n {
		return nil, nil, fmt.Errorf("frame count %d doesn't match sequence length %d", len(frames), n)
	}
	if mask != nil && len(mask) != n {
		return nil, nil, fmt.Errorf("mask length %d doesn't match sequence length %d", len(mask), n)
	}

	h := cfg.NumHead
	qScalar, err := tensor.Matmul(single, a.WQScalar)
	if err != nil {
		return nil, nil, err
	}
	kScalar, err := tensor.Matmul(single, a.WKScalar)
	if err != nil {
		return nil, nil, err
	}
	vScalar, err := tensor.Matmul(single, a.WVScalar)
	if err != nil {
		return nil, nil, err
	}
	qPointLocal, err := tensor.Matmul(single, a.WQPoint)
	if err != nil {
		return nil, nil, err
	}
	kPointLocal, err := tensor.Matmul(single, a.WKPoint)
	if err != nil {
		return nil, nil, err
	}
	vPointLocal, err := tensor.Matmul(single, a.WVPoint)
	if err != nil {
		return nil, nil, err
	}
	pairBias, err := tensor.Matmul(pair, a.WBias) // (n, n, h)
	if err != nil {
		return nil, nil, err
	}

	// Transform local points to global coordinates through each residue's
	// frame.
	qPoint := transformPoints(qPointLocal, frames, h*cfg.NumPointQK)
	kPoint := transformPoints(kPointLocal, frames, h*cfg.NumPointQK)
	vPoint := transformPoints(vPointLocal, frames, h*cfg.NumPointV)

	// Fixed logit weights from the head/point counts: the three terms carry
	// equal variance at initialization.
	wC := math.Sqrt(2.0 / (9.0 * float64(cfg.NumPointQK)))
	wL := math.Sqrt(1.0 / 3.0)
	scalarScale := float32(wL / math.Sqrt(float64(cfg.NumScalarQK)))
	biasScale := float32(wL)

	headOut := cfg.headOutDim()
	ctx := tensor.NewTensor([]int{n, h * headOut})
	var weights *tensor.Tensor
	if wantWeights {
		weights = tensor.NewTensor([]int{h, n, n})
	}

	logits := make([]float32, n)
	for head := 0; head < h; head++ {
		gamma := tensor.Softplus(a.HeadWeights.Data[head])
		pointScale := float32(wL * float64(gamma) * wC / 2.0)
		sOff := head * cfg.NumScalarQK
		vOff := head * cfg.NumScalarV
		pqOff := head * cfg.NumPointQK
		pvOff := head * cfg.NumPointV

		for i := 0; i < n; i++ {
			qRow := qScalar.Data[i*h*cfg.NumScalarQK+sOff : i*h*cfg.NumScalarQK+sOff+cfg.NumScalarQK]
			for j := 0; j < n; j++ {
				if mask != nil && mask[j] == 0 {
					logits[j] = tensor.MaskBias
					continue
				}
				kRow := kScalar.Data[j*h*cfg.NumScalarQK+sOff : j*h*cfg.NumScalarQK+sOff+cfg.NumScalarQK]
				dot := float32(0)
				for d := 0; d < cfg.NumScalarQK; d++ {
					dot += qRow[d] * kRow[d]
				}

				distSq := float32(0)
				for p := 0; p < cfg.NumPointQK; p++ {
					qp := qPoint[i*h*cfg.NumPointQK+pqOff+p]
					kp := kPoint[j*h*cfg.NumPointQK+pqOff+p]
					d := r3.Sub(qp, kp)
					distSq += float32(r3.Dot(d, d))
				}

				logits[j] = dot*scalarScale +
					pairBias.Data[(i*n+j)*h+head]*biasScale -
					distSq*pointScale
			}
			probs := softmaxRow(logits)
			if wantWeights {
				copy(weights.Data[(head*n+i)*n:(head*n+i+1)*n], probs)
			}

			dst := ctx.Data[i*h*headOut+head*headOut : i*h*headOut+(head+1)*headOut]
			oPoint := make([]r3.Vec, cfg.NumPointV)
			for j := 0; j < n; j++ {
				p := probs[j]
				if p == 0 {
					continue
				}
				vRow := vScalar.Data[j*h*cfg.NumScalarV+vOff : j*h*cfg.NumScalarV+vOff+cfg.NumScalarV]
				for d := 0; d < cfg.NumScalarV; d++ {
					dst[d] += p * vRow[d]
				}
				for pt := 0; pt < cfg.NumPointV; pt++ {
					gp := vPoint[j*h*cfg.NumPointV+pvOff+pt]
					oPoint[pt] = r3.Add(oPoint[pt], r3.Scale(float64(p), gp))
				}
				pairRow := pair.Data[(i*n+j)*cfg.DPair : (i*n+j+1)*cfg.DPair]
				pairDst := dst[cfg.NumScalarV+4*cfg.NumPointV:]
				for c := 0; c < cfg.DPair; c++ {
					pairDst[c] += p * pairRow[c]
				}
			}
			// Attended points return to residue i's local frame; their norm
			// is appended as a rotation-invariant feature.
			ptDst := dst[cfg.NumScalarV:]
			for pt := 0; pt < cfg.NumPointV; pt++ {
				local := frames[i].ApplyInverse(oPoint[pt])
				ptDst[pt*3+0] = float32(local.X)
				ptDst[pt*3+1] = float32(local.Y)
				ptDst[pt*3+2] = float32(local.Z)
				norm := math.Sqrt(r3.Dot(local, local) + 1e-6)
				ptDst[3*cfg.NumPointV+pt] = float32(norm)
			}
		}
	}

	if cfg.Gating {
		gate, err := tensor.Linear(single, a.WGate, a.BGate)
		if err != nil {
			return nil, nil, err
		}
		gate = gate.Sigmoid()
		ctx, err = tensor.Mul(ctx, gate)
		if err != nil {
			return nil, nil, err
		}
	}

	out, err := tensor.Linear(ctx, a.WOut, a.BOut)
	if err != nil {
		return nil, nil, err
	}
	return out, weights, nil
}

// transformPoints interprets flat (n, numPoints*3) local coordinates as 3D
// points and maps them to global coordinates through each residue's frame.
func transformPoints(local *tensor.Tensor, frames []geometry.Rigid, numPoints int) []r3.Vec {
	n := local.Shape[0]
	out := make([]r3.Vec, n*numPoints)
	for i := 0; i < n; i++ {
		row := local.Data[i*numPoints*3 : (i+1)*numPoints*3]
		for p := 0; p < numPoints; p++ {
			v := r3.Vec{
				X: float64(row[p*3+0]),
				Y: float64(row[p*3+1]),
				Z: float64(row[p*3+2]),
			}
			out[i*numPoints+p] = frames[i].Apply(v)
		}
	}
	return out
}

// NamedParams registers this module's weights under prefix.
func (a *InvariantPointAttention) NamedParams(prefix string, dst map[string]*tensor.Tensor) {
	dst[prefix+"/q_scalar/weight"] = a.WQScalar
	dst[prefix+"/k_scalar/weight"] = a.WKScalar
	dst[prefix+"/v_scalar/weight"] = a.WVScalar
	dst[prefix+"/q_point/weight"] = a.WQPoint
	dst[prefix+"/k_point/weight"] = a.WKPoint
	dst[prefix+"/v_point/weight"] = a.WVPoint
	dst[prefix+"/pair_bias/weight"] = a.WBias
	dst[prefix+"/head_weights"] = a.HeadWeights
	dst[prefix+"/out/weight"] = a.WOut
	dst[prefix+"/out/bias"] = a.BOut
	if a.Cfg.Gating {
		dst[prefix+"/gate/weight"] = a.WGate
		dst[prefix+"/gate/bias"] = a.BGate
	}
}
