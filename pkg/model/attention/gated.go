// Package attention implements the attention primitives of the structure
// tokenizer: sigmoid-gated multi-head attention with pairwise bias, the
// outer-product-mean coupling from single to pair representation, and
// invariant point attention over per-residue rigid frames.
//
// Modules hold raw weight tensors and receive an Init function from the
// caller, so initialization policy stays in one place and this package has
// no random state of its own.
package attention

import (
	"fmt"
	"math"

	"protoken/pkg/tensor"
)

// Init fills a freshly allocated weight tensor according to the model's
// configured initialization method.
type Init func(*tensor.Tensor)

// GatedConfig configures a GatedAttention module.
type GatedConfig struct {
	NumHead int
	DIn     int // input channel
	DOut    int // output channel
	HeadDim int
	Gating  bool
}

// GatedAttention is multi-head dot-product attention with an optional
// additive pairwise logit bias and a sigmoid gate on the attention output.
// It attends over the second-to-last axis, so it serves both the single
// representation (N, d) and rows of the pair representation (N, N, d).
type GatedAttention struct {
	Cfg GatedConfig

	WQuery *tensor.Tensor // (d_in, h*head_dim)
	WKey   *tensor.Tensor // (d_in, h*head_dim)
	WValue *tensor.Tensor // (d_in, h*head_dim)
	WGate  *tensor.Tensor // (d_in, h*head_dim)
	BGate  *tensor.Tensor // (h*head_dim,), initialized to 1 so gates start open
	WOut   *tensor.Tensor // (h*head_dim, d_out)
	BOut   *tensor.Tensor // (d_out,)
}

// NewGatedAttention creates a gated attention module. Panics if the
// configuration is internally inconsistent; sizes come from a validated
// model config.
func NewGatedAttention(cfg GatedConfig, init Init) *GatedAttention {
	if cfg.NumHead <= 0 || cfg.HeadDim <= 0 {
		panic(fmt.Sprintf("gated attention requires positive heads and head_dim, got %d and %d",
			cfg.NumHead, cfg.HeadDim))
	}
	hd := cfg.NumHead * cfg.HeadDim
	a := &GatedAttention{
		Cfg:    cfg,
		WQuery: tensor.NewTensor([]int{cfg.DIn, hd}),
		WKey:   tensor.NewTensor([]int{cfg.DIn, hd}),
		WValue: tensor.NewTensor([]int{cfg.DIn, hd}),
		WOut:   tensor.NewTensor([]int{hd, cfg.DOut}),
		BOut:   tensor.NewTensor([]int{cfg.DOut}),
	}
	init(a.WQuery)
	init(a.WKey)
	init(a.WValue)
	init(a.WOut)
	if cfg.Gating {
		a.WGate = tensor.NewTensor([]int{cfg.DIn, hd})
		a.BGate = tensor.NewTensor([]int{hd})
		// Zero gate weights plus unit bias: sigmoid(1) ~ 0.73, gates start
		// mostly open and learn to close.
		for i := range a.BGate.Data {
			a.BGate.Data[i] = 1.0
		}
	}
	return a
}

// Forward computes gated attention.
//
// Shapes:
//   - x: (n, d_in) or (batch, n, d_in)
//   - pairBias: nil or (n, n, num_head), added to the logits
//   - mask: nil or length n; masked keys receive tensor.MaskBias pre-softmax
//
// Output has the same leading shape as x with trailing dimension d_out.
func (a *GatedAttention) Forward(x, pairBias *tensor.Tensor, mask []float32) (*tensor.Tensor, error) {
	out, _, err := a.forward(x, pairBias, mask, false)
	return out, err
}

// ForwardWithWeights is Forward but also returns the attention weights with
// shape (batch, num_head, n, n). Intended for tests and introspection.
func (a *GatedAttention) ForwardWithWeights(x, pairBias *tensor.Tensor, mask []float32) (*tensor.Tensor, *tensor.Tensor, error) {
	return a.forward(x, pairBias, mask, true)
}

func (a *GatedAttention) forward(x, pairBias *tensor.Tensor, mask []float32, wantWeights bool) (*tensor.Tensor, *tensor.Tensor, error) {
	batched := true
	switch len(x.Shape) {
	case 2:
		batched = false
		var err error
		x, err = x.Reshape([]int{1, x.Shape[0], x.Shape[1]})
		if err != nil {
			return nil, nil, err
		}
	case 3:
	default:
		return nil, nil, fmt.Errorf("attention input must be 2D or 3D, got %dD", len(x.Shape))
	}

	b, n, din := x.Shape[0], x.Shape[1], x.Shape[2]
	if din != a.Cfg.DIn {
		return nil, nil, fmt.Errorf("input channel %d doesn't match attention d_in %d", din, a.Cfg.DIn)
	}
	if mask != nil && len(mask) != n {
		return nil, nil, fmt.Errorf("mask length %d doesn't match sequence length %d", len(mask), n)
	}
	h, hd := a.Cfg.NumHead, a.Cfg.HeadDim
	if pairBias != nil {
		if len(pairBias.Shape) != 3 || pairBias.Shape[0] != n || pairBias.Shape[1] != n || pairBias.Shape[2] != h {
			return nil, nil, fmt.Errorf("pair bias shape %v doesn't match (n=%d, n=%d, heads=%d)",
				pairBias.Shape, n, n, h)
		}
	}

	q, err := tensor.Matmul(x, a.WQuery)
	if err != nil {
		return nil, nil, err
	}
	k, err := tensor.Matmul(x, a.WKey)
	if err != nil {
		return nil, nil, err
	}
	v, err := tensor.Matmul(x, a.WValue)
	if err != nil {
		return nil, nil, err
	}

	scale := float32(1.0 / math.Sqrt(float64(hd)))

	var weights *tensor.Tensor
	if wantWeights {
		weights = tensor.NewTensor([]int{b, h, n, n})
	}
	ctx := tensor.NewTensor([]int{b, n, h * hd})

	logits := make([]float32, n)
	for bi := 0; bi < b; bi++ {
		for head := 0; head < h; head++ {
			off := head * hd
			for i := 0; i < n; i++ {
				qRow := q.Data[(bi*n+i)*h*hd+off : (bi*n+i)*h*hd+off+hd]
				for j := 0; j < n; j++ {
					if mask != nil && mask[j] == 0 {
						logits[j] = tensor.MaskBias
						continue
					}
					kRow := k.Data[(bi*n+j)*h*hd+off : (bi*n+j)*h*hd+off+hd]
					dot := float32(0)
					for d := 0; d < hd; d++ {
						dot += qRow[d] * kRow[d]
					}
					l := dot * scale
					if pairBias != nil {
						l += pairBias.Data[(i*n+j)*h+head]
					}
					logits[j] = l
				}
				probs := softmaxRow(logits)
				if wantWeights {
					copy(weights.Data[((bi*h+head)*n+i)*n:((bi*h+head)*n+i+1)*n], probs)
				}
				outRow := ctx.Data[(bi*n+i)*h*hd+off : (bi*n+i)*h*hd+off+hd]
				for j := 0; j < n; j++ {
					p := probs[j]
					if p == 0 {
						continue
					}
					vRow := v.Data[(bi*n+j)*h*hd+off : (bi*n+j)*h*hd+off+hd]
					for d := 0; d < hd; d++ {
						outRow[d] += p * vRow[d]
					}
				}
			}
		}
	}

	if a.Cfg.Gating {
		gate, err := tensor.Linear(x, a.WGate, a.BGate)
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
	if !batched {
		out, err = out.Reshape([]int{n, a.Cfg.DOut})
		if err != nil {
			return nil, nil, err
		}
	}
	return out, weights, nil
}

// NamedParams registers this module's weights under prefix.
func (a *GatedAttention) NamedParams(prefix string, dst map[string]*tensor.Tensor) {
	dst[prefix+"/q/weight"] = a.WQuery
	dst[prefix+"/k/weight"] = a.WKey
	dst[prefix+"/v/weight"] = a.WValue
	dst[prefix+"/out/weight"] = a.WOut
	dst[prefix+"/out/bias"] = a.BOut
	if a.Cfg.Gating {
		dst[prefix+"/gate/weight"] = a.WGate
		dst[prefix+"/gate/bias"] = a.BGate
	}
}

// softmaxRow computes a numerically stable softmax over one logit row.
// Rows that are entirely masked come back all zero.
func softmaxRow(logits []float32) []float32 {
	probs := make([]float32, len(logits))
	maxVal := float32(math.Inf(-1))
	for _, l := range logits {
		if l > maxVal {
			maxVal = l
		}
	}
	if maxVal <= tensor.MaskBias {
		return probs
	}
	sum := float32(0)
	for i, l := range logits {
		e := float32(math.Exp(float64(l - maxVal)))
		probs[i] = e
		sum += e
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}
