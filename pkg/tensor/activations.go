package tensor

import "math"

// Sigmoid applies the logistic function element-wise.
// Used for the gating projections in gated attention.
func (t *Tensor) Sigmoid() *Tensor {
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		result.Data[i] = float32(1.0 / (1.0 + math.Exp(-float64(x))))
	}
	return result
}

// ReLU applies max(0, x) element-wise.
func (t *Tensor) ReLU() *Tensor {
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		if x > 0 {
			result.Data[i] = x
		}
	}
	return result
}

// Softplus computes log(1 + exp(x)) element-wise on a scalar.
// Used for the per-head point weights in invariant point attention,
// which must stay positive.
func Softplus(x float32) float32 {
	// Large inputs: softplus(x) ~= x, avoid overflow in exp.
	if x > 30 {
		return x
	}
	return float32(math.Log1p(math.Exp(float64(x))))
}

// L2NormalizeLastDim normalizes each vector along the last dimension to unit
// length. Near-zero vectors are guarded with eps so normalization never
// produces NaN.
func L2NormalizeLastDim(t *Tensor, eps float32) *Tensor {
	last := t.Shape[len(t.Shape)-1]
	result := NewTensor(t.Shape)
	for off := 0; off < len(t.Data); off += last {
		sum := float32(0)
		for i := 0; i < last; i++ {
			v := t.Data[off+i]
			sum += v * v
		}
		inv := float32(1.0 / math.Sqrt(float64(sum)+float64(eps)))
		for i := 0; i < last; i++ {
			result.Data[off+i] = t.Data[off+i] * inv
		}
	}
	return result
}
