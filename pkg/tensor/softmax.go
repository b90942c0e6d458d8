package tensor

import "math"

// MaskBias is the additive logit bias applied to masked attention positions
// before softmax. Large enough that exp underflows to exactly zero in
// float32, so masked positions carry zero attention weight.
const MaskBias = float32(-1e9)

// SoftmaxLastDim applies softmax along the last dimension.
// Rows whose elements are all at or below MaskBias (fully masked) produce
// all-zero output rather than NaN.
func SoftmaxLastDim(t *Tensor) *Tensor {
	last := t.Shape[len(t.Shape)-1]
	result := NewTensor(t.Shape)

	for off := 0; off < len(t.Data); off += last {
		row := t.Data[off : off+last]

		maxVal := float32(math.Inf(-1))
		for _, v := range row {
			if v > maxVal {
				maxVal = v
			}
		}
		if maxVal <= MaskBias {
			// Fully masked row: leave zeros.
			continue
		}

		sum := float32(0)
		out := result.Data[off : off+last]
		for i, v := range row {
			e := float32(math.Exp(float64(v - maxVal)))
			out[i] = e
			sum += e
		}
		for i := range out {
			out[i] /= sum
		}
	}
	return result
}

// MaskedSoftmaxLastDim applies softmax along the last dimension after adding
// MaskBias at positions where mask is zero. The mask length must equal the
// last dimension; it is broadcast over all leading dimensions.
func MaskedSoftmaxLastDim(t *Tensor, mask []float32) *Tensor {
	last := t.Shape[len(t.Shape)-1]
	if mask == nil {
		return SoftmaxLastDim(t)
	}
	if len(mask) != last {
		panic("mask length does not match softmax dimension")
	}
	biased := NewTensor(t.Shape)
	for off := 0; off < len(t.Data); off += last {
		for i := 0; i < last; i++ {
			v := t.Data[off+i]
			if mask[i] == 0 {
				v = MaskBias
			}
			biased.Data[off+i] = v
		}
	}
	return SoftmaxLastDim(biased)
}
