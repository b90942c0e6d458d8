package model

import (
	"fmt"
	"math"

	"protoken/pkg/tensor"
)

// Norm applies pre-normalization over the last (channel) dimension.
// The method is fixed at construction: RMSNorm (scale only, no mean
// subtraction) or LayerNorm (mean/variance with scale and shift).
type Norm struct {
	Method string
	Scale  *tensor.Tensor // (dim,)
	Shift  *tensor.Tensor // (dim,), layernorm only
	Eps    float32
}

// NewNorm creates a normalization layer for the given channel dimension.
// Unknown methods are rejected; callers validate the config first, this is
// the last line of defense.
func NewNorm(method string, dim int) (*Norm, error) {
	n := &Norm{Method: method, Eps: 1e-6}
	switch method {
	case NormRMSNorm:
		n.Scale = ones(dim)
	case NormLayerNorm:
		n.Scale = ones(dim)
		n.Shift = tensor.NewTensor([]int{dim})
	default:
		return nil, fmt.Errorf("unsupported norm_method %q", method)
	}
	return n, nil
}

// Forward normalizes each channel vector independently.
// Input: (..., dim). Output: same shape.
func (n *Norm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	dim := len(n.Scale.Data)
	last := x.Shape[len(x.Shape)-1]
	if last != dim {
		return nil, fmt.Errorf("input last dimension %d doesn't match norm dimension %d", last, dim)
	}

	result := tensor.NewTensor(x.Shape)
	for off := 0; off < len(x.Data); off += dim {
		row := x.Data[off : off+dim]
		out := result.Data[off : off+dim]

		switch n.Method {
		case NormRMSNorm:
			meanSq := float32(0)
			for _, v := range row {
				meanSq += v * v
			}
			meanSq /= float32(dim)
			inv := float32(1.0 / math.Sqrt(float64(meanSq+n.Eps)))
			for i, v := range row {
				out[i] = v * inv * n.Scale.Data[i]
			}
		case NormLayerNorm:
			mean := float32(0)
			for _, v := range row {
				mean += v
			}
			mean /= float32(dim)
			variance := float32(0)
			for _, v := range row {
				d := v - mean
				variance += d * d
			}
			variance /= float32(dim)
			inv := float32(1.0 / math.Sqrt(float64(variance+n.Eps)))
			for i, v := range row {
				out[i] = (v-mean)*inv*n.Scale.Data[i] + n.Shift.Data[i]
			}
		}
	}
	return result, nil
}

func (n *Norm) namedParams(prefix string, dst ParamSet) {
	dst[prefix+"/scale"] = n.Scale
	if n.Shift != nil {
		dst[prefix+"/shift"] = n.Shift
	}
}

func ones(dim int) *tensor.Tensor {
	t := tensor.NewTensor([]int{dim})
	for i := range t.Data {
		t.Data[i] = 1.0
	}
	return t
}
