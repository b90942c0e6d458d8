package model

import (
	"fmt"
	"math"
	"math/rand"

	"protoken/pkg/tensor"
)

// Linear is a dense projection y = x @ W + b.
type Linear struct {
	W *tensor.Tensor // (in, out)
	B *tensor.Tensor // (out,), nil when bias is disabled
}

// NewLinear creates a linear layer initialized per initMethod. The rng is
// threaded in explicitly so construction is deterministic for a fixed seed;
// there is no process-wide random state.
func NewLinear(in, out int, bias bool, initMethod string, rng *rand.Rand) *Linear {
	l := &Linear{W: tensor.NewTensor([]int{in, out})}
	if bias {
		l.B = tensor.NewTensor([]int{out})
	}
	initTensor(l.W, initMethod, rng)
	return l
}

// Forward applies the projection. Input: (..., in). Output: (..., out).
func (l *Linear) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.W, l.B)
}

func (l *Linear) namedParams(prefix string, dst ParamSet) {
	dst[prefix+"/weight"] = l.W
	if l.B != nil {
		dst[prefix+"/bias"] = l.B
	}
}

// initTensor fills a weight tensor according to the configured init method.
// The method set is closed; Config.Validate has already rejected anything
// else, so an unknown value here is a programmer error.
func initTensor(t *tensor.Tensor, method string, rng *rand.Rand) {
	switch method {
	case InitZeros:
		// already zero
	case InitNormal:
		for i := range t.Data {
			t.Data[i] = float32(rng.NormFloat64()) * 0.02
		}
	case InitXavier:
		fanIn, fanOut := fans(t.Shape)
		limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
		for i := range t.Data {
			t.Data[i] = float32(rng.Float64()*2*limit - limit)
		}
	default:
		panic(fmt.Sprintf("unsupported init_method %q", method))
	}
}

func fans(shape []int) (fanIn, fanOut int) {
	if len(shape) < 2 {
		return shape[0], shape[0]
	}
	return shape[len(shape)-2], shape[len(shape)-1]
}
