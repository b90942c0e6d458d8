package attention

import (
	"fmt"

	"protoken/pkg/tensor"
)

// OuterProductMean injects single-representation information into the pair
// representation: each residue pair (i, j) receives the flattened outer
// product of two low-rank projections of single[i] and single[j], mapped to
// the pair channel. Pairs involving a masked residue contribute zero.
type OuterProductMean struct {
	DIn   int
	DHid  int
	DPair int

	WLeft  *tensor.Tensor // (d_in, d_hid)
	WRight *tensor.Tensor // (d_in, d_hid)
	WOut   *tensor.Tensor // (d_hid*d_hid, d_pair)
	BOut   *tensor.Tensor // (d_pair,)
}

// NewOuterProductMean creates the module.
func NewOuterProductMean(dIn, dHid, dPair int, init Init) *OuterProductMean {
	o := &OuterProductMean{
		DIn:    dIn,
		DHid:   dHid,
		DPair:  dPair,
		WLeft:  tensor.NewTensor([]int{dIn, dHid}),
		WRight: tensor.NewTensor([]int{dIn, dHid}),
		WOut:   tensor.NewTensor([]int{dHid * dHid, dPair}),
		BOut:   tensor.NewTensor([]int{dPair}),
	}
	init(o.WLeft)
	init(o.WRight)
	init(o.WOut)
	return o
}

// Forward computes the pair update.
//
// Shapes:
//   - single: (n, d_in)
//   - mask: nil or length n
//   - output: (n, n, d_pair)
func (o *OuterProductMean) Forward(single *tensor.Tensor, mask []float32) (*tensor.Tensor, error) {
	if len(single.Shape) != 2 || single.Shape[1] != o.DIn {
		return nil, fmt.Errorf("outer product input must be (n, %d), got %v", o.DIn, single.Shape)
	}
	n := single.Shape[0]
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("mask length %d doesn't match sequence length %d", len(mask), n)
	}

	left, err := tensor.Matmul(single, o.WLeft)
	if err != nil {
		return nil, err
	}
	right, err := tensor.Matmul(single, o.WRight)
	if err != nil {
		return nil, err
	}

	out := tensor.NewTensor([]int{n, n, o.DPair})
	prod := make([]float32, o.DHid*o.DHid)
	for i := 0; i < n; i++ {
		if mask != nil && mask[i] == 0 {
			continue
		}
		li := left.Data[i*o.DHid : (i+1)*o.DHid]
		for j := 0; j < n; j++ {
			if mask != nil && mask[j] == 0 {
				continue
			}
			rj := right.Data[j*o.DHid : (j+1)*o.DHid]
			for a := 0; a < o.DHid; a++ {
				for b := 0; b < o.DHid; b++ {
					prod[a*o.DHid+b] = li[a] * rj[b]
				}
			}
			dst := out.Data[(i*n+j)*o.DPair : (i*n+j+1)*o.DPair]
			for c := 0; c < o.DPair; c++ {
				sum := o.BOut.Data[c]
				col := c
				for p := 0; p < len(prod); p++ {
					sum += prod[p] * o.WOut.Data[p*o.DPair+col]
				}
				dst[c] = sum
			}
		}
	}
	return out, nil
}

// NamedParams registers this module's weights under prefix.
func (o *OuterProductMean) NamedParams(prefix string, dst map[string]*tensor.Tensor) {
	dst[prefix+"/left/weight"] = o.WLeft
	dst[prefix+"/right/weight"] = o.WRight
	dst[prefix+"/out/weight"] = o.WOut
	dst[prefix+"/out/bias"] = o.BOut
}
