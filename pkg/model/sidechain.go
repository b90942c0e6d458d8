package model

import (
	"fmt"
	"math/rand"

	"protoken/pkg/tensor"
)

// SidechainHead predicts side-chain torsion angles from the final single
// representation, independently of frame iteration: an input projection,
// ReLU residual blocks, and an output projection to sin/cos pairs that are
// normalized onto the unit circle.
type SidechainHead struct {
	Cfg SidechainConfig

	InProj *Linear
	Blocks []*Transition
	Out    *Linear
}

// NewSidechainHead builds the torsion head.
func NewSidechainHead(cfg SidechainConfig, singleChannel int, initMethod string, rng *rand.Rand) *SidechainHead {
	blocks := make([]*Transition, cfg.NumResidual)
	for i := range blocks {
		blocks[i] = NewTransition(cfg.NumChannel, 1, initMethod, rng)
	}
	return &SidechainHead{
		Cfg:    cfg,
		InProj: NewLinear(singleChannel, cfg.NumChannel, true, initMethod, rng),
		Blocks: blocks,
		Out:    NewLinear(cfg.NumChannel, cfg.NumTorsion*2, true, initMethod, rng),
	}
}

// Forward predicts torsions. Input: (n, single_channel). Output:
// (n, num_torsion, 2) unit sin/cos pairs; the epsilon guard keeps
// normalization finite even for a zero prediction.
func (h *SidechainHead) Forward(single *tensor.Tensor) (*tensor.Tensor, error) {
	x, err := h.InProj.Forward(single)
	if err != nil {
		return nil, err
	}
	x = x.ReLU()
	for i, block := range h.Blocks {
		upd, err := block.Forward(x)
		if err != nil {
			return nil, fmt.Errorf("sidechain block %d: %w", i, err)
		}
		if x, err = tensor.Add(x, upd); err != nil {
			return nil, err
		}
	}
	raw, err := h.Out.Forward(x)
	if err != nil {
		return nil, err
	}
	n := single.Shape[0]
	shaped, err := raw.Reshape([]int{n, h.Cfg.NumTorsion, 2})
	if err != nil {
		return nil, err
	}
	return tensor.L2NormalizeLastDim(shaped, 1e-6), nil
}

func (h *SidechainHead) namedParams(prefix string, dst ParamSet) {
	h.InProj.namedParams(prefix+"/in_proj", dst)
	for i, block := range h.Blocks {
		block.namedParams(fmt.Sprintf("%s/resblock_%d", prefix, i), dst)
	}
	h.Out.namedParams(prefix+"/out", dst)
}
