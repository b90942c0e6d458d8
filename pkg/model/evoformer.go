package model

import (
	"fmt"
	"math/rand"

	"protoken/pkg/model/attention"
	"protoken/pkg/tensor"
)

// Transition is the position-wise feed-forward applied after attention in
// the pair/single update stack: expand by a factor, ReLU, project back.
type Transition struct {
	FC1 *Linear
	FC2 *Linear
}

// NewTransition creates a transition for channel dim with the given
// expansion factor.
func NewTransition(dim, factor int, initMethod string, rng *rand.Rand) *Transition {
	return &Transition{
		FC1: NewLinear(dim, dim*factor, true, initMethod, rng),
		FC2: NewLinear(dim*factor, dim, true, initMethod, rng),
	}
}

// Forward applies the feed-forward. Input and output: (..., dim).
func (t *Transition) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	hidden, err := t.FC1.Forward(x)
	if err != nil {
		return nil, err
	}
	return t.FC2.Forward(hidden.ReLU())
}

func (t *Transition) namedParams(prefix string, dst ParamSet) {
	t.FC1.namedParams(prefix+"/fc1", dst)
	t.FC2.namedParams(prefix+"/fc2", dst)
}

// EvoformerBlock refines the single and pair representations jointly:
//
//  1. single attends over residues with a bias read from the pair rep
//  2. single transition
//  3. outer-product-mean injects single information into the pair rep
//  4. pair rows attend over their columns (bias from the pair rep itself)
//  5. pair columns attend over their rows
//  6. pair transition
//
// Every step is pre-normalized and residual.
type EvoformerBlock struct {
	SingleNorm      *Norm
	SingleBias      *Linear // (pair_channel, num_head) logit bias for step 1
	SingleAttn      *attention.GatedAttention
	SingleTransNorm *Norm
	SingleTrans     *Transition

	OPMNorm       *Norm
	OPM           *attention.OuterProductMean
	RowNorm       *Norm
	RowBias       *Linear
	RowAttn       *attention.GatedAttention
	ColNorm       *Norm
	ColBias       *Linear
	ColAttn       *attention.GatedAttention
	PairTransNorm *Norm
	PairTrans     *Transition
}

// NewEvoformerBlock builds one block from the validated model config.
func NewEvoformerBlock(cfg Config, rng *rand.Rand) (*EvoformerBlock, error) {
	init := func(t *tensor.Tensor) { initTensor(t, cfg.InitMethod, rng) }
	ecfg := cfg.Evoformer

	singleHeadDim := cfg.SingleChannel / ecfg.NumHead
	if singleHeadDim == 0 || cfg.SingleChannel%ecfg.NumHead != 0 {
		return nil, fmt.Errorf("single_channel (%d) must be divisible by evoformer num_head (%d)",
			cfg.SingleChannel, ecfg.NumHead)
	}
	pairHeadDim := cfg.PairChannel / ecfg.NumHead

	b := &EvoformerBlock{
		SingleBias: NewLinear(cfg.PairChannel, ecfg.NumHead, false, cfg.InitMethod, rng),
		SingleAttn: attention.NewGatedAttention(attention.GatedConfig{
			NumHead: ecfg.NumHead,
			DIn:     cfg.SingleChannel,
			DOut:    cfg.SingleChannel,
			HeadDim: singleHeadDim,
			Gating:  true,
		}, init),
		SingleTrans: NewTransition(cfg.SingleChannel, ecfg.TransitionFactor, cfg.InitMethod, rng),
		OPM:         attention.NewOuterProductMean(cfg.SingleChannel, ecfg.OuterChannel, cfg.PairChannel, init),
		RowBias:     NewLinear(cfg.PairChannel, ecfg.NumHead, false, cfg.InitMethod, rng),
		RowAttn: attention.NewGatedAttention(attention.GatedConfig{
			NumHead: ecfg.NumHead,
			DIn:     cfg.PairChannel,
			DOut:    cfg.PairChannel,
			HeadDim: pairHeadDim,
			Gating:  true,
		}, init),
		ColBias: NewLinear(cfg.PairChannel, ecfg.NumHead, false, cfg.InitMethod, rng),
		ColAttn: attention.NewGatedAttention(attention.GatedConfig{
			NumHead: ecfg.NumHead,
			DIn:     cfg.PairChannel,
			DOut:    cfg.PairChannel,
			HeadDim: pairHeadDim,
			Gating:  true,
		}, init),
		PairTrans: NewTransition(cfg.PairChannel, ecfg.TransitionFactor, cfg.InitMethod, rng),
	}

	var err error
	if b.SingleNorm, err = NewNorm(cfg.NormMethod, cfg.SingleChannel); err != nil {
		return nil, err
	}
	if b.SingleTransNorm, err = NewNorm(cfg.NormMethod, cfg.SingleChannel); err != nil {
		return nil, err
	}
	if b.OPMNorm, err = NewNorm(cfg.NormMethod, cfg.SingleChannel); err != nil {
		return nil, err
	}
	if b.RowNorm, err = NewNorm(cfg.NormMethod, cfg.PairChannel); err != nil {
		return nil, err
	}
	if b.ColNorm, err = NewNorm(cfg.NormMethod, cfg.PairChannel); err != nil {
		return nil, err
	}
	if b.PairTransNorm, err = NewNorm(cfg.NormMethod, cfg.PairChannel); err != nil {
		return nil, err
	}
	return b, nil
}

// Forward runs one block. single: (n, single_channel), pair:
// (n, n, pair_channel), mask length n. Returns updated tensors of identical
// shapes.
func (b *EvoformerBlock) Forward(single, pair *tensor.Tensor, mask []float32) (*tensor.Tensor, *tensor.Tensor, error) {
	// 1. Single attention with pair bias.
	normed, err := b.SingleNorm.Forward(single)
	if err != nil {
		return nil, nil, err
	}
	bias, err := b.SingleBias.Forward(pair) // (n, n, num_head)
	if err != nil {
		return nil, nil, err
	}
	upd, err := b.SingleAttn.Forward(normed, bias, mask)
	if err != nil {
		return nil, nil, err
	}
	single, err = tensor.Add(single, upd)
	if err != nil {
		return nil, nil, err
	}

	// 2. Single transition.
	normed, err = b.SingleTransNorm.Forward(single)
	if err != nil {
		return nil, nil, err
	}
	upd, err = b.SingleTrans.Forward(normed)
	if err != nil {
		return nil, nil, err
	}
	single, err = tensor.Add(single, upd)
	if err != nil {
		return nil, nil, err
	}

	// 3. Outer product mean into the pair rep.
	normed, err = b.OPMNorm.Forward(single)
	if err != nil {
		return nil, nil, err
	}
	opm, err := b.OPM.Forward(normed, mask)
	if err != nil {
		return nil, nil, err
	}
	pair, err = tensor.Add(pair, opm)
	if err != nil {
		return nil, nil, err
	}

	// 4. Row-wise pair attention: row i attends over j.
	pair, err = b.pairAttention(pair, b.RowNorm, b.RowBias, b.RowAttn, mask, false)
	if err != nil {
		return nil, nil, err
	}

	// 5. Column-wise pair attention: column j attends over i.
	pair, err = b.pairAttention(pair, b.ColNorm, b.ColBias, b.ColAttn, mask, true)
	if err != nil {
		return nil, nil, err
	}

	// 6. Pair transition.
	normedPair, err := b.PairTransNorm.Forward(pair)
	if err != nil {
		return nil, nil, err
	}
	updPair, err := b.PairTrans.Forward(normedPair)
	if err != nil {
		return nil, nil, err
	}
	pair, err = tensor.Add(pair, updPair)
	if err != nil {
		return nil, nil, err
	}

	return single, pair, nil
}

// pairAttention runs gated attention over pair rows (or columns when
// transposed), residual on the input.
func (b *EvoformerBlock) pairAttention(pair *tensor.Tensor, norm *Norm, biasProj *Linear, attn *attention.GatedAttention, mask []float32, transposed bool) (*tensor.Tensor, error) {
	work := pair
	var err error
	if transposed {
		if work, err = tensor.Transpose01(pair); err != nil {
			return nil, err
		}
	}
	normed, err := norm.Forward(work)
	if err != nil {
		return nil, err
	}
	bias, err := biasProj.Forward(normed) // (n, n, num_head)
	if err != nil {
		return nil, err
	}
	upd, err := attn.Forward(normed, bias, mask)
	if err != nil {
		return nil, err
	}
	if transposed {
		if upd, err = tensor.Transpose01(upd); err != nil {
			return nil, err
		}
	}
	return tensor.Add(pair, upd)
}

func (b *EvoformerBlock) namedParams(prefix string, dst ParamSet) {
	b.SingleNorm.namedParams(prefix+"/single_norm", dst)
	b.SingleBias.namedParams(prefix+"/single_bias", dst)
	b.SingleAttn.NamedParams(prefix+"/single_attn", dst)
	b.SingleTransNorm.namedParams(prefix+"/single_transition_norm", dst)
	b.SingleTrans.namedParams(prefix+"/single_transition", dst)
	b.OPMNorm.namedParams(prefix+"/outer_product_norm", dst)
	b.OPM.NamedParams(prefix+"/outer_product", dst)
	b.RowNorm.namedParams(prefix+"/row_norm", dst)
	b.RowBias.namedParams(prefix+"/row_bias", dst)
	b.RowAttn.NamedParams(prefix+"/row_attn", dst)
	b.ColNorm.namedParams(prefix+"/col_norm", dst)
	b.ColBias.namedParams(prefix+"/col_bias", dst)
	b.ColAttn.NamedParams(prefix+"/col_attn", dst)
	b.PairTransNorm.namedParams(prefix+"/pair_transition_norm", dst)
	b.PairTrans.namedParams(prefix+"/pair_transition", dst)
}

// EvoformerStack is pair_update_evoformer_stack_num blocks applied in
// sequence.
type EvoformerStack struct {
	Blocks []*EvoformerBlock
}

// NewEvoformerStack builds the stack from the validated model config.
func NewEvoformerStack(cfg Config, rng *rand.Rand) (*EvoformerStack, error) {
	blocks := make([]*EvoformerBlock, cfg.Evoformer.NumBlock)
	for i := range blocks {
		block, err := NewEvoformerBlock(cfg, rng)
		if err != nil {
			return nil, fmt.Errorf("evoformer block %d: %w", i, err)
		}
		blocks[i] = block
	}
	return &EvoformerStack{Blocks: blocks}, nil
}

// Forward refines (single, pair) through all blocks.
func (s *EvoformerStack) Forward(single, pair *tensor.Tensor, mask []float32) (*tensor.Tensor, *tensor.Tensor, error) {
	var err error
	for i, block := range s.Blocks {
		single, pair, err = block.Forward(single, pair, mask)
		if err != nil {
			return nil, nil, fmt.Errorf("evoformer block %d: %w", i, err)
		}
	}
	return single, pair, nil
}

func (s *EvoformerStack) namedParams(prefix string, dst ParamSet) {
	for i, block := range s.Blocks {
		block.namedParams(fmt.Sprintf("%s/block_%d", prefix, i), dst)
	}
}
