package model

import (
	"fmt"
	"math/rand"

	"protoken/pkg/geometry"
	"protoken/pkg/tensor"
)

// DistogramHead projects the pair representation to per-pair distance-bin
// logits. Bins span [first_break, last_break] angstroms with the final bin
// open-ended; the head is symmetrized so logits(i,j) == logits(j,i).
type DistogramHead struct {
	Cfg  DistogramConfig
	Proj *Linear
}

// NewDistogramHead builds the distogram projection.
func NewDistogramHead(cfg DistogramConfig, pairChannel int, initMethod string, rng *rand.Rand) *DistogramHead {
	return &DistogramHead{
		Cfg:  cfg,
		Proj: NewLinear(pairChannel, cfg.NumBins, true, initMethod, rng),
	}
}

// Forward maps pair (n, n, pair_channel) to logits (n, n, num_bins),
// symmetrized by averaging the (i,j) and (j,i) projections.
func (h *DistogramHead) Forward(pair *tensor.Tensor) (*tensor.Tensor, error) {
	if len(pair.Shape) != 3 || pair.Shape[0] != pair.Shape[1] {
		return nil, fmt.Errorf("distogram input must be (n, n, c), got %v", pair.Shape)
	}
	logits, err := h.Proj.Forward(pair)
	if err != nil {
		return nil, err
	}
	n := pair.Shape[0]
	nb := h.Cfg.NumBins
	out := tensor.NewTensor([]int{n, n, nb})
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for b := 0; b < nb; b++ {
				v := (logits.Get([]int{i, j, b}) + logits.Get([]int{j, i, b})) / 2
				out.Set([]int{i, j, b}, v)
			}
		}
	}
	return out, nil
}

// Breaks returns the num_bins-1 bin edges in angstroms, evenly spaced over
// [first_break, last_break].
func (h *DistogramHead) Breaks() []float32 {
	n := h.Cfg.NumBins - 1
	breaks := make([]float32, n)
	step := (h.Cfg.LastBreak - h.Cfg.FirstBreak) / float32(n-1)
	for i := range breaks {
		breaks[i] = h.Cfg.FirstBreak + float32(i)*step
	}
	return breaks
}

func (h *DistogramHead) namedParams(prefix string, dst ParamSet) {
	h.Proj.namedParams(prefix+"/half_logits", dst)
}

// PredictedLDDTHead estimates per-residue lDDT-Ca confidence. It reruns one
// structure-module fold iteration (its own weights, frames fixed) over the
// decoder's final representations, then projects each residue to bin logits
// over [0, 100].
type PredictedLDDTHead struct {
	Cfg LDDTConfig

	Fold    *StructureModule
	InNorm  *Norm
	Hidden  *Linear
	Hidden2 *Linear
	Out     *Linear
}

// NewPredictedLDDTHead builds the confidence head.
func NewPredictedLDDTHead(cfg LDDTConfig, singleChannel, pairChannel int, normMethod, initMethod string, rng *rand.Rand) (*PredictedLDDTHead, error) {
	fold, err := NewStructureModule(cfg.FoldIteration, singleChannel, pairChannel, normMethod, initMethod, rng)
	if err != nil {
		return nil, fmt.Errorf("plddt fold iteration: %w", err)
	}
	h := &PredictedLDDTHead{
		Cfg:     cfg,
		Fold:    fold,
		Hidden:  NewLinear(singleChannel, cfg.NumChannel, true, initMethod, rng),
		Hidden2: NewLinear(cfg.NumChannel, cfg.NumChannel, true, initMethod, rng),
		Out:     NewLinear(cfg.NumChannel, cfg.NumBins, true, initMethod, rng),
	}
	if h.InNorm, err = NewNorm(normMethod, singleChannel); err != nil {
		return nil, err
	}
	return h, nil
}

// Forward returns per-residue bin logits (n, num_bins). Frames come from the
// decoder's final trajectory and are not updated here.
func (h *PredictedLDDTHead) Forward(single, pair *tensor.Tensor, frames []geometry.Rigid, mask []float32) (*tensor.Tensor, error) {
	folded, err := h.Fold.Forward(single, pair, frames, mask)
	if err != nil {
		return nil, err
	}
	x, err := h.InNorm.Forward(folded.Single)
	if err != nil {
		return nil, err
	}
	if x, err = h.Hidden.Forward(x); err != nil {
		return nil, err
	}
	x = x.ReLU()
	if x, err = h.Hidden2.Forward(x); err != nil {
		return nil, err
	}
	x = x.ReLU()
	return h.Out.Forward(x)
}

// PLDDTFromLogits converts bin logits (n, num_bins) to per-residue pLDDT in
// [0, 100]: softmax over bins, then the expected value of the bin centers.
func PLDDTFromLogits(logits *tensor.Tensor) []float32 {
	probs := tensor.SoftmaxLastDim(logits)
	n := logits.Shape[0]
	numBins := logits.Shape[1]
	binWidth := 100.0 / float32(numBins)
	plddt := make([]float32, n)
	for i := 0; i < n; i++ {
		row := probs.Row(i)
		sum := float32(0)
		for b := 0; b < numBins; b++ {
			center := binWidth * (float32(b) + 0.5)
			sum += row[b] * center
		}
		plddt[i] = sum
	}
	return plddt
}

func (h *PredictedLDDTHead) namedParams(prefix string, dst ParamSet) {
	h.Fold.namedParams(prefix+"/fold_iteration", dst)
	h.InNorm.namedParams(prefix+"/input_norm", dst)
	h.Hidden.namedParams(prefix+"/act_0", dst)
	h.Hidden2.namedParams(prefix+"/act_1", dst)
	h.Out.namedParams(prefix+"/logits", dst)
}
