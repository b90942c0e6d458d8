package model

import (
	"fmt"
	"math/rand"

	"protoken/pkg/geometry"
	"protoken/pkg/tensor"
)

// DecoderInput is one token sequence to reconstruct.
type DecoderInput struct {
	Codes []int
	// Mask marks valid positions; nil means all valid.
	Mask []float32
	// ResidueIndex mirrors the encoder-side numbering; nil means 0..n-1.
	ResidueIndex []int
}

// DecoderOutput is the reconstructed structure with auxiliary predictions.
type DecoderOutput struct {
	Backbone *geometry.Backbone
	Frames   []geometry.Rigid
	// Trajectory holds the frame set after each extended-structure-module
	// layer, for auxiliary losses over intermediate structures.
	Trajectory [][]geometry.Rigid

	// Torsions is (n, num_torsion, 2) unit sin/cos side-chain angles.
	Torsions *tensor.Tensor
	// PLDDT is per-residue predicted lDDT-Ca in [0, 100].
	PLDDT []float32
	// PLDDTLogits is the raw (n, num_bins) confidence head output.
	PLDDTLogits *tensor.Tensor
	// DistogramLogits is the symmetric (n, n, num_bins) distance histogram.
	DistogramLogits *tensor.Tensor

	Single *tensor.Tensor
	Pair   *tensor.Tensor
}

// Decoder reconstructs backbone coordinates from code sequences. Codes are
// dequantized through the shared codebook, refined by the evoformer, then
// folded: a one-layer frame initializer lifts identity frames into a coarse
// placement and the extended structure module iterates from there.
type Decoder struct {
	Cfg Config

	Codebook *Codebook
	CodeProj *Linear
	RelPos   *RelPos

	Evoformer *EvoformerStack
	FrameInit *StructureModule
	Structure *StructureModule
	Sidechain *SidechainHead
	LDDTHead  *PredictedLDDTHead
	Distogram *DistogramHead
	FinalNorm *Norm
}

// NewDecoder builds the decoder around the shared codebook.
func NewDecoder(cfg Config, codebook *Codebook, rng *rand.Rand) (*Decoder, error) {
	evo, err := NewEvoformerStack(cfg, rng)
	if err != nil {
		return nil, err
	}
	frameInit, err := NewStructureModule(cfg.FrameInitializer, cfg.SingleChannel, cfg.PairChannel, cfg.NormMethod, cfg.InitMethod, rng)
	if err != nil {
		return nil, fmt.Errorf("frame initializer: %w", err)
	}
	structure, err := NewStructureModule(cfg.StructureModule, cfg.SingleChannel, cfg.PairChannel, cfg.NormMethod, cfg.InitMethod, rng)
	if err != nil {
		return nil, fmt.Errorf("extended structure module: %w", err)
	}
	lddt, err := NewPredictedLDDTHead(cfg.PredictedLDDT, cfg.SingleChannel, cfg.PairChannel, cfg.NormMethod, cfg.InitMethod, rng)
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		Cfg:       cfg,
		Codebook:  codebook,
		CodeProj:  NewLinear(cfg.VQ.CodeDim, cfg.SingleChannel, true, cfg.InitMethod, rng),
		RelPos:    NewRelPos(cfg.RelPos, cfg.PairChannel, cfg.InitMethod, rng),
		Evoformer: evo,
		FrameInit: frameInit,
		Structure: structure,
		Sidechain: NewSidechainHead(cfg.Sidechain, cfg.SingleChannel, cfg.InitMethod, rng),
		LDDTHead:  lddt,
		Distogram: NewDistogramHead(cfg.Distogram, cfg.PairChannel, cfg.InitMethod, rng),
	}
	if d.FinalNorm, err = NewNorm(cfg.NormMethod, cfg.SingleChannel); err != nil {
		return nil, err
	}
	return d, nil
}

// Forward reconstructs one structure from codes. Out-of-range code ids are
// reported as errors, never clamped.
func (d *Decoder) Forward(in *DecoderInput) (*DecoderOutput, error) {
	n := len(in.Codes)
	if n == 0 {
		return nil, fmt.Errorf("code sequence is empty")
	}
	mask := in.Mask
	if mask == nil {
		mask = make([]float32, n)
		for i := range mask {
			mask[i] = 1
		}
	} else if len(mask) != n {
		return nil, fmt.Errorf("mask length %d doesn't match code count %d", len(mask), n)
	}
	residueIndex := in.ResidueIndex
	if residueIndex == nil {
		residueIndex = make([]int, n)
		for i := range residueIndex {
			residueIndex[i] = i
		}
	} else if len(residueIndex) != n {
		return nil, fmt.Errorf("residue_index length %d doesn't match code count %d", len(residueIndex), n)
	}

	// Dequantize and lift to the single channel.
	zq := tensor.NewTensor([]int{n, d.Cfg.VQ.CodeDim})
	for i, id := range in.Codes {
		emb, err := d.Codebook.Lookup(id)
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		copy(zq.Row(i), emb)
	}
	return d.forwardEmbedding(zq, mask, residueIndex)
}

// ForwardEmbedding reconstructs from dequantized embeddings directly, the
// path training uses so straight-through gradients reach the encoder.
func (d *Decoder) ForwardEmbedding(zq *tensor.Tensor, mask []float32, residueIndex []int) (*DecoderOutput, error) {
	if len(zq.Shape) != 2 || zq.Shape[1] != d.Cfg.VQ.CodeDim {
		return nil, fmt.Errorf("embedding must be (n, %d), got %v", d.Cfg.VQ.CodeDim, zq.Shape)
	}
	n := zq.Shape[0]
	if len(mask) != n || len(residueIndex) != n {
		return nil, fmt.Errorf("mask/residue_index lengths (%d, %d) don't match embedding rows %d",
			len(mask), len(residueIndex), n)
	}
	return d.forwardEmbedding(zq, mask, residueIndex)
}

func (d *Decoder) forwardEmbedding(zq *tensor.Tensor, mask []float32, residueIndex []int) (*DecoderOutput, error) {
	single, err := d.CodeProj.Forward(zq)
	if err != nil {
		return nil, err
	}
	pair, err := d.RelPos.Forward(residueIndex)
	if err != nil {
		return nil, err
	}
	single, pair, err = d.Evoformer.Forward(single, pair, mask)
	if err != nil {
		return nil, err
	}

	// Fold from identity frames: one initializer layer, then the extended
	// structure module.
	n := zq.Shape[0]
	identity := make([]geometry.Rigid, n)
	for i := range identity {
		identity[i] = geometry.Identity()
	}
	initres, err := d.FrameInit.Forward(single, pair, identity, mask)
	if err != nil {
		return nil, fmt.Errorf("frame initializer: %w", err)
	}
	folded, err := d.Structure.Forward(initres.Single, pair, initres.Frames, mask)
	if err != nil {
		return nil, fmt.Errorf("extended structure module: %w", err)
	}

	finalSingle, err := d.FinalNorm.Forward(folded.Single)
	if err != nil {
		return nil, err
	}

	torsions, err := d.Sidechain.Forward(finalSingle)
	if err != nil {
		return nil, err
	}
	lddtLogits, err := d.LDDTHead.Forward(finalSingle, pair, folded.Frames, mask)
	if err != nil {
		return nil, err
	}
	distogram, err := d.Distogram.Forward(pair)
	if err != nil {
		return nil, err
	}

	return &DecoderOutput{
		Backbone:        geometry.BackboneFromFrames(folded.Frames),
		Frames:          folded.Frames,
		Trajectory:      folded.Trajectory,
		Torsions:        torsions,
		PLDDT:           PLDDTFromLogits(lddtLogits),
		PLDDTLogits:     lddtLogits,
		DistogramLogits: distogram,
		Single:          finalSingle,
		Pair:            pair,
	}, nil
}

func (d *Decoder) namedParams(prefix string, dst ParamSet) {
	d.CodeProj.namedParams(prefix+"/code_proj", dst)
	d.RelPos.namedParams(prefix+"/rel_pos", dst)
	d.Evoformer.namedParams(prefix+"/evoformer", dst)
	d.FrameInit.namedParams(prefix+"/frame_initializer", dst)
	d.Structure.namedParams(prefix+"/structure", dst)
	d.FinalNorm.namedParams(prefix+"/final_norm", dst)
	d.Sidechain.namedParams(prefix+"/sidechain", dst)
	d.LDDTHead.namedParams(prefix+"/predicted_lddt", dst)
	d.Distogram.namedParams(prefix+"/distogram", dst)
}
