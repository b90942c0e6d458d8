package model

import (
	"fmt"
	"math"
	"math/rand"

	"protoken/pkg/geometry"
	"protoken/pkg/tensor"
)

// singleSeedDim is the per-residue feature width fed to the encoder's input
// projection: sin/cos of (phi, psi, omega) plus the N, C and O atom
// coordinates expressed in the residue frame. All features are invariant
// under global rigid motion, which is what makes code ids invariant too.
const singleSeedDim = 15

// EncoderInput is one structure to tokenize.
type EncoderInput struct {
	Backbone *geometry.Backbone
	// Mask marks valid residues with 1; padded or unresolved positions 0.
	// nil means all residues valid.
	Mask []float32
	// ResidueIndex holds author-assigned residue numbering, which may have
	// chain-break gaps. nil means 0..n-1.
	ResidueIndex []int
	// Template is an optional (n, n, template_feat_dim) pair feature, added
	// to the pair seed after projection. nil skips it.
	Template *tensor.Tensor
}

// EncoderOutput carries the token sequence and the intermediate activations
// that training losses read.
type EncoderOutput struct {
	Codes []int
	Mask  []float32
	// PreVQ is the continuous bottleneck embedding before quantization.
	PreVQ *tensor.Tensor
	// ZQ is the dequantized embedding after nearest-neighbor projection.
	ZQ *tensor.Tensor

	Single *tensor.Tensor
	Pair   *tensor.Tensor
}

// Encoder maps a backbone structure to a sequence of discrete codes. The
// residue frames computed from the backbone stay fixed through the encoder's
// structure attention, so the tokens depend only on internal geometry.
type Encoder struct {
	Cfg Config

	SingleSeed   *Linear
	RelPos       *RelPos
	TemplateProj *Linear

	Evoformer *EvoformerStack
	Structure *StructureModule

	PreVQNorm *Norm
	PreVQProj *Linear
	Quantizer *VectorQuantizer
}

// NewEncoder builds the encoder. The quantizer is passed in rather than
// constructed here: encoder and decoder share one codebook.
func NewEncoder(cfg Config, quantizer *VectorQuantizer, rng *rand.Rand) (*Encoder, error) {
	evo, err := NewEvoformerStack(cfg, rng)
	if err != nil {
		return nil, err
	}
	structure, err := NewStructureModule(cfg.EncoderIPA, cfg.SingleChannel, cfg.PairChannel, cfg.NormMethod, cfg.InitMethod, rng)
	if err != nil {
		return nil, err
	}
	e := &Encoder{
		Cfg:          cfg,
		SingleSeed:   NewLinear(singleSeedDim, cfg.SingleChannel, true, cfg.InitMethod, rng),
		RelPos:       NewRelPos(cfg.RelPos, cfg.PairChannel, cfg.InitMethod, rng),
		TemplateProj: NewLinear(cfg.TemplateFeatDim, cfg.PairChannel, true, cfg.InitMethod, rng),
		Evoformer:    evo,
		Structure:    structure,
		PreVQProj:    NewLinear(cfg.SingleChannel, cfg.VQ.CodeDim, true, cfg.InitMethod, rng),
		Quantizer:    quantizer,
	}
	if e.PreVQNorm, err = NewNorm(cfg.NormMethod, cfg.SingleChannel); err != nil {
		return nil, err
	}
	return e, nil
}

// Forward tokenizes one structure.
func (e *Encoder) Forward(in *EncoderInput) (*EncoderOutput, error) {
	if err := in.Backbone.Validate(); err != nil {
		return nil, err
	}
	n := in.Backbone.Len()
	if n == 0 {
		return nil, fmt.Errorf("backbone is empty")
	}
	mask := in.Mask
	if mask == nil {
		mask = make([]float32, n)
		for i := range mask {
			mask[i] = 1
		}
	} else if len(mask) != n {
		return nil, fmt.Errorf("mask length %d doesn't match backbone length %d", len(mask), n)
	}
	residueIndex := in.ResidueIndex
	if residueIndex == nil {
		residueIndex = make([]int, n)
		for i := range residueIndex {
			residueIndex[i] = i
		}
	} else if len(residueIndex) != n {
		return nil, fmt.Errorf("residue_index length %d doesn't match backbone length %d", len(residueIndex), n)
	}

	frames, err := geometry.FramesFromBackbone(in.Backbone)
	if err != nil {
		return nil, err
	}

	single, err := e.seedSingle(in.Backbone, frames, mask)
	if err != nil {
		return nil, err
	}
	pair, err := e.seedPair(residueIndex, in.Template)
	if err != nil {
		return nil, err
	}

	single, pair, err = e.Evoformer.Forward(single, pair, mask)
	if err != nil {
		return nil, err
	}

	// Structure attention over the fixed input frames.
	structured, err := e.Structure.Forward(single, pair, frames, mask)
	if err != nil {
		return nil, err
	}

	normed, err := e.PreVQNorm.Forward(structured.Single)
	if err != nil {
		return nil, err
	}
	preVQ, err := e.PreVQProj.Forward(normed)
	if err != nil {
		return nil, err
	}
	quantized, err := e.Quantizer.Quantize(preVQ, mask)
	if err != nil {
		return nil, err
	}

	return &EncoderOutput{
		Codes:  quantized.Codes,
		Mask:   mask,
		PreVQ:  preVQ,
		ZQ:     quantized.ZQ,
		Single: structured.Single,
		Pair:   pair,
	}, nil
}

// seedSingle builds the (n, single_channel) seed from rigid-invariant
// per-residue geometry. The mask keeps masked residues out of their
// neighbors' dihedrals, so an unmasked residue's seed never depends on a
// masked residue's coordinates.
func (e *Encoder) seedSingle(b *geometry.Backbone, frames []geometry.Rigid, mask []float32) (*tensor.Tensor, error) {
	phi, psi, omega, err := geometry.BackboneDihedrals(b, mask)
	if err != nil {
		return nil, err
	}
	n := b.Len()
	feat := tensor.NewTensor([]int{n, singleSeedDim})
	for i := 0; i < n; i++ {
		row := feat.Row(i)
		row[0] = float32(math.Sin(phi[i]))
		row[1] = float32(math.Cos(phi[i]))
		row[2] = float32(math.Sin(psi[i]))
		row[3] = float32(math.Cos(psi[i]))
		row[4] = float32(math.Sin(omega[i]))
		row[5] = float32(math.Cos(omega[i]))
		// Backbone atoms in the residue frame. N and C are fixed by the frame
		// construction up to bond-geometry variation; O carries psi.
		localN := frames[i].ApplyInverse(b.N[i])
		localC := frames[i].ApplyInverse(b.C[i])
		localO := frames[i].ApplyInverse(b.O[i])
		row[6], row[7], row[8] = float32(localN.X), float32(localN.Y), float32(localN.Z)
		row[9], row[10], row[11] = float32(localC.X), float32(localC.Y), float32(localC.Z)
		row[12], row[13], row[14] = float32(localO.X), float32(localO.Y), float32(localO.Z)
	}
	return e.SingleSeed.Forward(feat)
}

// seedPair builds the (n, n, pair_channel) seed: relative position encoding
// plus the projected template feature when one is supplied.
func (e *Encoder) seedPair(residueIndex []int, template *tensor.Tensor) (*tensor.Tensor, error) {
	pair, err := e.RelPos.Forward(residueIndex)
	if err != nil {
		return nil, err
	}
	if template == nil {
		return pair, nil
	}
	n := len(residueIndex)
	if len(template.Shape) != 3 || template.Shape[0] != n || template.Shape[1] != n ||
		template.Shape[2] != e.Cfg.TemplateFeatDim {
		return nil, fmt.Errorf("template must be (%d, %d, %d), got %v",
			n, n, e.Cfg.TemplateFeatDim, template.Shape)
	}
	proj, err := e.TemplateProj.Forward(template)
	if err != nil {
		return nil, err
	}
	if err := pair.AddInPlace(proj); err != nil {
		return nil, err
	}
	return pair, nil
}

func (e *Encoder) namedParams(prefix string, dst ParamSet) {
	e.SingleSeed.namedParams(prefix+"/single_seed", dst)
	e.RelPos.namedParams(prefix+"/rel_pos", dst)
	e.TemplateProj.namedParams(prefix+"/template_proj", dst)
	e.Evoformer.namedParams(prefix+"/evoformer", dst)
	e.Structure.namedParams(prefix+"/structure", dst)
	e.PreVQNorm.namedParams(prefix+"/pre_vq_norm", dst)
	e.PreVQProj.namedParams(prefix+"/pre_vq_proj", dst)
}
