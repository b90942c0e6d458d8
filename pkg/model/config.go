// Package model implements the ProToken structure tokenizer: an encoder that
// maps protein backbone structures to discrete structural tokens through a
// vector-quantized bottleneck, and a decoder that reconstructs backbone
// coordinates from token sequences.
//
// The model is built from an Evoformer-style pair/single representation
// stack, an invariant-point-attention structure module iterating per-residue
// rigid frames, and a fixed-size learned codebook.
package model

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Norm method names accepted by Config.Validate.
const (
	NormRMSNorm   = "rmsnorm"
	NormLayerNorm = "layernorm"
)

// Init method names accepted by Config.Validate.
const (
	InitXavier = "xavier"
	InitNormal = "normal"
	InitZeros  = "zeros"
)

// Codebook distance metrics.
const (
	DistanceCosine    = "cosine"
	DistanceEuclidean = "euclidean"
)

// Codebook update policies.
const (
	UpdateEMA      = "ema"
	UpdateGradient = "gradient"
)

// NumAminoAcidTypes is the amino-acid alphabet size including unknown and
// gap symbols.
const NumAminoAcidTypes = 22

// RelPosConfig controls the relative position encoding (§ pair seed).
// Differences up to ExactDistance get one bucket each; beyond that, buckets
// are log-spaced out to MaxDistance, where they saturate.
type RelPosConfig struct {
	NumBuckets    int `yaml:"num_buckets"`
	ExactDistance int `yaml:"exact_distance"`
	MaxDistance   int `yaml:"max_distance"`
}

// EvoformerConfig controls the pair/single update stack.
type EvoformerConfig struct {
	NumBlock         int `yaml:"pair_update_evoformer_stack_num"`
	NumHead          int `yaml:"num_head"`
	OuterChannel     int `yaml:"outer_channel"`
	TransitionFactor int `yaml:"transition_factor"`
}

// IPAConfig parameterizes one structure-module instantiation. The same
// component serves as the extended structure module, the frame initializer
// and the pLDDT fold iteration; only these knobs differ.
type IPAConfig struct {
	NumLayer      int     `yaml:"num_layer"`
	NumHead       int     `yaml:"num_head"`
	NumScalarQK   int     `yaml:"num_scalar_qk"`
	NumScalarV    int     `yaml:"num_scalar_v"`
	NumPointQK    int     `yaml:"num_point_qk"`
	NumPointV     int     `yaml:"num_point_v"`
	PositionScale float32 `yaml:"position_scale"`
	Gating        bool    `yaml:"gating"`
	// UpdateFrames selects between frame-refining iteration (decoder) and
	// attention over fixed input frames (encoder).
	UpdateFrames bool `yaml:"update_frames"`
	// StopGradIPA truncates backpropagation through frame rotations between
	// iterations. Inference is unaffected; the flag is carried so the
	// training contract stays explicit per instantiation.
	StopGradIPA bool `yaml:"stop_grad_ipa"`
}

// VQConfig controls the vector-quantization bottleneck.
type VQConfig struct {
	CodebookSize     int     `yaml:"codebook_size"`
	CodeDim          int     `yaml:"code_dim"`
	Distance         string  `yaml:"distance"`
	UpdatePolicy     string  `yaml:"update_policy"`
	EMADecay         float32 `yaml:"ema_decay"`
	CommitmentWeight float32 `yaml:"commitment_weight"`
}

// SidechainConfig controls the torsion-angle head.
type SidechainConfig struct {
	NumChannel  int `yaml:"num_channel"`
	NumResidual int `yaml:"num_residual"`
	NumTorsion  int `yaml:"num_torsion"`
}

// DistogramConfig controls the pairwise distance histogram head.
type DistogramConfig struct {
	NumBins    int     `yaml:"num_bins"`
	FirstBreak float32 `yaml:"first_break"`
	LastBreak  float32 `yaml:"last_break"`
}

// LDDTConfig controls the per-residue confidence head.
type LDDTConfig struct {
	FoldIteration IPAConfig `yaml:"fold_iteration"`
	NumChannel    int       `yaml:"num_channel"`
	NumBins       int       `yaml:"num_bins"`
}

// Config holds all hyperparameters of the encoder/decoder pair.
type Config struct {
	SingleChannel   int     `yaml:"single_channel"`
	PairChannel     int     `yaml:"pair_channel"`
	NormMethod      string  `yaml:"norm_method"`
	InitMethod      string  `yaml:"init_method"`
	Dropout         float32 `yaml:"dropout"`
	TemplateFeatDim int     `yaml:"template_feat_dim"`
	AatypeEmbedDim  int     `yaml:"aatype_embed_dim"`

	RelPos           RelPosConfig    `yaml:"rel_pos"`
	Evoformer        EvoformerConfig `yaml:"evoformer"`
	StructureModule  IPAConfig       `yaml:"extended_structure_module"`
	FrameInitializer IPAConfig       `yaml:"frame_initializer"`
	EncoderIPA       IPAConfig       `yaml:"encoder_structure_module"`
	PredictedLDDT    LDDTConfig      `yaml:"predicted_lddt"`
	Distogram        DistogramConfig `yaml:"distogram"`
	Sidechain        SidechainConfig `yaml:"sidechain"`
	VQ               VQConfig        `yaml:"vq"`
}

// DefaultConfig returns the reference ProToken configuration: 512-entry
// codebook of 32-dim codes, two evoformer blocks, eight structure-module
// layers, one frame-initializer layer.
func DefaultConfig() Config {
	ipa := IPAConfig{
		NumLayer:      8,
		NumHead:       12,
		NumScalarQK:   16,
		NumScalarV:    16,
		NumPointQK:    4,
		NumPointV:     8,
		PositionScale: 10.0,
		Gating:        true,
		UpdateFrames:  true,
		StopGradIPA:   true,
	}
	frameInit := ipa
	frameInit.NumLayer = 1
	frameInit.StopGradIPA = false
	encoderIPA := ipa
	encoderIPA.UpdateFrames = false
	lddtIter := ipa
	lddtIter.NumLayer = 1
	lddtIter.UpdateFrames = false

	return Config{
		SingleChannel:   384,
		PairChannel:     128,
		NormMethod:      NormRMSNorm,
		InitMethod:      InitXavier,
		Dropout:         0.0,
		TemplateFeatDim: 9,
		AatypeEmbedDim:  8,
		RelPos: RelPosConfig{
			NumBuckets:    49,
			ExactDistance: 16,
			MaxDistance:   64,
		},
		Evoformer: EvoformerConfig{
			NumBlock:         2,
			NumHead:          8,
			OuterChannel:     32,
			TransitionFactor: 4,
		},
		StructureModule:  ipa,
		FrameInitializer: frameInit,
		EncoderIPA:       encoderIPA,
		PredictedLDDT: LDDTConfig{
			FoldIteration: lddtIter,
			NumChannel:    128,
			NumBins:       50,
		},
		Distogram: DistogramConfig{
			NumBins:    36,
			FirstBreak: 2.5,
			LastBreak:  20.0,
		},
		Sidechain: SidechainConfig{
			NumChannel:  128,
			NumResidual: 2,
			NumTorsion:  7,
		},
		VQ: VQConfig{
			CodebookSize:     512,
			CodeDim:          32,
			Distance:         DistanceCosine,
			UpdatePolicy:     UpdateEMA,
			EMADecay:         0.99,
			CommitmentWeight: 0.25,
		},
	}
}

// Validate checks the configuration for consistency. Unrecognized
// norm_method, init_method, distance or update_policy values are rejected
// rather than silently defaulted.
func (c Config) Validate() error {
	switch c.NormMethod {
	case NormRMSNorm, NormLayerNorm:
	default:
		return fmt.Errorf("unsupported norm_method %q (want %q or %q)",
			c.NormMethod, NormRMSNorm, NormLayerNorm)
	}
	switch c.InitMethod {
	case InitXavier, InitNormal, InitZeros:
	default:
		return fmt.Errorf("unsupported init_method %q (want %q, %q or %q)",
			c.InitMethod, InitXavier, InitNormal, InitZeros)
	}
	if c.SingleChannel <= 0 || c.PairChannel <= 0 {
		return fmt.Errorf("channel sizes must be positive, got single=%d pair=%d",
			c.SingleChannel, c.PairChannel)
	}
	if c.TemplateFeatDim < 0 {
		return fmt.Errorf("template_feat_dim must be non-negative, got %d", c.TemplateFeatDim)
	}
	if c.AatypeEmbedDim <= 0 {
		return fmt.Errorf("aatype_embed_dim must be positive, got %d", c.AatypeEmbedDim)
	}
	if err := c.RelPos.validate(); err != nil {
		return err
	}
	if err := c.Evoformer.validate(c.PairChannel); err != nil {
		return err
	}
	for _, ipa := range []struct {
		name string
		cfg  IPAConfig
	}{
		{"extended_structure_module", c.StructureModule},
		{"frame_initializer", c.FrameInitializer},
		{"encoder_structure_module", c.EncoderIPA},
		{"predicted_lddt.fold_iteration", c.PredictedLDDT.FoldIteration},
	} {
		if err := ipa.cfg.validate(); err != nil {
			return fmt.Errorf("%s: %w", ipa.name, err)
		}
	}
	if c.PredictedLDDT.NumBins <= 0 {
		return fmt.Errorf("predicted_lddt.num_bins must be positive, got %d", c.PredictedLDDT.NumBins)
	}
	// At least two breaks, so the break spacing is well defined.
	if c.Distogram.NumBins < 3 {
		return fmt.Errorf("distogram.num_bins must be at least 3, got %d", c.Distogram.NumBins)
	}
	if c.Distogram.LastBreak <= c.Distogram.FirstBreak {
		return fmt.Errorf("distogram breaks must increase, got [%g, %g]",
			c.Distogram.FirstBreak, c.Distogram.LastBreak)
	}
	if c.Sidechain.NumChannel <= 0 || c.Sidechain.NumTorsion <= 0 {
		return fmt.Errorf("sidechain head sizes must be positive, got channel=%d torsion=%d",
			c.Sidechain.NumChannel, c.Sidechain.NumTorsion)
	}
	return c.VQ.validate()
}

func (c RelPosConfig) validate() error {
	if c.NumBuckets <= 0 || c.NumBuckets%2 == 0 {
		return fmt.Errorf("rel_pos.num_buckets must be positive and odd, got %d", c.NumBuckets)
	}
	perSide := (c.NumBuckets - 1) / 2
	if c.ExactDistance <= 0 || c.ExactDistance > perSide {
		return fmt.Errorf("rel_pos.exact_distance must be in [1, %d], got %d", perSide, c.ExactDistance)
	}
	if c.MaxDistance <= c.ExactDistance {
		return fmt.Errorf("rel_pos.max_distance (%d) must exceed exact_distance (%d)",
			c.MaxDistance, c.ExactDistance)
	}
	return nil
}

func (c EvoformerConfig) validate(pairChannel int) error {
	if c.NumBlock <= 0 {
		return fmt.Errorf("evoformer stack size must be positive, got %d", c.NumBlock)
	}
	if c.NumHead <= 0 || pairChannel%c.NumHead != 0 {
		return fmt.Errorf("pair_channel (%d) must be divisible by evoformer num_head (%d)",
			pairChannel, c.NumHead)
	}
	if c.OuterChannel <= 0 {
		return fmt.Errorf("evoformer outer_channel must be positive, got %d", c.OuterChannel)
	}
	if c.TransitionFactor <= 0 {
		return fmt.Errorf("evoformer transition_factor must be positive, got %d", c.TransitionFactor)
	}
	return nil
}

func (c IPAConfig) validate() error {
	if c.NumLayer <= 0 {
		return fmt.Errorf("num_layer must be positive, got %d", c.NumLayer)
	}
	if c.NumHead <= 0 {
		return fmt.Errorf("num_head must be positive, got %d", c.NumHead)
	}
	if c.NumScalarQK <= 0 || c.NumScalarV <= 0 {
		return fmt.Errorf("scalar head sizes must be positive, got qk=%d v=%d",
			c.NumScalarQK, c.NumScalarV)
	}
	if c.NumPointQK <= 0 || c.NumPointV <= 0 {
		return fmt.Errorf("point head sizes must be positive, got qk=%d v=%d",
			c.NumPointQK, c.NumPointV)
	}
	if c.PositionScale <= 0 {
		return fmt.Errorf("position_scale must be positive, got %g", c.PositionScale)
	}
	return nil
}

func (c VQConfig) validate() error {
	if c.CodebookSize <= 0 {
		return fmt.Errorf("codebook_size must be positive, got %d", c.CodebookSize)
	}
	if c.CodeDim <= 0 {
		return fmt.Errorf("code_dim must be positive, got %d", c.CodeDim)
	}
	switch c.Distance {
	case DistanceCosine, DistanceEuclidean:
	default:
		return fmt.Errorf("unsupported vq distance %q (want %q or %q)",
			c.Distance, DistanceCosine, DistanceEuclidean)
	}
	switch c.UpdatePolicy {
	case UpdateEMA, UpdateGradient:
	default:
		return fmt.Errorf("unsupported vq update_policy %q (want %q or %q)",
			c.UpdatePolicy, UpdateEMA, UpdateGradient)
	}
	if c.UpdatePolicy == UpdateEMA && (c.EMADecay <= 0 || c.EMADecay >= 1) {
		return fmt.Errorf("ema_decay must be in (0, 1), got %g", c.EMADecay)
	}
	return nil
}

// LoadConfig reads a YAML configuration file, overlaying it onto the
// defaults, and validates the result. Unknown fields are rejected.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	config := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}
