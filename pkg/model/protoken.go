package model

import (
	"fmt"
	"math/rand"
)

// ProToken is the full tokenizer: encoder and decoder built around one
// shared codebook. Encoding a structure and decoding the resulting codes
// round-trips through the discrete bottleneck.
type ProToken struct {
	Cfg Config

	Quantizer *VectorQuantizer
	Encoder   *Encoder
	Decoder   *Decoder
}

// NewProToken constructs the model from a validated configuration. All
// weight initialization draws from the given seed, so two models built with
// the same config and seed are identical.
func NewProToken(cfg Config, seed int64) (*ProToken, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	rng := rand.New(rand.NewSource(seed))

	quantizer, err := NewVectorQuantizer(cfg.VQ, cfg.InitMethod, rng)
	if err != nil {
		return nil, err
	}
	encoder, err := NewEncoder(cfg, quantizer, rng)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}
	decoder, err := NewDecoder(cfg, quantizer.Codebook, rng)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}
	return &ProToken{
		Cfg:       cfg,
		Quantizer: quantizer,
		Encoder:   encoder,
		Decoder:   decoder,
	}, nil
}

// Encode tokenizes a structure.
func (m *ProToken) Encode(in *EncoderInput) (*EncoderOutput, error) {
	return m.Encoder.Forward(in)
}

// Decode reconstructs a structure from codes.
func (m *ProToken) Decode(in *DecoderInput) (*DecoderOutput, error) {
	return m.Decoder.Forward(in)
}

// RoundTrip encodes a structure and decodes its codes in one call.
func (m *ProToken) RoundTrip(in *EncoderInput) (*EncoderOutput, *DecoderOutput, error) {
	enc, err := m.Encode(in)
	if err != nil {
		return nil, nil, fmt.Errorf("encode: %w", err)
	}
	dec, err := m.Decode(&DecoderInput{
		Codes:        enc.Codes,
		Mask:         enc.Mask,
		ResidueIndex: in.ResidueIndex,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("decode: %w", err)
	}
	return enc, dec, nil
}

// NamedParams returns every trainable parameter under its checkpoint path.
// The returned tensors alias model weights; loading writes through them.
func (m *ProToken) NamedParams() ParamSet {
	params := ParamSet{}
	collectParams(params, "protoken", map[string]paramSource{
		"quantizer": m.Quantizer,
		"encoder":   m.Encoder,
		"decoder":   m.Decoder,
	})
	return params
}

// LoadParams restores weights from a checkpoint. Missing parameters and
// shape mismatches fail before any weight is modified.
func (m *ProToken) LoadParams(checkpoint ParamSet) error {
	return loadParams(m.NamedParams(), checkpoint)
}

// NumParams reports the total trainable parameter count.
func (m *ProToken) NumParams() int {
	total := 0
	for _, t := range m.NamedParams() {
		total += t.Size()
	}
	return total
}
