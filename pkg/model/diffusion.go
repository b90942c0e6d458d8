package model

import (
	"fmt"
	"math/rand"

	"protoken/pkg/tensor"
)

// Denoiser is the boundary a latent diffusion model plugs into: it refines
// a noisy joint embedding of structure codes and amino-acid types. The
// embedding width is TokenEmbedding.Dim (code_dim + aatype_embed_dim).
type Denoiser interface {
	// Denoise maps a noisy embedding (n, dim) at the given timestep to its
	// denoised estimate of the same shape.
	Denoise(emb *tensor.Tensor, mask []float32, residueIndex []int, timestep int) (*tensor.Tensor, error)
}

// TokenEmbedding joins the structure codebook with a learned amino-acid
// embedding table into one continuous latent space. Structure codes project
// back by cosine distance, amino-acid types by squared Euclidean distance,
// matching how each table was trained.
type TokenEmbedding struct {
	Structure *Codebook // shared with the tokenizer
	Aatype    *Codebook // (NumAminoAcidTypes, aatype_embed_dim), euclidean
}

// NewTokenEmbedding builds the joint embedding around the tokenizer's
// codebook.
func NewTokenEmbedding(structure *Codebook, aatypeDim int, initMethod string, rng *rand.Rand) (*TokenEmbedding, error) {
	aatype, err := NewCodebook(NumAminoAcidTypes, aatypeDim, DistanceEuclidean, initMethod, rng)
	if err != nil {
		return nil, err
	}
	return &TokenEmbedding{Structure: structure, Aatype: aatype}, nil
}

// Dim is the joint embedding width.
func (e *TokenEmbedding) Dim() int {
	return e.Structure.Dim + e.Aatype.Dim
}

// EmbeddingFromIndex concatenates the structure-code and amino-acid
// embeddings per residue into an (n, Dim) tensor.
func (e *TokenEmbedding) EmbeddingFromIndex(codes, aatypes []int) (*tensor.Tensor, error) {
	if len(codes) != len(aatypes) {
		return nil, fmt.Errorf("code count %d doesn't match aatype count %d", len(codes), len(aatypes))
	}
	n := len(codes)
	codeEmb := tensor.NewTensor([]int{n, e.Structure.Dim})
	aaEmb := tensor.NewTensor([]int{n, e.Aatype.Dim})
	for i := 0; i < n; i++ {
		code, err := e.Structure.Lookup(codes[i])
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		aa, err := e.Aatype.Lookup(aatypes[i])
		if err != nil {
			return nil, fmt.Errorf("position %d: %w", i, err)
		}
		copy(codeEmb.Row(i), code)
		copy(aaEmb.Row(i), aa)
	}
	return tensor.Concatenate([]*tensor.Tensor{codeEmb, aaEmb}, 1)
}

// IndexFromEmbedding projects a continuous embedding (n, Dim) back to
// discrete indices: each slice snaps to its nearest table entry under that
// table's distance. This is the terminal step of a diffusion sampling run.
func (e *TokenEmbedding) IndexFromEmbedding(emb *tensor.Tensor) (codes, aatypes []int, err error) {
	if len(emb.Shape) != 2 || emb.Shape[1] != e.Dim() {
		return nil, nil, fmt.Errorf("embedding must be (n, %d), got %v", e.Dim(), emb.Shape)
	}
	n := emb.Shape[0]
	codes = make([]int, n)
	aatypes = make([]int, n)
	for i := 0; i < n; i++ {
		row := emb.Row(i)
		if codes[i], err = e.Structure.Nearest(row[:e.Structure.Dim]); err != nil {
			return nil, nil, err
		}
		if aatypes[i], err = e.Aatype.Nearest(row[e.Structure.Dim:]); err != nil {
			return nil, nil, err
		}
	}
	return codes, aatypes, nil
}

func (e *TokenEmbedding) namedParams(prefix string, dst ParamSet) {
	// The structure codebook is owned by the quantizer; only the amino-acid
	// table is registered here.
	e.Aatype.namedParams(prefix+"/aatype", dst)
}
