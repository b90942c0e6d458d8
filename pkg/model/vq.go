package model

import (
	"fmt"
	"math"
	"math/rand"

	"protoken/pkg/tensor"
)

// Codebook is a fixed-size table of code embeddings with a nearest-neighbor
// lookup rule. ProToken structure codes use cosine distance (negative dot
// product of normalized vectors); the amino-acid embedding table uses
// squared Euclidean distance.
type Codebook struct {
	Size     int
	Dim      int
	Distance string
	Emb      *tensor.Tensor // (size, dim)
}

// NewCodebook allocates a codebook initialized per initMethod.
func NewCodebook(size, dim int, distance, initMethod string, rng *rand.Rand) (*Codebook, error) {
	switch distance {
	case DistanceCosine, DistanceEuclidean:
	default:
		return nil, fmt.Errorf("unsupported codebook distance %q", distance)
	}
	cb := &Codebook{
		Size:     size,
		Dim:      dim,
		Distance: distance,
		Emb:      tensor.NewTensor([]int{size, dim}),
	}
	initTensor(cb.Emb, initMethod, rng)
	return cb, nil
}

// Nearest returns the code id minimizing the codebook distance to z.
// The scan keeps the first minimum, so ties break toward the lowest index.
func (cb *Codebook) Nearest(z []float32) (int, error) {
	if len(z) != cb.Dim {
		return 0, fmt.Errorf("query dimension %d doesn't match codebook dimension %d", len(z), cb.Dim)
	}
	best := 0
	bestDist := float32(math.Inf(1))
	for id := 0; id < cb.Size; id++ {
		d := cb.distance(z, cb.Emb.Row(id))
		if d < bestDist {
			bestDist = d
			best = id
		}
	}
	return best, nil
}

// Lookup returns the embedding of a code id. An out-of-range id is a fatal
// indexing error, never clamped.
func (cb *Codebook) Lookup(id int) ([]float32, error) {
	if id < 0 || id >= cb.Size {
		return nil, fmt.Errorf("code id %d out of range [0, %d)", id, cb.Size)
	}
	return cb.Emb.Row(id), nil
}

func (cb *Codebook) distance(a, b []float32) float32 {
	switch cb.Distance {
	case DistanceCosine:
		// Negative cosine similarity; epsilon guards zero-norm vectors.
		dot, na, nb := float32(0), float32(0), float32(0)
		for i := range a {
			dot += a[i] * b[i]
			na += a[i] * a[i]
			nb += b[i] * b[i]
		}
		denom := float32(math.Sqrt(float64(na)+1e-6) * math.Sqrt(float64(nb)+1e-6))
		return -dot / denom
	default: // DistanceEuclidean
		sum := float32(0)
		for i := range a {
			d := a[i] - b[i]
			sum += d * d
		}
		return sum
	}
}

func (cb *Codebook) namedParams(prefix string, dst ParamSet) {
	dst[prefix+"/embeddings"] = cb.Emb
}

// QuantizeResult is the output of one VQ forward pass.
type QuantizeResult struct {
	// Codes holds one id per residue, including masked positions; masked
	// ids are don't-care values excluded from losses by the mask.
	Codes []int
	// ZQ is the dequantized embedding, the decoder-side forward value of
	// the straight-through estimator.
	ZQ *tensor.Tensor
}

// VectorQuantizer is the discrete bottleneck: it projects each continuous
// per-residue embedding onto its nearest codebook entry.
//
// Straight-through contract: the forward value is ZQ; the backward gradient
// of ZQ passes unchanged to the pre-quantization input (StraightThroughGrad),
// bypassing the non-differentiable arg-min. Codebook training follows the
// configured CodebookUpdatePolicy; inference never mutates the codebook.
type VectorQuantizer struct {
	Cfg      VQConfig
	Codebook *Codebook
	Policy   CodebookUpdatePolicy
}

// NewVectorQuantizer builds the quantizer with its update policy.
func NewVectorQuantizer(cfg VQConfig, initMethod string, rng *rand.Rand) (*VectorQuantizer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cb, err := NewCodebook(cfg.CodebookSize, cfg.CodeDim, cfg.Distance, initMethod, rng)
	if err != nil {
		return nil, err
	}
	var policy CodebookUpdatePolicy
	switch cfg.UpdatePolicy {
	case UpdateEMA:
		policy = NewEMAUpdate(cfg.CodebookSize, cfg.CodeDim, cfg.EMADecay)
	case UpdateGradient:
		policy = GradientUpdate{}
	}
	return &VectorQuantizer{Cfg: cfg, Codebook: cb, Policy: policy}, nil
}

// Quantize maps z (n, code_dim) to code ids and dequantized embeddings.
// Every position receives exactly one id; masked positions are quantized
// like any other and flagged as don't-care downstream by the mask.
func (q *VectorQuantizer) Quantize(z *tensor.Tensor, mask []float32) (*QuantizeResult, error) {
	if len(z.Shape) != 2 || z.Shape[1] != q.Codebook.Dim {
		return nil, fmt.Errorf("quantizer input must be (n, %d), got %v", q.Codebook.Dim, z.Shape)
	}
	n := z.Shape[0]
	if mask != nil && len(mask) != n {
		return nil, fmt.Errorf("mask length %d doesn't match sequence length %d", len(mask), n)
	}

	result := &QuantizeResult{
		Codes: make([]int, n),
		ZQ:    tensor.NewTensor(z.Shape),
	}
	for i := 0; i < n; i++ {
		id, err := q.Codebook.Nearest(z.Row(i))
		if err != nil {
			return nil, err
		}
		result.Codes[i] = id
		copy(result.ZQ.Row(i), q.Codebook.Emb.Row(id))
	}
	return result, nil
}

// StraightThroughGrad implements the backward half of the straight-through
// estimator: the gradient arriving at the quantized value is copied
// unchanged to the pre-quantization input.
func StraightThroughGrad(gradZQ *tensor.Tensor) *tensor.Tensor {
	return gradZQ.Clone()
}

// Losses returns the commitment loss (encoder pulled toward the codebook)
// and the codebook loss (codebook pulled toward the encoder), both averaged
// over unmasked positions. Training-time quantities; inference ignores them.
func (q *VectorQuantizer) Losses(z *tensor.Tensor, res *QuantizeResult, mask []float32) (commitment, codebook float32) {
	diff, err := tensor.Sub(z, res.ZQ)
	if err != nil {
		panic(err)
	}
	n := z.Shape[0]
	dim := z.Shape[1]
	count := float32(0)
	for i := 0; i < n; i++ {
		if mask != nil && mask[i] == 0 {
			continue
		}
		count++
		for _, d := range diff.Row(i) {
			commitment += d * d
		}
	}
	if count == 0 {
		return 0, 0
	}
	commitment /= count * float32(dim)
	// The two losses share the same squared error; the split is in which
	// side the gradient reaches (stop-gradient on the other).
	codebook = commitment
	commitment *= q.Cfg.CommitmentWeight
	return commitment, codebook
}

// CodebookUpdatePolicy is the training-time codebook update strategy.
// Inference does not depend on which variant is configured.
type CodebookUpdatePolicy interface {
	// Update adjusts the codebook given the batch of pre-quantization
	// vectors and their assignments. Masked positions are excluded.
	Update(cb *Codebook, z *tensor.Tensor, codes []int, mask []float32)
}

// EMAUpdate moves each codebook entry toward the exponential moving average
// of the vectors assigned to it, with Laplace smoothing on cluster sizes so
// rarely used codes do not collapse.
type EMAUpdate struct {
	Decay       float32
	Eps         float32
	ClusterSize []float32
	EmbAvg      *tensor.Tensor
}

// NewEMAUpdate allocates the EMA accumulators.
func NewEMAUpdate(size, dim int, decay float32) *EMAUpdate {
	return &EMAUpdate{
		Decay:       decay,
		Eps:         1e-5,
		ClusterSize: make([]float32, size),
		EmbAvg:      tensor.NewTensor([]int{size, dim}),
	}
}

// Update applies one EMA step.
func (e *EMAUpdate) Update(cb *Codebook, z *tensor.Tensor, codes []int, mask []float32) {
	dim := cb.Dim
	counts := make([]float32, cb.Size)
	sums := make([]float32, cb.Size*dim)
	total := float32(0)
	for i, id := range codes {
		if mask != nil && mask[i] == 0 {
			continue
		}
		counts[id]++
		total++
		row := z.Row(i)
		for d := 0; d < dim; d++ {
			sums[id*dim+d] += row[d]
		}
	}
	if total == 0 {
		return
	}

	for id := 0; id < cb.Size; id++ {
		e.ClusterSize[id] = e.Decay*e.ClusterSize[id] + (1-e.Decay)*counts[id]
		for d := 0; d < dim; d++ {
			e.EmbAvg.Data[id*dim+d] = e.Decay*e.EmbAvg.Data[id*dim+d] + (1-e.Decay)*sums[id*dim+d]
		}
	}
	sizeSum := float32(0)
	for _, s := range e.ClusterSize {
		sizeSum += s
	}
	for id := 0; id < cb.Size; id++ {
		smoothed := (e.ClusterSize[id] + e.Eps) / (sizeSum + float32(cb.Size)*e.Eps) * sizeSum
		for d := 0; d < dim; d++ {
			cb.Emb.Data[id*dim+d] = e.EmbAvg.Data[id*dim+d] / smoothed
		}
	}
}

// GradientUpdate leaves the codebook to the optimizer: entries move through
// the codebook loss gradient rather than an explicit rule.
type GradientUpdate struct{}

// Update is a no-op; gradient descent owns the codebook.
func (GradientUpdate) Update(*Codebook, *tensor.Tensor, []int, []float32) {}

func (q *VectorQuantizer) namedParams(prefix string, dst ParamSet) {
	q.Codebook.namedParams(prefix+"/codebook", dst)
}
