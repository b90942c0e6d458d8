package model

import (
	"fmt"
	"math"
	"math/rand"

	"protoken/pkg/tensor"
)

// RelPos encodes relative sequence positions into the initial pair
// representation. The signed residue-index difference is clipped to
// [-MaxDistance, MaxDistance] and bucketed: one bucket per offset up to
// ExactDistance, log-spaced buckets beyond, saturating at MaxDistance.
// The bucket one-hot is embedded by a learned projection.
//
// Computed once per forward pass from residue_index; no state changes
// afterwards.
type RelPos struct {
	Cfg   RelPosConfig
	Embed *Linear // (num_buckets, pair_channel)
}

// NewRelPos creates the relative position embedder.
func NewRelPos(cfg RelPosConfig, pairChannel int, initMethod string, rng *rand.Rand) *RelPos {
	return &RelPos{
		Cfg:   cfg,
		Embed: NewLinear(cfg.NumBuckets, pairChannel, true, initMethod, rng),
	}
}

// Bucket maps a signed residue-index difference to its bucket in
// [0, NumBuckets). Bucket indices are monotone in the signed difference:
// the center bucket holds d=0, positive differences fill the upper half,
// negative the lower, saturating beyond MaxDistance.
func (r *RelPos) Bucket(d int) int {
	perSide := (r.Cfg.NumBuckets - 1) / 2
	sign := 1
	a := d
	if d < 0 {
		sign = -1
		a = -d
	}

	var b int
	switch {
	case a <= r.Cfg.ExactDistance:
		b = a
	case a >= r.Cfg.MaxDistance:
		b = perSide
	default:
		// Log-spaced buckets between exact_distance and max_distance.
		frac := math.Log(float64(a)/float64(r.Cfg.ExactDistance)) /
			math.Log(float64(r.Cfg.MaxDistance)/float64(r.Cfg.ExactDistance))
		b = r.Cfg.ExactDistance + int(frac*float64(perSide-r.Cfg.ExactDistance))
		if b > perSide {
			b = perSide
		}
	}
	return perSide + sign*b
}

// Forward produces the (N, N, pair_channel) relative position embedding for
// the given residue indices.
func (r *RelPos) Forward(residueIndex []int) (*tensor.Tensor, error) {
	n := len(residueIndex)
	if n == 0 {
		return nil, fmt.Errorf("residue_index must be non-empty")
	}
	pairChannel := r.Embed.W.Shape[1]

	// Embedding a one-hot bucket is a row select of the projection weight
	// plus its bias.
	out := tensor.NewTensor([]int{n, n, pairChannel})
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			b := r.Bucket(residueIndex[j] - residueIndex[i])
			dst := out.Data[(i*n+j)*pairChannel : (i*n+j+1)*pairChannel]
			for c := 0; c < pairChannel; c++ {
				dst[c] = r.Embed.W.Data[b*pairChannel+c] + r.Embed.B.Data[c]
			}
		}
	}
	return out, nil
}

func (r *RelPos) namedParams(prefix string, dst ParamSet) {
	r.Embed.namedParams(prefix+"/embed", dst)
}
