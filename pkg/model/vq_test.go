package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"protoken/pkg/tensor"
)

func cosineTwoEntryCodebook(t *testing.T) *Codebook {
	t.Helper()
	cb, err := NewCodebook(2, 2, DistanceCosine, InitZeros, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	copy(cb.Emb.Row(0), []float32{1, 0})
	copy(cb.Emb.Row(1), []float32{-1, 0})
	return cb
}

func TestCodebook_NearestCosine(t *testing.T) {
	cb := cosineTwoEntryCodebook(t)

	tests := []struct {
		name string
		z    []float32
		want int
	}{
		{"aligned with first entry", []float32{0.9, 0.1}, 0},
		{"aligned with second entry", []float32{-0.9, -0.1}, 1},
		{"magnitude does not matter", []float32{90, 10}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cb.Nearest(tt.z)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestCodebook_TieBreaksToLowestIndex(t *testing.T) {
	cb, err := NewCodebook(3, 2, DistanceEuclidean, InitZeros, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	// Entries 1 and 2 are identical and closest to the query.
	copy(cb.Emb.Row(0), []float32{5, 5})
	copy(cb.Emb.Row(1), []float32{1, 1})
	copy(cb.Emb.Row(2), []float32{1, 1})

	got, err := cb.Nearest([]float32{1, 1})
	require.NoError(t, err)
	require.Equal(t, 1, got)
}

func TestCodebook_LookupRange(t *testing.T) {
	cb := cosineTwoEntryCodebook(t)

	emb, err := cb.Lookup(1)
	require.NoError(t, err)
	require.Equal(t, []float32{-1, 0}, emb)

	_, err = cb.Lookup(2)
	require.Error(t, err)
	_, err = cb.Lookup(-1)
	require.Error(t, err)
}

func TestCodebook_ZeroQueryIsFinite(t *testing.T) {
	cb := cosineTwoEntryCodebook(t)
	// The epsilon guard keeps the cosine distance finite for a zero vector,
	// so the arg-min still resolves deterministically.
	got, err := cb.Nearest([]float32{0, 0})
	require.NoError(t, err)
	require.GreaterOrEqual(t, got, 0)
	require.Less(t, got, 2)
}

func TestVectorQuantizer_QuantizeDeterministic(t *testing.T) {
	cfg := testConfig().VQ
	rng := rand.New(rand.NewSource(5))
	q, err := NewVectorQuantizer(cfg, InitNormal, rng)
	require.NoError(t, err)

	z := tensor.NewTensor([]int{6, cfg.CodeDim})
	zrng := rand.New(rand.NewSource(11))
	for i := range z.Data {
		z.Data[i] = float32(zrng.Float64()*2 - 1)
	}

	first, err := q.Quantize(z, nil)
	require.NoError(t, err)
	second, err := q.Quantize(z, nil)
	require.NoError(t, err)
	require.Equal(t, first.Codes, second.Codes)
	require.True(t, first.ZQ.Equals(second.ZQ, 0))

	// Every output row is exactly its codebook entry.
	for i, id := range first.Codes {
		emb, err := q.Codebook.Lookup(id)
		require.NoError(t, err)
		require.Equal(t, emb, first.ZQ.Row(i))
	}
}

func TestVectorQuantizer_LossesMasked(t *testing.T) {
	cfg := testConfig().VQ
	q, err := NewVectorQuantizer(cfg, InitNormal, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	z := tensor.NewTensor([]int{4, cfg.CodeDim})
	zrng := rand.New(rand.NewSource(13))
	for i := range z.Data {
		z.Data[i] = float32(zrng.Float64())
	}
	res, err := q.Quantize(z, nil)
	require.NoError(t, err)

	commitment, codebook := q.Losses(z, res, nil)
	require.Greater(t, commitment, float32(0))
	require.Greater(t, codebook, float32(0))

	// Fully masked input yields zero losses.
	commitment, codebook = q.Losses(z, res, []float32{0, 0, 0, 0})
	require.Zero(t, commitment)
	require.Zero(t, codebook)
}

func TestEMAUpdate_MovesTowardAssignments(t *testing.T) {
	cb, err := NewCodebook(2, 2, DistanceEuclidean, InitZeros, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	copy(cb.Emb.Row(0), []float32{0, 0})
	copy(cb.Emb.Row(1), []float32{10, 10})

	ema := NewEMAUpdate(2, 2, 0.5)
	z := tensor.MustFromSlice([]float32{2, 2, 2, 2}, []int{2, 2})
	codes := []int{0, 0}

	before := cb.Emb.Row(0)[0]
	for i := 0; i < 50; i++ {
		ema.Update(cb, z, codes, nil)
	}
	after := cb.Emb.Row(0)[0]
	require.Greater(t, after, before)
	// With every assignment at (2, 2), entry 0 converges there.
	require.InDelta(t, 2.0, float64(after), 0.2)
}

func TestGradientUpdate_LeavesCodebookUntouched(t *testing.T) {
	cb := cosineTwoEntryCodebook(t)
	snapshot := cb.Emb.Clone()

	GradientUpdate{}.Update(cb, tensor.MustFromSlice([]float32{3, 4}, []int{1, 2}), []int{0}, nil)
	require.True(t, cb.Emb.Equals(snapshot, 0))
}

func TestStraightThroughGrad_PassesThrough(t *testing.T) {
	grad := tensor.MustFromSlice([]float32{1, -2, 3}, []int{3})
	out := StraightThroughGrad(grad)
	require.True(t, grad.Equals(out, 0))
	// The copy is independent of the input buffer.
	out.Data[0] = 99
	require.Equal(t, float32(1), grad.Data[0])
}
