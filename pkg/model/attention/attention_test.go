package attention

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"protoken/pkg/geometry"
	"protoken/pkg/tensor"

	"gonum.org/v1/gonum/spatial/r3"
)

// testInit returns a deterministic small-uniform initializer.
func testInit(seed int64) Init {
	rng := rand.New(rand.NewSource(seed))
	return func(t *tensor.Tensor) {
		for i := range t.Data {
			t.Data[i] = float32(rng.Float64()*0.2 - 0.1)
		}
	}
}

func fillDeterministic(t *tensor.Tensor, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range t.Data {
		t.Data[i] = float32(rng.Float64()*2 - 1)
	}
}

func testFrames(n int, seed int64) []geometry.Rigid {
	rng := rand.New(rand.NewSource(seed))
	frames := make([]geometry.Rigid, n)
	for i := range frames {
		frames[i] = geometry.QuatAffine(
			rng.Float64()-0.5, rng.Float64()-0.5, rng.Float64()-0.5,
			r3.Vec{X: rng.Float64() * 10, Y: rng.Float64() * 10, Z: rng.Float64() * 10},
		)
	}
	return frames
}

func TestGatedAttention_OutputShape(t *testing.T) {
	cfg := GatedConfig{NumHead: 4, DIn: 16, DOut: 16, HeadDim: 4, Gating: true}
	attn := NewGatedAttention(cfg, testInit(1))

	x := tensor.NewTensor([]int{6, 16})
	fillDeterministic(x, 2)
	out, err := attn.Forward(x, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []int{6, 16}, out.Shape)

	// Batched input keeps its leading dimension.
	xb := tensor.NewTensor([]int{3, 6, 16})
	fillDeterministic(xb, 3)
	outB, err := attn.Forward(xb, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []int{3, 6, 16}, outB.Shape)
}

func TestGatedAttention_MaskedColumnHasZeroWeight(t *testing.T) {
	cfg := GatedConfig{NumHead: 2, DIn: 8, DOut: 8, HeadDim: 4, Gating: true}
	attn := NewGatedAttention(cfg, testInit(7))

	n := 4
	x := tensor.NewTensor([]int{n, 8})
	fillDeterministic(x, 11)
	mask := []float32{1, 1, 1, 0}

	_, weights, err := attn.ForwardWithWeights(x, nil, mask)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, n, n}, weights.Shape)

	for head := 0; head < 2; head++ {
		for i := 0; i < n; i++ {
			// Weight on the masked key must be exactly zero in every head.
			require.Zero(t, weights.Get([]int{0, head, i, 3}),
				"head %d query %d attends to masked position", head, i)
		}
	}
}

func TestGatedAttention_MaskedInputDoesNotLeak(t *testing.T) {
	cfg := GatedConfig{NumHead: 2, DIn: 8, DOut: 8, HeadDim: 4, Gating: true}
	attn := NewGatedAttention(cfg, testInit(7))

	x4 := tensor.NewTensor([]int{4, 8})
	fillDeterministic(x4, 11)
	out4, err := attn.Forward(x4, nil, []float32{1, 1, 1, 0})
	require.NoError(t, err)

	// Same inputs with the padding residue removed entirely.
	x3, err := tensor.FromSlice(x4.Data[:3*8], []int{3, 8})
	require.NoError(t, err)
	out3, err := attn.Forward(x3, nil, []float32{1, 1, 1})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		for c := 0; c < 8; c++ {
			require.InDelta(t, out3.Get([]int{i, c}), out4.Get([]int{i, c}), 1e-5)
		}
	}

	// Arbitrary junk at the masked position must not change unmasked rows.
	junk := x4.Clone()
	for c := 0; c < 8; c++ {
		junk.Set([]int{3, c}, 1e6)
	}
	outJunk, err := attn.Forward(junk, nil, []float32{1, 1, 1, 0})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for c := 0; c < 8; c++ {
			require.InDelta(t, out4.Get([]int{i, c}), outJunk.Get([]int{i, c}), 1e-5)
		}
	}
}

func TestGatedAttention_PairBiasShifts(t *testing.T) {
	cfg := GatedConfig{NumHead: 1, DIn: 4, DOut: 4, HeadDim: 4, Gating: false}
	attn := NewGatedAttention(cfg, testInit(5))

	n := 3
	x := tensor.NewTensor([]int{n, 4})
	fillDeterministic(x, 13)

	// Strong bias toward key 2 for every query.
	bias := tensor.NewTensor([]int{n, n, 1})
	for i := 0; i < n; i++ {
		bias.Set([]int{i, 2, 0}, 20)
	}
	_, weights, err := attn.ForwardWithWeights(x, bias, nil)
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.Greater(t, weights.Get([]int{0, 0, i, 2}), float32(0.99))
	}
}

func TestGatedAttention_ShapeErrors(t *testing.T) {
	cfg := GatedConfig{NumHead: 2, DIn: 8, DOut: 8, HeadDim: 4}
	attn := NewGatedAttention(cfg, testInit(1))

	x := tensor.NewTensor([]int{4, 6}) // wrong channel
	_, err := attn.Forward(x, nil, nil)
	require.Error(t, err)

	x = tensor.NewTensor([]int{4, 8})
	_, err = attn.Forward(x, nil, []float32{1, 1}) // wrong mask length
	require.Error(t, err)

	badBias := tensor.NewTensor([]int{4, 4, 3}) // wrong head count
	_, err = attn.Forward(x, badBias, nil)
	require.Error(t, err)
}

func TestOuterProductMean_MaskedPairsAreZero(t *testing.T) {
	opm := NewOuterProductMean(8, 4, 6, testInit(3))
	single := tensor.NewTensor([]int{4, 8})
	fillDeterministic(single, 17)

	out, err := opm.Forward(single, []float32{1, 1, 1, 0})
	require.NoError(t, err)
	require.Equal(t, []int{4, 4, 6}, out.Shape)

	for j := 0; j < 4; j++ {
		for c := 0; c < 6; c++ {
			require.Zero(t, out.Get([]int{3, j, c}))
			require.Zero(t, out.Get([]int{j, 3, c}))
		}
	}
	// Unmasked pairs carry signal.
	nonzero := false
	for c := 0; c < 6; c++ {
		if out.Get([]int{0, 1, c}) != 0 {
			nonzero = true
		}
	}
	require.True(t, nonzero)
}

func TestOuterProductMean_MaskIndependence(t *testing.T) {
	opm := NewOuterProductMean(8, 4, 6, testInit(3))
	single := tensor.NewTensor([]int{4, 8})
	fillDeterministic(single, 17)
	mask := []float32{1, 1, 1, 0}

	base, err := opm.Forward(single, mask)
	require.NoError(t, err)

	junk := single.Clone()
	for c := 0; c < 8; c++ {
		junk.Set([]int{3, c}, -4e5)
	}
	perturbed, err := opm.Forward(junk, mask)
	require.NoError(t, err)
	require.True(t, base.Equals(perturbed, 1e-6))
}

func ipaTestConfig() IPAConfig {
	return IPAConfig{
		NumHead:     3,
		NumScalarQK: 4,
		NumScalarV:  4,
		NumPointQK:  2,
		NumPointV:   2,
		DSingle:     12,
		DPair:       6,
		Gating:      true,
	}
}

func TestIPA_OutputShape(t *testing.T) {
	attn := NewInvariantPointAttention(ipaTestConfig(), testInit(19))
	n := 5
	single := tensor.NewTensor([]int{n, 12})
	pair := tensor.NewTensor([]int{n, n, 6})
	fillDeterministic(single, 23)
	fillDeterministic(pair, 29)

	out, err := attn.Forward(single, pair, testFrames(n, 31), nil)
	require.NoError(t, err)
	require.Equal(t, []int{n, 12}, out.Shape)
}

func TestIPA_RigidInvariance(t *testing.T) {
	attn := NewInvariantPointAttention(ipaTestConfig(), testInit(19))
	n := 6
	single := tensor.NewTensor([]int{n, 12})
	pair := tensor.NewTensor([]int{n, n, 6})
	fillDeterministic(single, 23)
	fillDeterministic(pair, 29)
	frames := testFrames(n, 31)
	mask := []float32{1, 1, 1, 1, 1, 0}

	base, err := attn.Forward(single, pair, frames, mask)
	require.NoError(t, err)

	// Apply an arbitrary global rigid transform to every frame.
	global := geometry.QuatAffine(1.3, -0.2, 0.8, r3.Vec{X: 40, Y: -25, Z: 60})
	moved := make([]geometry.Rigid, n)
	for i := range frames {
		moved[i] = global.Compose(frames[i])
	}
	transformed, err := attn.Forward(single, pair, moved, mask)
	require.NoError(t, err)

	for i := range base.Data {
		require.InDelta(t, float64(base.Data[i]), float64(transformed.Data[i]), 1e-3)
	}
}

func TestIPA_MaskedScenario(t *testing.T) {
	// Identity frames, zero features, one padded residue.
	attn := NewInvariantPointAttention(ipaTestConfig(), testInit(19))
	n := 4
	single := tensor.NewTensor([]int{n, 12})
	pair := tensor.NewTensor([]int{n, n, 6})
	frames := make([]geometry.Rigid, n)
	for i := range frames {
		frames[i] = geometry.Identity()
	}
	mask := []float32{1, 1, 1, 0}

	out4, weights, err := attn.ForwardWithWeights(single, pair, frames, mask)
	require.NoError(t, err)

	for head := 0; head < 3; head++ {
		for i := 0; i < n; i++ {
			require.Zero(t, weights.Get([]int{head, i, 3}))
		}
	}

	// Dropping the masked residue entirely must not change the rest.
	single3 := tensor.NewTensor([]int{3, 12})
	pair3 := tensor.NewTensor([]int{3, 3, 6})
	out3, err := attn.Forward(single3, pair3, frames[:3], []float32{1, 1, 1})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		for c := 0; c < 12; c++ {
			require.InDelta(t, out3.Get([]int{i, c}), out4.Get([]int{i, c}), 1e-5)
		}
	}
}

func TestIPA_ShapeErrors(t *testing.T) {
	attn := NewInvariantPointAttention(ipaTestConfig(), testInit(19))
	single := tensor.NewTensor([]int{4, 12})
	pair := tensor.NewTensor([]int{4, 4, 6})

	_, err := attn.Forward(single, pair, testFrames(3, 1), nil) // frame count
	require.Error(t, err)

	badPair := tensor.NewTensor([]int{4, 4, 5})
	_, err = attn.Forward(single, badPair, testFrames(4, 1), nil)
	require.Error(t, err)

	_, err = attn.Forward(single, pair, testFrames(4, 1), []float32{1})
	require.Error(t, err)
}
