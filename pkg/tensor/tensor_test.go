package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTensor_ShapeAndStrides(t *testing.T) {
	tn := NewTensor([]int{2, 3, 4})
	require.Equal(t, 24, tn.Size())
	require.Equal(t, []int{12, 4, 1}, tn.Strides)
	for _, v := range tn.Data {
		require.Zero(t, v)
	}
}

func TestFromSlice_SizeMismatch(t *testing.T) {
	_, err := FromSlice([]float32{1, 2, 3}, []int{2, 2})
	require.Error(t, err)
}

func TestGetSet_RoundTrip(t *testing.T) {
	tn := NewTensor([]int{3, 5})
	tn.Set([]int{2, 4}, 7.5)
	require.Equal(t, float32(7.5), tn.Get([]int{2, 4}))
	require.Equal(t, float32(7.5), tn.Data[2*5+4])
}

func TestReshape_SharesData(t *testing.T) {
	tn := MustFromSlice([]float32{1, 2, 3, 4, 5, 6}, []int{2, 3})
	r, err := tn.Reshape([]int{3, 2})
	require.NoError(t, err)
	r.Set([]int{0, 0}, 9)
	require.Equal(t, float32(9), tn.Get([]int{0, 0}))

	_, err = tn.Reshape([]int{4, 2})
	require.Error(t, err)
}

func TestMatmul_Basic(t *testing.T) {
	a := MustFromSlice([]float32{1, 2, 3, 4}, []int{2, 2})
	b := MustFromSlice([]float32{5, 6, 7, 8}, []int{2, 2})
	got, err := Matmul(a, b)
	require.NoError(t, err)
	want := MustFromSlice([]float32{19, 22, 43, 50}, []int{2, 2})
	require.True(t, got.Equals(want, 1e-6))
}

func TestMatmul_BroadcastWeight(t *testing.T) {
	// (2, 2, 3) @ (3, 2) -> (2, 2, 2)
	x := NewTensor([]int{2, 2, 3})
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	w := MustFromSlice([]float32{1, 0, 0, 1, 1, 1}, []int{3, 2})
	got, err := Matmul(x, w)
	require.NoError(t, err)
	require.Equal(t, []int{2, 2, 2}, got.Shape)
	// First row of first batch: [0,1,2] -> [0*1+1*0+2*1, 0*0+1*1+2*1] = [2, 3]
	require.InDelta(t, 2.0, float64(got.Get([]int{0, 0, 0})), 1e-6)
	require.InDelta(t, 3.0, float64(got.Get([]int{0, 0, 1})), 1e-6)
}

func TestMatmul_ShapeErrors(t *testing.T) {
	a := NewTensor([]int{2, 3})
	b := NewTensor([]int{4, 2})
	_, err := Matmul(a, b)
	require.Error(t, err)
}

func TestLinear_Bias(t *testing.T) {
	x := MustFromSlice([]float32{1, 2}, []int{1, 2})
	w := MustFromSlice([]float32{1, 0, 0, 1}, []int{2, 2})
	bias := MustFromSlice([]float32{10, 20}, []int{2})
	got, err := Linear(x, w, bias)
	require.NoError(t, err)
	require.InDelta(t, 11.0, float64(got.Data[0]), 1e-6)
	require.InDelta(t, 22.0, float64(got.Data[1]), 1e-6)
}

func TestElementWise_ShapeMismatch(t *testing.T) {
	a := NewTensor([]int{2, 2})
	b := NewTensor([]int{2, 3})
	_, err := Add(a, b)
	require.Error(t, err)
	_, err = Mul(a, b)
	require.Error(t, err)
}

func TestSub_Elementwise(t *testing.T) {
	a := MustFromSlice([]float32{5, 3, 1, -1}, []int{2, 2})
	b := MustFromSlice([]float32{1, 1, 2, 2}, []int{2, 2})
	got, err := Sub(a, b)
	require.NoError(t, err)
	require.Equal(t, []float32{4, 2, -1, -3}, got.Data)

	_, err = Sub(a, NewTensor([]int{2, 3}))
	require.Error(t, err)
}

func TestAddInPlace_Accumulates(t *testing.T) {
	a := MustFromSlice([]float32{1, 2, 3, 4}, []int{2, 2})
	b := MustFromSlice([]float32{10, 20, 30, 40}, []int{2, 2})
	require.NoError(t, a.AddInPlace(b))
	require.Equal(t, []float32{11, 22, 33, 44}, a.Data)

	require.Error(t, a.AddInPlace(NewTensor([]int{2, 3})))
}

func TestConcatenate_LastDim(t *testing.T) {
	a := MustFromSlice([]float32{1, 2, 3, 4}, []int{2, 2})
	b := MustFromSlice([]float32{5, 6, 7, 8, 9, 10}, []int{2, 3})
	got, err := Concatenate([]*Tensor{a, b}, 1)
	require.NoError(t, err)
	require.Equal(t, []int{2, 5}, got.Shape)
	require.Equal(t, []float32{1, 2, 5, 6, 7, 3, 4, 8, 9, 10}, got.Data)
}

func TestSoftmaxLastDim_SumsToOne(t *testing.T) {
	tn := MustFromSlice([]float32{1, 2, 3, 0, 0, 0}, []int{2, 3})
	sm := SoftmaxLastDim(tn)
	for r := 0; r < 2; r++ {
		sum := float32(0)
		for c := 0; c < 3; c++ {
			sum += sm.Get([]int{r, c})
		}
		require.InDelta(t, 1.0, float64(sum), 1e-5)
	}
}

func TestMaskedSoftmax_MaskedPositionsZero(t *testing.T) {
	tn := MustFromSlice([]float32{5, 5, 5, 5}, []int{1, 4})
	sm := MaskedSoftmaxLastDim(tn, []float32{1, 1, 1, 0})
	require.Zero(t, sm.Get([]int{0, 3}))
	sum := float32(0)
	for c := 0; c < 4; c++ {
		sum += sm.Get([]int{0, c})
	}
	require.InDelta(t, 1.0, float64(sum), 1e-5)
}

func TestMaskedSoftmax_FullyMaskedRowIsZero(t *testing.T) {
	tn := MustFromSlice([]float32{1, 2}, []int{1, 2})
	sm := MaskedSoftmaxLastDim(tn, []float32{0, 0})
	for _, v := range sm.Data {
		require.Zero(t, v)
		require.False(t, math.IsNaN(float64(v)))
	}
}

func TestL2Normalize_ZeroVectorGuard(t *testing.T) {
	tn := NewTensor([]int{1, 3})
	norm := L2NormalizeLastDim(tn, 1e-6)
	for _, v := range norm.Data {
		require.False(t, math.IsNaN(float64(v)))
		require.Zero(t, v)
	}
}

func TestL2Normalize_UnitLength(t *testing.T) {
	tn := MustFromSlice([]float32{3, 4}, []int{1, 2})
	norm := L2NormalizeLastDim(tn, 1e-6)
	require.InDelta(t, 0.6, float64(norm.Data[0]), 1e-4)
	require.InDelta(t, 0.8, float64(norm.Data[1]), 1e-4)
}

func TestSoftplus_Positive(t *testing.T) {
	cases := []float32{-10, -1, 0, 1, 10, 100}
	for _, x := range cases {
		require.Greater(t, Softplus(x), float32(0))
	}
	require.InDelta(t, math.Log(2), float64(Softplus(0)), 1e-5)
	require.InDelta(t, 100.0, float64(Softplus(100)), 1e-4)
}
