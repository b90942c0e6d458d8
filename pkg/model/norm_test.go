package model

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"protoken/pkg/tensor"
)

func TestNorm_RMSNorm(t *testing.T) {
	norm, err := NewNorm(NormRMSNorm, 4)
	require.NoError(t, err)

	x := tensor.MustFromSlice([]float32{2, -2, 2, -2, 0.1, 0.1, 0.1, 0.1}, []int{2, 4})
	out, err := norm.Forward(x)
	require.NoError(t, err)

	// Unit scale: each row comes out with RMS 1.
	for i := 0; i < 2; i++ {
		meanSq := 0.0
		for c := 0; c < 4; c++ {
			v := float64(out.Get([]int{i, c}))
			meanSq += v * v
		}
		require.InDelta(t, 1.0, meanSq/4, 1e-3)
	}
}

func TestNorm_LayerNorm(t *testing.T) {
	norm, err := NewNorm(NormLayerNorm, 4)
	require.NoError(t, err)

	x := tensor.MustFromSlice([]float32{1, 2, 3, 4}, []int{1, 4})
	out, err := norm.Forward(x)
	require.NoError(t, err)

	mean, meanSq := 0.0, 0.0
	for c := 0; c < 4; c++ {
		v := float64(out.Get([]int{0, c}))
		mean += v
		meanSq += v * v
	}
	require.InDelta(t, 0.0, mean/4, 1e-5)
	require.InDelta(t, 1.0, math.Sqrt(meanSq/4), 1e-3)
}

func TestNorm_Errors(t *testing.T) {
	_, err := NewNorm("batchnorm", 4)
	require.Error(t, err)

	norm, err := NewNorm(NormRMSNorm, 4)
	require.NoError(t, err)
	_, err = norm.Forward(tensor.NewTensor([]int{2, 5}))
	require.Error(t, err)
}
