package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"protoken/pkg/tensor"
)

func TestDistogramHead_SymmetricLogits(t *testing.T) {
	cfg := DistogramConfig{NumBins: 8, FirstBreak: 2.5, LastBreak: 20.0}
	head := NewDistogramHead(cfg, 6, InitXavier, rand.New(rand.NewSource(1)))

	n := 5
	pair := tensor.NewTensor([]int{n, n, 6})
	fillRand(pair, 2)

	logits, err := head.Forward(pair)
	require.NoError(t, err)
	require.Equal(t, []int{n, n, 8}, logits.Shape)

	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			for b := 0; b < 8; b++ {
				require.Equal(t, logits.Get([]int{i, j, b}), logits.Get([]int{j, i, b}))
			}
		}
	}

	_, err = head.Forward(tensor.NewTensor([]int{3, 4, 6}))
	require.Error(t, err)
}

func TestDistogramHead_Breaks(t *testing.T) {
	cfg := DistogramConfig{NumBins: 36, FirstBreak: 2.5, LastBreak: 20.0}
	head := NewDistogramHead(cfg, 6, InitXavier, rand.New(rand.NewSource(1)))

	breaks := head.Breaks()
	require.Len(t, breaks, 35)
	require.InDelta(t, 2.5, float64(breaks[0]), 1e-6)
	require.InDelta(t, 20.0, float64(breaks[34]), 1e-6)
	for i := 1; i < len(breaks); i++ {
		require.Greater(t, breaks[i], breaks[i-1])
	}
}

func TestPredictedLDDTHead_Forward(t *testing.T) {
	c := testConfig()
	head, err := NewPredictedLDDTHead(c.PredictedLDDT, c.SingleChannel, c.PairChannel, c.NormMethod, c.InitMethod, rand.New(rand.NewSource(5)))
	require.NoError(t, err)

	n := 4
	single := tensor.NewTensor([]int{n, c.SingleChannel})
	pair := tensor.NewTensor([]int{n, n, c.PairChannel})
	fillRand(single, 7)
	fillRand(pair, 9)

	logits, err := head.Forward(single, pair, identityFrames(n), nil)
	require.NoError(t, err)
	require.Equal(t, []int{n, c.PredictedLDDT.NumBins}, logits.Shape)
}

func TestPLDDTFromLogits_Range(t *testing.T) {
	logits := tensor.NewTensor([]int{3, 50})
	fillRand(logits, 11)

	plddt := PLDDTFromLogits(logits)
	require.Len(t, plddt, 3)
	for _, v := range plddt {
		require.GreaterOrEqual(t, v, float32(0))
		require.LessOrEqual(t, v, float32(100))
	}

	// All mass in the top bin pins pLDDT to the last bin center.
	peaked := tensor.NewTensor([]int{1, 50})
	peaked.Set([]int{0, 49}, 1000)
	got := PLDDTFromLogits(peaked)
	require.InDelta(t, 99.0, float64(got[0]), 1e-3)
}
