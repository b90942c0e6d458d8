package model

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func testRelPos(t *testing.T) *RelPos {
	t.Helper()
	cfg := RelPosConfig{NumBuckets: 49, ExactDistance: 16, MaxDistance: 64}
	require.NoError(t, cfg.validate())
	return NewRelPos(cfg, 8, InitNormal, rand.New(rand.NewSource(1)))
}

func TestRelPos_BucketCenterAndSign(t *testing.T) {
	r := testRelPos(t)
	perSide := (r.Cfg.NumBuckets - 1) / 2

	require.Equal(t, perSide, r.Bucket(0))
	// Exact offsets get one bucket each on both sides.
	for d := 1; d <= r.Cfg.ExactDistance; d++ {
		require.Equal(t, perSide+d, r.Bucket(d))
		require.Equal(t, perSide-d, r.Bucket(-d))
	}
}

func TestRelPos_BucketMonotoneAndSaturating(t *testing.T) {
	r := testRelPos(t)
	perSide := (r.Cfg.NumBuckets - 1) / 2

	prev := r.Bucket(-200)
	for d := -199; d <= 200; d++ {
		b := r.Bucket(d)
		require.GreaterOrEqual(t, b, prev, "bucket must be monotone at d=%d", d)
		require.GreaterOrEqual(t, b, 0)
		require.Less(t, b, r.Cfg.NumBuckets)
		prev = b
	}

	// Beyond max_distance every offset shares the saturation bucket.
	require.Equal(t, 2*perSide, r.Bucket(r.Cfg.MaxDistance))
	require.Equal(t, 2*perSide, r.Bucket(r.Cfg.MaxDistance+100))
	require.Equal(t, 0, r.Bucket(-r.Cfg.MaxDistance))
	require.Equal(t, 0, r.Bucket(-r.Cfg.MaxDistance-100))
}

func TestRelPos_BucketMirrorSymmetry(t *testing.T) {
	r := testRelPos(t)
	perSide := (r.Cfg.NumBuckets - 1) / 2
	for d := 0; d <= 100; d++ {
		require.Equal(t, r.Bucket(d)-perSide, perSide-r.Bucket(-d))
	}
}

func TestRelPos_ForwardShapeAndGaps(t *testing.T) {
	r := testRelPos(t)

	out, err := r.Forward([]int{3, 4, 5, 6})
	require.NoError(t, err)
	require.Equal(t, []int{4, 4, 8}, out.Shape)

	// Chain-break numbering shifts the pair embedding: a gapped neighbor
	// pair differs from a sequential one.
	gapped, err := r.Forward([]int{3, 4, 5, 40})
	require.NoError(t, err)
	same, differ := true, false
	for c := 0; c < 8; c++ {
		if out.Get([]int{2, 3, c}) != gapped.Get([]int{2, 3, c}) {
			differ = true
		}
		if out.Get([]int{0, 1, c}) != gapped.Get([]int{0, 1, c}) {
			same = false
		}
	}
	require.True(t, differ)
	require.True(t, same)

	_, err = r.Forward(nil)
	require.Error(t, err)
}
