package transformers

import (
	"fmt"
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/stretchr/testify/require"
)

const (
	testNumBuckets  = 32
	testMaxDistance = 128
)

// bucketsFor runs the bucketing over the given relative positions.
func bucketsFor(t *testing.T, relativePositions []int32, bidirectional bool) []int32 {
	backend := testBackend()
	exec := NewExec(backend, func(rel *Node) *Node {
		return RelativePositionBucket(rel, bidirectional, testNumBuckets, testMaxDistance)
	})
	input := tensors.FromFlatDataAndDimensions(relativePositions, 1, len(relativePositions))
	output := exec.Call(input)[0]
	result := make([]int32, len(relativePositions))
	tensors.ConstFlatData(output, func(flat []int32) { copy(result, flat) })
	return result
}

func sweepPositions() []int32 {
	var positions []int32
	for p := int32(-10000); p <= 10000; p += 7 {
		positions = append(positions, p)
	}
	positions = append(positions, -10000, -1, 0, 1, 10000)
	return positions
}

func TestBucketBoundedness(t *testing.T) {
	positions := sweepPositions()
	for _, bidirectional := range []bool{false, true} {
		buckets := bucketsFor(t, positions, bidirectional)
		for i, b := range buckets {
			require.GreaterOrEqualf(t, b, int32(0),
				"bucket(%d, bidirectional=%v) is negative", positions[i], bidirectional)
			require.Lessf(t, b, int32(testNumBuckets),
				"bucket(%d, bidirectional=%v) out of range", positions[i], bidirectional)
		}
	}
}

func TestBucketExactRegime(t *testing.T) {
	// Small distances to the past get their own bucket in both regimes.
	var positions []int32
	for p := int32(0); p < testNumBuckets/2; p++ {
		positions = append(positions, -p)
	}
	buckets := bucketsFor(t, positions, false)
	for i, p := range positions {
		require.Equalf(t, -p, buckets[i], "unidirectional bucket of %d", p)
	}

	// Bidirectional: half the buckets for each direction, positive offsets
	// shifted by numBuckets/2.
	require.Equal(t, []int32{0, 3, 16 + 3}, bucketsFor(t, []int32{0, -3, 3}, true))
}

func TestBucketMonotonicityUnidirectional(t *testing.T) {
	var positions []int32
	for p := int32(0); p <= 10000; p++ {
		positions = append(positions, -p)
	}
	buckets := bucketsFor(t, positions, false)
	for i := 1; i < len(buckets); i++ {
		require.GreaterOrEqualf(t, buckets[i], buckets[i-1],
			"bucket(%d) < bucket(%d): more distant past must map to equal-or-larger buckets",
			positions[i], positions[i-1])
	}
}

func TestBucketBidirectionalDiffersOnPositive(t *testing.T) {
	positions := sweepPositions()
	unidirectional := bucketsFor(t, positions, false)
	bidirectional := bucketsFor(t, positions, true)
	for i, p := range positions {
		if p > 0 {
			require.NotEqualf(t, unidirectional[i], bidirectional[i],
				"bucket(%d) must differ between regimes for positive offsets", p)
		}
	}
}

func TestRelativePositionBiasShape(t *testing.T) {
	backend := testBackend()
	config := testConfig(t)
	for _, dims := range [][2]int{{3, 3}, {1, 7}, {5, 2}, {1, 1}} {
		queryLength, keyLength := dims[0], dims[1]
		t.Run(fmt.Sprintf("q%d_k%d", queryLength, keyLength), func(t *testing.T) {
			ctx := context.New()
			exec := context.NewExec(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
				return RelativePositionBias(ctx, g, config, true, queryLength, keyLength)
			})
			bias := exec.Call()[0]
			require.Equal(t, []int{1, config.NumHeads, queryLength, keyLength}, bias.Shape().Dimensions)
		})
	}
}
