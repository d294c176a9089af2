package transformers

import (
	"math"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// RelativePositionBucket maps a matrix of signed relative positions
// (keyPosition - queryPosition) to bounded bucket indices in
// [0, numBuckets-1].
//
// Bidirectional mode (encoder) splits the buckets in half between negative
// and positive offsets; unidirectional mode (decoder) clamps future positions
// to zero so only the present and past are distinguished. In either mode,
// magnitudes below numBuckets/2 (after the bidirectional halving) get their
// own bucket, and larger magnitudes are mapped logarithmically up to
// maxDistance into the remaining range.
func RelativePositionBucket(relativePosition *Node, bidirectional bool, numBuckets, maxDistance int) *Node {
	g := relativePosition.Graph()
	position := ConvertDType(relativePosition, dtypes.Int32)

	var bucketOffset *Node
	if bidirectional {
		numBuckets /= 2
		isPositive := GreaterThan(position, ScalarZero(g, dtypes.Int32))
		bucketOffset = Mul(ConvertDType(isPositive, dtypes.Int32), Scalar(g, dtypes.Int32, float64(numBuckets)))
		position = Abs(position)
	} else {
		bucketOffset = ZerosLike(position)
		position = Neg(Min(position, ZerosLike(position)))
	}

	maxExact := numBuckets / 2
	isSmall := LessThan(position, Scalar(g, dtypes.Int32, float64(maxExact)))

	// The large regime interpolates log(position/maxExact) over
	// [maxExact, maxDistance) into the remaining buckets. The Max guards
	// log(0) on lanes that the small regime selects anyway.
	positionFloat := Max(ConvertDType(position, dtypes.Float32), Scalar(g, dtypes.Float32, 1))
	ifLarge := MulScalar(
		DivScalar(Log(DivScalar(positionFloat, float64(maxExact))), math.Log(float64(maxDistance)/float64(maxExact))),
		float64(numBuckets-maxExact))
	ifLargeBucket := AddScalar(ConvertDType(ifLarge, dtypes.Int32), float64(maxExact))
	ifLargeBucket = Min(ifLargeBucket, Scalar(g, dtypes.Int32, float64(numBuckets-1)))

	return Add(bucketOffset, Where(isSmall, position, ifLargeBucket))
}

// RelativePositionBias computes the learned per-head position bias, shaped
// (1, numHeads, queryLength, keyLength).
//
// The bias table is a (numBuckets, numHeads) embedding declared under ctx's
// scope as "relative_attention_bias". Bidirectional bucketing is used for
// encoder stacks; decoder stacks use the unidirectional regime.
//
// Under incremental decoding the caller computes the bias for the full
// running sequence length and slices the trailing query rows, rather than
// recomputing with a shrunk query length.
func RelativePositionBias(ctx *context.Context, g *Graph, config *Config, bidirectional bool, queryLength, keyLength int) *Node {
	queryPosition := Iota(g, shapes.Make(dtypes.Int32, queryLength, keyLength), 0)
	keyPosition := Iota(g, shapes.Make(dtypes.Int32, queryLength, keyLength), 1)
	relativePosition := Sub(keyPosition, queryPosition)

	bucket := RelativePositionBucket(relativePosition, bidirectional,
		config.RelativeNumBuckets, config.RelativeMaxDistance)

	tableVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("relative_attention_bias",
			shapes.Make(config.DType, config.RelativeNumBuckets, config.NumHeads))
	table := tableVar.ValueGraph(g)

	// (queryLength, keyLength, numHeads) -> (1, numHeads, queryLength, keyLength)
	values := Gather(table, Reshape(bucket, queryLength, keyLength, 1))
	values = TransposeAllDims(values, 2, 0, 1)
	return Reshape(values, 1, config.NumHeads, queryLength, keyLength)
}
