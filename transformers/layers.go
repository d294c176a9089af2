package transformers

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/context/initializers"
	"github.com/gomlx/gomlx/ml/layers/activations"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// RMSNorm normalizes x by its root-mean-square over the last axis (no mean
// centering, no additive bias) and applies a learned per-feature scale:
//
//	y = weight * x / sqrt(mean(x^2, -1) + epsilon)
//
// Reduced-precision inputs are upcast to float32 for the variance computation
// and the result is cast back to the weight's dtype.
func RMSNorm(ctx *context.Context, x *Node, epsilon float64) *Node {
	g := x.Graph()
	weightDType := x.DType()

	normalized := x
	if d := x.DType(); d == dtypes.Float16 || d == dtypes.BFloat16 {
		normalized = ConvertDType(x, dtypes.Float32)
	}
	variance := ReduceAndKeep(Square(normalized), ReduceMean, -1)
	normalized = Mul(normalized, Rsqrt(AddScalar(variance, epsilon)))
	if normalized.DType() != weightDType {
		normalized = ConvertDType(normalized, weightDType)
	}

	weightVar := ctx.WithInitializer(initializers.One).
		VariableWithShape("weight", shapes.Make(weightDType, x.Shape().Dim(-1)))
	weight := ExpandLeftToRank(weightVar.ValueGraph(g), normalized.Rank())
	return Mul(weight, normalized)
}

// Linear applies y = x·W, with the weight declared as a context variable named
// "weight" under ctx's scope, shaped (inputDim, outputDim).
//
// The parallelism tag describes how the weight is partitioned across the
// devices of the owning stage; partitioning itself is delegated to the
// configured placement converter.
func Linear(ctx *context.Context, placements *Placements, x *Node, outputDim int, parallelism Parallelism) *Node {
	g := x.Graph()
	inputDim := x.Shape().Dim(-1)
	weightVar := ctx.VariableWithShape("weight", shapes.Make(x.DType(), inputDim, outputDim))
	weight := placements.ShardWeight(weightVar.ValueGraph(g), parallelism)
	return Einsum("BTD,DF->BTF", x, weight)
}

// dropout zeroes each element with probability rate and rescales the kept
// elements by 1/(1-rate). Identity outside training or when rate is zero.
func dropout(ctx *context.Context, x *Node, rate float64) *Node {
	g := x.Graph()
	if rate <= 0 || !ctx.IsTraining(g) {
		return x
	}
	keep := 1.0 - rate
	random := ctx.RandomUniform(g, x.Shape())
	mask := ConvertDType(LessThan(random, Scalar(g, x.DType(), keep)), x.DType())
	return DivScalar(Mul(x, mask), keep)
}

// dropPath implements stochastic depth: each example in the batch has its
// whole residual branch zeroed with probability rate. Identity outside
// training or when rate is zero.
func dropPath(ctx *context.Context, x *Node, rate float64) *Node {
	g := x.Graph()
	if rate <= 0 || !ctx.IsTraining(g) {
		return x
	}
	keep := 1.0 - rate
	batchSize := x.Shape().Dim(0)
	maskShape := shapes.Make(x.DType(), batchSize, 1, 1)
	random := ctx.RandomUniform(g, maskShape)
	mask := ConvertDType(LessThan(random, Scalar(g, x.DType(), keep)), x.DType())
	return DivScalar(Mul(x, mask), keep)
}

// mlp is the feed-forward sub-layer. The variant is chosen once at layer
// construction, not per call.
type mlp interface {
	Forward(ctx *context.Context, x *Node) *Node
}

func newMLP(config *Config) mlp {
	if config.MLPVariant == MLPVariantMT5 {
		return &mt5MLP{config: config}
	}
	return &t5MLP{config: config}
}

// t5MLP is the original feed-forward: wi -> ReLU -> wo.
type t5MLP struct {
	config *Config
}

func (m *t5MLP) Forward(ctx *context.Context, x *Node) *Node {
	c := m.config
	hidden := Linear(ctx.In("wi"), c.Placements, x, c.IntermediateSize, ColumnParallel)
	hidden = activations.Relu(hidden)
	hidden = dropout(ctx, hidden, c.HiddenDropoutProb)
	output := Linear(ctx.In("wo"), c.Placements, hidden, c.HiddenSize, RowParallel)
	return dropout(ctx, output, c.HiddenDropoutProb)
}

// mt5MLP is the gated feed-forward: GELU(wi_0) * wi_1 -> wo.
type mt5MLP struct {
	config *Config
}

func (m *mt5MLP) Forward(ctx *context.Context, x *Node) *Node {
	c := m.config
	gate := activations.Gelu(Linear(ctx.In("wi_0"), c.Placements, x, c.IntermediateSize, ColumnParallel))
	up := Linear(ctx.In("wi_1"), c.Placements, x, c.IntermediateSize, ColumnParallel)
	hidden := dropout(ctx, Mul(gate, up), c.HiddenDropoutProb)
	output := Linear(ctx.In("wo"), c.Placements, hidden, c.HiddenSize, RowParallel)
	return dropout(ctx, output, c.HiddenDropoutProb)
}
