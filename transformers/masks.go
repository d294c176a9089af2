package transformers

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Attention masks are 1 for attendable positions and 0 for masked ones, and
// are folded into the attention logits additively (see attention.go); they
// are never mutated by the layers.

// PaddingMask expands an input mask shaped (batch, seqLen) -- 1 for real
// tokens, 0 for padding -- into the broadcastable attention-mask layout
// (batch, 1, 1, seqLen).
func PaddingMask(inputMask *Node, dtype dtypes.DType) *Node {
	batchSize := inputMask.Shape().Dim(0)
	seqLen := inputMask.Shape().Dim(1)
	mask := ConvertDType(inputMask, dtype)
	return Reshape(mask, batchSize, 1, 1, seqLen)
}

// CausalMask returns the lower-triangular mask (1, 1, seqLen, seqLen):
// position t may attend to positions <= t.
func CausalMask(g *Graph, seqLen int, dtype dtypes.DType) *Node {
	row := Iota(g, shapes.Make(dtypes.Int32, seqLen, seqLen), 0)
	col := Iota(g, shapes.Make(dtypes.Int32, seqLen, seqLen), 1)
	allowed := GreaterOrEqual(row, col)
	return Reshape(ConvertDType(allowed, dtype), 1, 1, seqLen, seqLen)
}

// DecoderSelfAttentionMask combines the causal restriction with the target
// padding mask, producing (batch, 1, seqLen, seqLen).
func DecoderSelfAttentionMask(targetMask *Node, dtype dtypes.DType) *Node {
	g := targetMask.Graph()
	seqLen := targetMask.Shape().Dim(1)
	return Mul(CausalMask(g, seqLen, dtype), PaddingMask(targetMask, dtype))
}

// CrossAttentionMask is the source padding mask broadcast over the target
// length: (batch, 1, 1, sourceLen), broadcastable against
// (batch, heads, targetLen, sourceLen) scores.
func CrossAttentionMask(sourceMask *Node, dtype dtypes.DType) *Node {
	return PaddingMask(sourceMask, dtype)
}
