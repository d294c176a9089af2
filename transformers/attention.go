package transformers

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
)

// Masked positions are penalized with large finite negatives rather than
// -inf, so fully-masked rows softmax to near-uniform noise instead of NaN.
// The two constants differ on purpose between the two code paths and are
// pinned by compatibility tests; do not unify them.
const (
	maskedBiasPenalty  = -1000.0
	maskedScorePenalty = -10000.0
)

type attentionKind int

const (
	selfAttention attentionKind = iota
	crossAttention
)

// KeyValue is one cached projection pair, each shaped
// (batch, numHeads, cachedLength, headSize).
type KeyValue struct {
	Key, Value *Node
}

// Length returns the cached sequence length.
func (kv *KeyValue) Length() int { return kv.Key.Shape().Dim(2) }

// MultiheadAttention computes self- or cross-attention. The kind is fixed at
// construction: self-attention projects query, key and value from the hidden
// states through one fused projection; cross-attention projects the query
// from the hidden states and a fused key/value pair from the encoder states
// (or reuses a cached pair, since encoder output does not change across
// decode steps).
type MultiheadAttention struct {
	config          *Config
	kind            attentionKind
	layerIdx        int
	isDecoder       bool
	hasRelativeBias bool

	normFactor float64
	coeff      float64 // 0 when query-key layer scaling is disabled.
}

func newMultiheadAttention(config *Config, kind attentionKind, layerIdx int, hasRelativeBias, isDecoder bool) *MultiheadAttention {
	if config.HiddenSize%config.NumHeads != 0 {
		exceptions.Panicf("transformers: hidden size (%d) must be divisible by the number of attention heads (%d)",
			config.HiddenSize, config.NumHeads)
	}
	a := &MultiheadAttention{
		config:          config,
		kind:            kind,
		layerIdx:        layerIdx,
		isDecoder:       isDecoder,
		hasRelativeBias: hasRelativeBias,
		normFactor:      1.0 / math.Sqrt(float64(config.HeadSize)),
	}
	if config.ApplyQueryKeyLayerScaling {
		a.coeff = float64(layerIdx + 1)
		a.normFactor /= a.coeff
	}
	return a
}

// AttentionInput bundles the optional inputs of one attention call.
type AttentionInput struct {
	// Hidden is the query source, shaped (batch, targetLen, hiddenSize).
	Hidden *Node

	// EncoderStates is the key/value source for cross-attention, shaped
	// (batch, sourceLen, hiddenSize). Nil for self-attention, and may be nil
	// for cross-attention when PastKeyValue is set.
	EncoderStates *Node

	// AttentionMask is 1 for attendable positions and 0 for masked ones,
	// shaped (batch, 1, targetLen, sourceLen). Optional.
	AttentionMask *Node

	// PastKeyValue holds previously projected keys/values for incremental
	// decoding. Optional.
	PastKeyValue *KeyValue

	// UseCache asks for the (possibly extended) key/value pair back.
	UseCache bool

	// PositionBias, when set, is reused instead of recomputed; it is the
	// value a sibling layer of the same stack returned.
	PositionBias *Node

	// QueryLength is the full running query length under incremental
	// decoding (cached length + current step). Zero means unknown.
	QueryLength int
}

// AttentionOutput is the result of one attention call.
type AttentionOutput struct {
	// Hidden is the attention output, same shape as the input Hidden.
	Hidden *Node

	// PositionBias is the bias actually used, to be threaded into the next
	// layer of the stack.
	PositionBias *Node

	// PresentKeyValue is the key/value pair to cache; set iff UseCache.
	PresentKeyValue *KeyValue
}

// Forward builds the attention computation for one call.
//
// For cross-attention, at least one of EncoderStates and PastKeyValue must be
// given; supplying neither is a fatal configuration error.
func (a *MultiheadAttention) Forward(ctx *context.Context, in AttentionInput) AttentionOutput {
	g := in.Hidden.Graph()
	c := a.config
	placements := c.Placements

	// The incoming encoder states and mask may still live on the previous
	// stage; bring them over to this layer's placement.
	encoderStates := placements.ToLayer(in.EncoderStates, a.layerIdx)
	attentionMask := placements.ToLayer(in.AttentionMask, a.layerIdx)

	batchSize := in.Hidden.Shape().Dim(0)
	targetLen := in.Hidden.Shape().Dim(1)

	realSeqLength := targetLen
	if in.PastKeyValue != nil {
		if in.QueryLength > 0 {
			realSeqLength += in.QueryLength
		} else {
			realSeqLength += in.PastKeyValue.Length()
		}
	}
	keyLength := realSeqLength
	if a.kind == crossAttention {
		// The key side is the (fixed-length) encoder output, whether it comes
		// in as states or as an already-projected cached pair.
		switch {
		case encoderStates != nil:
			keyLength = encoderStates.Shape().Dim(1)
		case in.PastKeyValue != nil:
			keyLength = in.PastKeyValue.Length()
		}
	}

	var query, key, value *Node
	switch a.kind {
	case crossAttention:
		// Key and value are computed once from the encoder output and
		// reused on every subsequent decode step.
		query = Linear(ctx.In("query"), placements, in.Hidden, c.HiddenSize, ColumnParallel)
		query = splitHeads(query, batchSize, c.NumHeads, c.HeadSize, 1)
		switch {
		case in.PastKeyValue != nil:
			key, value = in.PastKeyValue.Key, in.PastKeyValue.Value
		case encoderStates != nil:
			keyValue := Linear(ctx.In("key_value"), placements, encoderStates, 2*c.HiddenSize, ColumnParallel)
			keyValue = splitHeads(keyValue, batchSize, c.NumHeads, c.HeadSize, 2)
			key, value = chunkLastAxis2(keyValue, c.HeadSize)
		default:
			exceptions.Panicf("transformers: cross-attention requires one key/value source: past key/value and encoder states cannot both be nil")
		}
	default:
		// Self-attention: one fused projection; under incremental decoding
		// Hidden is only the newly added position and the full key/value is
		// recovered by concatenating with the cache.
		queryKeyValue := Linear(ctx.In("query_key_value"), placements, in.Hidden, 3*c.HiddenSize, ColumnParallel)
		queryKeyValue = splitHeads(queryKeyValue, batchSize, c.NumHeads, c.HeadSize, 3)
		query, key, value = chunkLastAxis3(queryKeyValue, c.HeadSize)
		if in.PastKeyValue != nil {
			pastKey := ConvertDType(in.PastKeyValue.Key, key.DType())
			pastValue := ConvertDType(in.PastKeyValue.Value, value.DType())
			key = Concatenate([]*Node{pastKey, key}, 2)
			value = Concatenate([]*Node{pastValue, value}, 2)
		}
	}

	var present *KeyValue
	if in.UseCache {
		present = &KeyValue{Key: key, Value: value}
	}

	// (batch, numHeads, targetLen, sourceLen)
	scores := Einsum("BHTD,BHSD->BHTS", query, key)
	scores = MulScalar(scores, a.normFactor)

	positionBias := in.PositionBias
	if positionBias == nil {
		if a.hasRelativeBias {
			positionBias = RelativePositionBias(ctx, g, c, !a.isDecoder, realSeqLength, keyLength)
		} else {
			positionBias = Zeros(g, shapes.Make(scores.DType(), 1, c.NumHeads, realSeqLength, keyLength))
		}
		if in.PastKeyValue != nil {
			// Keep only the trailing rows matching the current query.
			positionBias = Slice(positionBias,
				AxisRange(), AxisRange(), AxisRange(realSeqLength-targetLen, realSeqLength), AxisRange())
		}
		if attentionMask != nil {
			mask := ConvertDType(attentionMask, positionBias.DType())
			positionBias = Add(positionBias, MulScalar(Sub(OnesLike(mask), mask), maskedBiasPenalty))
		}
	}
	scores = Add(scores, positionBias)

	var weights *Node
	if attentionMask != nil {
		mask := ConvertDType(attentionMask, scores.DType())
		if a.coeff != 0 {
			// Undo the per-layer down-scaling right before the softmax.
			scores = MulScalar(scores, a.coeff)
		}
		scores = Mul(scores, mask)
		scores = Add(scores, MulScalar(Sub(OnesLike(mask), mask), maskedScorePenalty))
		weights = Softmax(scores, -1)
	} else {
		weights = Softmax(scores, -1)
	}
	weights = dropout(ctx, weights, c.AttentionDropoutProb)

	// Weight the values and merge heads back into the hidden dimension.
	attended := Einsum("BHTS,BHSD->BHTD", weights, value)
	attended = TransposeAllDims(attended, 0, 2, 1, 3)
	attended = Reshape(attended, batchSize, targetLen, c.HiddenSize)

	output := Linear(ctx.In("dense"), placements, attended, c.HiddenSize, RowParallel)
	output = dropout(ctx, output, c.HiddenDropoutProb)

	return AttentionOutput{
		Hidden:          output,
		PositionBias:    positionBias,
		PresentKeyValue: present,
	}
}

// splitHeads reshapes (batch, seqLen, numHeads*numChunks*headSize) to
// (batch, numHeads, seqLen, numChunks*headSize).
func splitHeads(x *Node, batchSize, numHeads, headSize, numChunks int) *Node {
	seqLen := x.Shape().Dim(1)
	x = Reshape(x, batchSize, seqLen, numHeads, numChunks*headSize)
	return TransposeAllDims(x, 0, 2, 1, 3)
}

func chunkLastAxis2(x *Node, headSize int) (a, b *Node) {
	a = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, headSize))
	b = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(headSize, 2*headSize))
	return
}

func chunkLastAxis3(x *Node, headSize int) (a, b, c *Node) {
	a = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(0, headSize))
	b = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(headSize, 2*headSize))
	c = Slice(x, AxisRange(), AxisRange(), AxisRange(), AxisRange(2*headSize, 3*headSize))
	return
}
