package transformers

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
)

// LayerCache holds the cached key/value pairs of one TransformerLayer across
// incremental decode steps. Encoder layers only use the self-attention pair.
//
// The self-attention pair grows by exactly one position per decode step; the
// cross-attention pair is built once from the encoder output and is immutable
// for the rest of decoding.
type LayerCache struct {
	SelfAttention  *KeyValue
	CrossAttention *KeyValue
}

// TransformerLayer composes pre-normalized, residual-wrapped sub-stages:
// self-attention, cross-attention (decoder only) and the feed-forward MLP.
// Input and output are both shaped (batch, seqLength, hiddenSize).
type TransformerLayer struct {
	config    *Config
	layerIdx  int
	isDecoder bool

	selfAttention  *MultiheadAttention
	crossAttention *MultiheadAttention // nil for encoder layers
	mlp            mlp
}

// NewTransformerLayer builds one layer. hasRelativeBias should be true only
// for the first layer of a stack: that layer owns the learned bias table and
// every other layer reuses the bias value it returns.
func NewTransformerLayer(config *Config, layerIdx int, isDecoder, hasRelativeBias bool) *TransformerLayer {
	l := &TransformerLayer{
		config:        config,
		layerIdx:      layerIdx,
		isDecoder:     isDecoder,
		selfAttention: newMultiheadAttention(config, selfAttention, layerIdx, hasRelativeBias, isDecoder),
		mlp:           newMLP(config),
	}
	if isDecoder {
		l.crossAttention = newMultiheadAttention(config, crossAttention, layerIdx, false, isDecoder)
	}
	return l
}

// LayerInput bundles the inputs of one TransformerLayer call.
type LayerInput struct {
	// Hidden is shaped (batch, seqLength, hiddenSize).
	Hidden *Node

	// AttentionMask combines padding and (decoder) causal restrictions for
	// the self-attention, shaped (batch, 1, seqLength, seqLength). Optional.
	AttentionMask *Node

	// EncoderStates and EncoderAttentionMask feed the cross-attention of
	// decoder layers.
	EncoderStates        *Node
	EncoderAttentionMask *Node

	// PastKeyValue threads the caches of this layer across decode steps.
	PastKeyValue *LayerCache

	// UseCache asks for the updated caches back.
	UseCache bool

	// PositionBias and EncoderDecoderPositionBias are the biases a sibling
	// layer already computed; nil at the first layer of the stack.
	PositionBias               *Node
	EncoderDecoderPositionBias *Node
}

// LayerOutput is the result of one TransformerLayer call. The biases are
// returned so the caller can thread them unchanged into the next layer.
type LayerOutput struct {
	Hidden                     *Node
	PositionBias               *Node
	EncoderDecoderPositionBias *Node
	Present                    *LayerCache
}

// Forward builds the layer computation: each sub-stage runs as
// residual + dropPath(subOp(norm(residual))), strictly in order
// self-attention, cross-attention (decoder only), feed-forward.
func (l *TransformerLayer) Forward(ctx *context.Context, in LayerInput) LayerOutput {
	c := l.config

	// Placement handoff for pipeline parallelism: the previous layer may
	// live on a different stage. Idempotent when already placed here.
	hidden := c.Placements.ToLayer(in.Hidden, l.layerIdx)
	attentionMask := c.Placements.ToLayer(in.AttentionMask, l.layerIdx)

	var selfPast, crossPast *KeyValue
	if in.PastKeyValue != nil {
		selfPast = in.PastKeyValue.SelfAttention
		crossPast = in.PastKeyValue.CrossAttention
	}

	// Self-attention sub-stage.
	normed := RMSNorm(ctx.In("input_layernorm"), hidden, c.LayerNormEpsilon)
	selfOut := l.selfAttention.Forward(ctx.In("self_attention"), AttentionInput{
		Hidden:        normed,
		AttentionMask: attentionMask,
		PastKeyValue:  selfPast,
		UseCache:      in.UseCache,
		PositionBias:  in.PositionBias,
	})
	hidden = Add(hidden, dropPath(ctx, selfOut.Hidden, c.DropPathProb))

	out := LayerOutput{
		PositionBias: selfOut.PositionBias,
	}
	if in.UseCache {
		out.Present = &LayerCache{SelfAttention: selfOut.PresentKeyValue}
	}

	normed = RMSNorm(ctx.In("post_attention_layernorm"), hidden, c.LayerNormEpsilon)

	if l.isDecoder {
		// Cross-attention sub-stage. The full running query length is taken
		// from the freshly extended self-attention cache, so the zero bias
		// is sized (and sliced) consistently with the self-attention one.
		queryLength := 0
		if selfOut.PresentKeyValue != nil {
			queryLength = selfOut.PresentKeyValue.Length()
		}
		crossOut := l.crossAttention.Forward(ctx.In("cross_attention"), AttentionInput{
			Hidden:        normed,
			EncoderStates: in.EncoderStates,
			AttentionMask: in.EncoderAttentionMask,
			PastKeyValue:  crossPast,
			UseCache:      in.UseCache,
			PositionBias:  in.EncoderDecoderPositionBias,
			QueryLength:   queryLength,
		})
		hidden = Add(hidden, dropPath(ctx, crossOut.Hidden, c.DropPathProb))
		out.EncoderDecoderPositionBias = crossOut.PositionBias
		if in.UseCache {
			out.Present.CrossAttention = crossOut.PresentKeyValue
		}
		normed = RMSNorm(ctx.In("post_cross_attention_layernorm"), hidden, c.LayerNormEpsilon)
	}

	// Feed-forward sub-stage.
	mlpOut := l.mlp.Forward(ctx.In("mlp"), normed)
	out.Hidden = Add(hidden, dropPath(ctx, mlpOut, c.DropPathProb))
	return out
}
