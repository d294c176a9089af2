// Package transformers implements the T5/MT5 encoder-decoder transformer
// core on top of GoMLX: relative-position bucketed attention bias, multi-head
// self- and cross-attention with incremental-decode key/value caching, RMS
// layer normalization, and the layer composition with per-layer pipeline
// placement handoff.
//
// It is loosely a port of the LiBai T5 model to GoMLX graph building.
package transformers

import (
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
)

// Stack is a sequence of TransformerLayer of the same kind (encoder or
// decoder). Only its first layer owns the relative-attention bias table; the
// bias it computes is threaded through the remaining layers.
type Stack struct {
	config    *Config
	isDecoder bool
	layers    []*TransformerLayer
}

// NewStack builds an encoder (isDecoder=false) or decoder (isDecoder=true)
// stack of config.NumLayers layers.
func NewStack(config *Config, isDecoder bool) *Stack {
	s := &Stack{config: config, isDecoder: isDecoder}
	s.layers = make([]*TransformerLayer, config.NumLayers)
	for idx := range s.layers {
		s.layers[idx] = NewTransformerLayer(config, idx, isDecoder, idx == 0)
	}
	return s
}

// StackInput bundles the inputs of a whole stack call. Fields mirror
// LayerInput, with the caches of all layers.
type StackInput struct {
	Hidden               *Node
	AttentionMask        *Node
	EncoderStates        *Node
	EncoderAttentionMask *Node
	PastKeyValues        []*LayerCache // nil, or one per layer
	UseCache             bool
}

// StackOutput carries the final hidden states (after the stack's closing
// RMSNorm and dropout) and the per-layer caches when requested.
type StackOutput struct {
	Hidden   *Node
	Presents []*LayerCache
}

// Forward runs the stack, threading position biases and caches layer to
// layer.
func (s *Stack) Forward(ctx *context.Context, in StackInput) StackOutput {
	c := s.config
	hidden := in.Hidden
	var positionBias, encoderDecoderPositionBias *Node

	var out StackOutput
	if in.UseCache {
		out.Presents = make([]*LayerCache, len(s.layers))
	}
	for idx, layer := range s.layers {
		var past *LayerCache
		if in.PastKeyValues != nil {
			past = in.PastKeyValues[idx]
		}
		layerOut := layer.Forward(ctx.Inf("layer_%d", idx), LayerInput{
			Hidden:                     hidden,
			AttentionMask:              in.AttentionMask,
			EncoderStates:              in.EncoderStates,
			EncoderAttentionMask:       in.EncoderAttentionMask,
			PastKeyValue:               past,
			UseCache:                   in.UseCache,
			PositionBias:               positionBias,
			EncoderDecoderPositionBias: encoderDecoderPositionBias,
		})
		hidden = layerOut.Hidden
		positionBias = layerOut.PositionBias
		encoderDecoderPositionBias = layerOut.EncoderDecoderPositionBias
		if in.UseCache {
			out.Presents[idx] = layerOut.Present
		}
	}

	hidden = RMSNorm(ctx.In("final_layernorm"), hidden, c.LayerNormEpsilon)
	out.Hidden = dropout(ctx, hidden, c.HiddenDropoutProb)
	return out
}

// T5Model assembles the shared token embedding, the encoder and decoder
// stacks and the (tied) output projection.
type T5Model struct {
	Config  *Config
	Encoder *Stack
	Decoder *Stack
}

// NewT5Model builds the model graph components for the given config.
func NewT5Model(config *Config) *T5Model {
	return &T5Model{
		Config:  config,
		Encoder: NewStack(config, false),
		Decoder: NewStack(config, true),
	}
}

// Embed looks up the shared token embedding for ids shaped
// (batch, seqLen), returning (batch, seqLen, hiddenSize).
func (m *T5Model) Embed(ctx *context.Context, ids *Node) *Node {
	g := ids.Graph()
	c := m.Config
	embeddingVar := ctx.In("embedding").
		VariableWithShape("weight", shapes.Make(c.DType, c.VocabSize, c.HiddenSize))
	embedding := embeddingVar.ValueGraph(g)
	batchSize := ids.Shape().Dim(0)
	seqLen := ids.Shape().Dim(1)
	hidden := Gather(embedding, Reshape(ids, batchSize, seqLen, 1))
	return dropout(ctx, hidden, c.EmbeddingDropoutProb)
}

// Logits projects decoder hidden states back to the vocabulary with the
// embedding weights (tied output projection).
func (m *T5Model) Logits(ctx *context.Context, hidden *Node) *Node {
	g := hidden.Graph()
	c := m.Config
	embeddingVar := ctx.In("embedding").
		VariableWithShape("weight", shapes.Make(c.DType, c.VocabSize, c.HiddenSize))
	embedding := embeddingVar.ValueGraph(g)
	return Einsum("BTD,VD->BTV", hidden, embedding)
}

// Encode runs the encoder over inputIDs (batch, sourceLen) with inputMask
// (batch, sourceLen), returning the encoder states.
func (m *T5Model) Encode(ctx *context.Context, inputIDs, inputMask *Node) *Node {
	hidden := m.Embed(ctx, inputIDs)
	attentionMask := PaddingMask(inputMask, m.Config.DType)
	out := m.Encoder.Forward(ctx.In("encoder"), StackInput{
		Hidden:        hidden,
		AttentionMask: attentionMask,
	})
	return out.Hidden
}

// Decode runs the decoder over targetIDs given the encoder states, returning
// the logits and, when useCache, the per-layer caches for incremental
// decoding. pastKeyValues is nil on the first (prefill) call.
func (m *T5Model) Decode(ctx *context.Context, targetIDs, targetMask, encoderStates, sourceMask *Node,
	pastKeyValues []*LayerCache, useCache bool) (logits *Node, presents []*LayerCache) {
	c := m.Config
	hidden := m.Embed(ctx, targetIDs)
	attentionMask := DecoderSelfAttentionMask(targetMask, c.DType)
	out := m.Decoder.Forward(ctx.In("decoder"), StackInput{
		Hidden:               hidden,
		AttentionMask:        attentionMask,
		EncoderStates:        encoderStates,
		EncoderAttentionMask: CrossAttentionMask(sourceMask, c.DType),
		PastKeyValues:        pastKeyValues,
		UseCache:             useCache,
	})
	return m.Logits(ctx, out.Hidden), out.Presents
}

// Forward is the full training-mode pass: encode inputIDs and predict logits
// for targetIDs, without caching.
func (m *T5Model) Forward(ctx *context.Context, inputIDs, inputMask, targetIDs, targetMask *Node) *Node {
	encoderStates := m.Encode(ctx, inputIDs, inputMask)
	logits, _ := m.Decode(ctx, targetIDs, targetMask, encoderStates, inputMask, nil, false)
	return logits
}
