// Package samplers uses a T5 model to generate text conditioned on prompts,
// running the encoder once per batch and decoding incrementally with the
// per-layer key/value caches.
package samplers

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/t5/transformers"
	"k8s.io/klog/v2"
)

// Vocabulary is the tokenizer interface the sampler needs.
type Vocabulary interface {
	EncodeAsIds(text string) []int
	DecodeIds([]int) string

	// The methods below define the special ids for the model.

	EndOfSentenceId() int
	UnknownId() int
	PadId() int
	DecoderStartId() int
}

// Sampler holds a T5 model, its weights (context) and a vocabulary, and
// generates continuations for prompts. Greedy decoding only.
type Sampler struct {
	Backend backends.Backend
	Vocab   Vocabulary
	Model   *transformers.T5Model
	Context *context.Context

	MaxGeneratedTokens int

	encodeExec  *context.Exec
	prefillExec *context.Exec
	stepExec    *context.Exec
}

// New creates a sampler for the given model configuration. ctx must hold (or
// will be initialized with) the model weights under the "model" scope.
func New(backend backends.Backend, ctx *context.Context, config *transformers.Config, vocab Vocabulary, maxGeneratedTokens int) (*Sampler, error) {
	s := &Sampler{
		Backend:            backend,
		Vocab:              vocab,
		Model:              transformers.NewT5Model(config),
		Context:            ctx,
		MaxGeneratedTokens: maxGeneratedTokens,
	}
	err := exceptions.TryCatch[error](func() {
		s.encodeExec = context.NewExec(backend, ctx, s.encodeGraph)
		s.prefillExec = context.NewExec(backend, ctx, s.prefillGraph)
		s.stepExec = context.NewExec(backend, ctx, s.stepGraph)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// encodeGraph runs the encoder: inputs are the source ids and mask, both
// (batch, sourceLen) int32.
func (s *Sampler) encodeGraph(ctx *context.Context, inputs []*Node) []*Node {
	ids, mask := inputs[0], inputs[1]
	return []*Node{s.Model.Encode(ctx.In("model"), ids, mask)}
}

// prefillGraph is the first decode step: no cache yet. Inputs are the
// decoder-start ids (batch, 1), the encoder states and the source mask.
// Outputs are the greedy next token ids (batch,) followed by the flattened
// per-layer caches.
func (s *Sampler) prefillGraph(ctx *context.Context, inputs []*Node) []*Node {
	return s.decodeStep(ctx, inputs[0], inputs[1], inputs[2], nil)
}

// stepGraph is one incremental decode step: same inputs as prefillGraph plus
// the flattened caches of the previous step.
func (s *Sampler) stepGraph(ctx *context.Context, inputs []*Node) []*Node {
	pastKeyValues, err := transformers.UnflattenCaches(inputs[3:], s.Model.Config.NumLayers,
		func(key, value *Node) *transformers.KeyValue {
			return &transformers.KeyValue{Key: key, Value: value}
		})
	if err != nil {
		panic(err)
	}
	return s.decodeStep(ctx, inputs[0], inputs[1], inputs[2], pastKeyValues)
}

func (s *Sampler) decodeStep(ctx *context.Context, currentIDs, encoderStates, sourceMask *Node, pastKeyValues []*transformers.LayerCache) []*Node {
	g := currentIDs.Graph()
	batchSize := currentIDs.Shape().Dim(0)
	targetMask := Ones(g, shapes.Make(dtypes.Int32, batchSize, 1))
	logits, presents := s.Model.Decode(ctx.In("model"), currentIDs, targetMask, encoderStates, sourceMask, pastKeyValues, true)
	nextIDs := ArgMax(Reshape(logits, batchSize, s.Model.Config.VocabSize), -1, dtypes.Int32)
	outputs := []*Node{nextIDs}
	return append(outputs, transformers.FlattenCaches(presents,
		func(kv *transformers.KeyValue) *Node { return kv.Key },
		func(kv *transformers.KeyValue) *Node { return kv.Value })...)
}

// Sample the continuations for the given prompts.
func (s *Sampler) Sample(prompts []string) ([]string, error) {
	return s.SampleMaxTokens(prompts, s.MaxGeneratedTokens)
}

// SampleMaxTokens is like Sample, but uses the given limit instead of the
// default MaxGeneratedTokens.
func (s *Sampler) SampleMaxTokens(prompts []string, maxTokens int) (outputs []string, err error) {
	err = exceptions.TryCatch[error](func() {
		outputs = s.sample(prompts, maxTokens)
	})
	return
}

func (s *Sampler) sample(prompts []string, maxTokens int) []string {
	ids := xslices.Map(prompts, s.Vocab.EncodeAsIds)
	lengths := xslices.Map(ids, func(seq []int) int { return len(seq) })
	maxInputLength := slices.Max(lengths) + 1 // +1 for the trailing "eos".
	batchSize := len(prompts)

	input, inputMask := s.createInputTensors(ids, maxInputLength)
	encoderStates := s.encodeExec.Call(input, inputMask)[0]
	klog.V(1).Infof("encoded %d prompt(s), source length %d", batchSize, maxInputLength)

	cache := transformers.NewCache(s.Model.Config, batchSize)
	current := tensors.FromScalarAndDimensions(int32(s.Vocab.DecoderStartId()), batchSize, 1)
	generated := make([][]int, batchSize)
	done := make([]bool, batchSize)
	eos := s.Vocab.EndOfSentenceId()

	for range maxTokens {
		var results []*tensors.Tensor
		if cache.Empty() {
			results = s.prefillExec.Call(current, encoderStates, inputMask)
		} else {
			args := []any{current, encoderStates, inputMask}
			for _, t := range cache.Tensors() {
				args = append(args, t)
			}
			results = s.stepExec.Call(args...)
		}
		if err := cache.Update(results[1:]); err != nil {
			panic(err)
		}

		next := make([]int32, batchSize)
		tensors.ConstFlatData(results[0], func(flat []int32) { copy(next, flat) })
		allDone := true
		for i, id := range next {
			if done[i] {
				continue
			}
			if int(id) == eos {
				done[i] = true
				continue
			}
			generated[i] = append(generated[i], int(id))
			allDone = false
		}
		if allDone {
			break
		}
		current = tensors.FromFlatDataAndDimensions(next, batchSize, 1)
	}
	klog.V(1).Infof("decoded up to %d step(s), self-attention cache length %d", maxTokens, cache.SelfLength())

	return xslices.Map(generated, s.Vocab.DecodeIds)
}

// createInputTensors builds the int32 (batchSize, totalLength) source ids --
// each prompt followed by "eos" then padding -- and the matching 0/1 input
// mask.
func (s *Sampler) createInputTensors(promptIds [][]int, totalLength int) (input, inputMask *tensors.Tensor) {
	batchSize := len(promptIds)
	input = tensors.FromScalarAndDimensions(int32(s.Vocab.PadId()), batchSize, totalLength)
	inputMask = tensors.FromScalarAndDimensions(int32(0), batchSize, totalLength)
	eos := int32(s.Vocab.EndOfSentenceId())
	tensors.MutableFlatData(input, func(flat []int32) {
		for exampleIdx := range batchSize {
			exampleIds := flat[exampleIdx*totalLength : (exampleIdx+1)*totalLength]
			for ii, value := range promptIds[exampleIdx] {
				exampleIds[ii] = int32(value)
			}
			exampleIds[len(promptIds[exampleIdx])] = eos
		}
	})
	tensors.MutableFlatData(inputMask, func(flat []int32) {
		for exampleIdx := range batchSize {
			exampleMask := flat[exampleIdx*totalLength : (exampleIdx+1)*totalLength]
			for ii := range len(promptIds[exampleIdx]) + 1 {
				exampleMask[ii] = 1
			}
		}
	})
	return
}
