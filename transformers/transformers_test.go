package transformers

import (
	"sync"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	testBackendOnce sync.Once
	testBackendOnly backends.Backend
)

// testBackend returns a process-wide backend for the tests.
func testBackend() backends.Backend {
	testBackendOnce.Do(func() { testBackendOnly = backends.New() })
	return testBackendOnly
}

// testConfig returns a tiny but structurally complete model configuration, so
// tests exercise the full graphs at trivial sizes.
func testConfig(t *testing.T) *Config {
	config := &Config{
		DType:               dtypes.Float32,
		VocabSize:           64,
		NumLayers:           2,
		HiddenSize:          8,
		NumHeads:            2,
		HeadSize:            4,
		IntermediateSize:    16,
		RelativeNumBuckets:  testNumBuckets,
		RelativeMaxDistance: testMaxDistance,
		LayerNormEpsilon:    1e-5,
	}
	require.NoError(t, config.Validate())
	return config
}

// flatFloat32 copies the tensor contents out as a flat slice.
func flatFloat32(t *testing.T, tensor *tensors.Tensor) []float32 {
	result := make([]float32, tensor.Shape().Size())
	tensors.ConstFlatData(tensor, func(flat []float32) { copy(result, flat) })
	return result
}

// iotaTensor returns a float32 tensor with values 0, 0.1, 0.2, ... -- distinct
// and small enough to keep softmax well away from saturation.
func iotaTensor(dimensions ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dimensions {
		size *= dim
	}
	flat := make([]float32, size)
	for i := range flat {
		flat[i] = 0.1 * float32(i%17)
	}
	return tensors.FromFlatDataAndDimensions(flat, dimensions...)
}

func TestModelForwardShapes(t *testing.T) {
	backend := testBackend()
	config := testConfig(t)
	model := NewT5Model(config)
	ctx := context.New()
	exec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return model.Forward(ctx, inputs[0], inputs[1], inputs[2], inputs[3])
	})

	inputIDs := tensors.FromFlatDataAndDimensions([]int32{5, 6, 7, 1, 8, 9, 1, 0}, 2, 4)
	inputMask := tensors.FromFlatDataAndDimensions([]int32{1, 1, 1, 1, 1, 1, 1, 0}, 2, 4)
	targetIDs := tensors.FromFlatDataAndDimensions([]int32{0, 10, 11, 0, 12, 13}, 2, 3)
	targetMask := tensors.FromFlatDataAndDimensions([]int32{1, 1, 1, 1, 1, 1}, 2, 3)

	logits := exec.Call(inputIDs, inputMask, targetIDs, targetMask)[0]
	require.Equal(t, []int{2, 3, config.VocabSize}, logits.Shape().Dimensions)
}

// TestIncrementalDecodeMatchesFullPass teacher-forces the decoder one token at
// a time through the key/value caches and checks each step reproduces the
// corresponding row of the full-sequence logits.
func TestIncrementalDecodeMatchesFullPass(t *testing.T) {
	backend := testBackend()
	config := testConfig(t)
	model := NewT5Model(config)
	ctx := context.New()

	const sourceLen, targetLen = 4, 3
	inputIDs := tensors.FromFlatDataAndDimensions([]int32{5, 6, 7, 1}, 1, sourceLen)
	inputMask := tensors.FromFlatDataAndDimensions([]int32{1, 1, 1, 1}, 1, sourceLen)
	targetTokens := []int32{0, 10, 11}

	// Full-sequence pass.
	fullExec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) *Node {
		return model.Forward(ctx, inputs[0], inputs[1], inputs[2], inputs[3])
	})
	targetIDs := tensors.FromFlatDataAndDimensions(targetTokens, 1, targetLen)
	targetMask := tensors.FromFlatDataAndDimensions([]int32{1, 1, 1}, 1, targetLen)
	fullLogits := flatFloat32(t, fullExec.Call(inputIDs, inputMask, targetIDs, targetMask)[0])

	// Incremental pass: encode once, then decode token by token.
	encodeExec := context.NewExec(backend, ctx, func(ctx *context.Context, ids, mask *Node) *Node {
		return model.Encode(ctx, ids, mask)
	})
	encoderStates := encodeExec.Call(inputIDs, inputMask)[0]

	decodeExec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		currentIDs, states, mask := inputs[0], inputs[1], inputs[2]
		var past []*LayerCache
		if len(inputs) > 3 {
			var err error
			past, err = UnflattenCaches(inputs[3:], config.NumLayers,
				func(key, value *Node) *KeyValue { return &KeyValue{Key: key, Value: value} })
			require.NoError(t, err)
		}
		logits, presents := model.Decode(ctx, currentIDs, OnesLike(currentIDs), states, mask, past, true)
		outputs := []*Node{logits}
		return append(outputs, FlattenCaches(presents,
			func(kv *KeyValue) *Node { return kv.Key },
			func(kv *KeyValue) *Node { return kv.Value })...)
	})

	cache := NewCache(config, 1)
	for step, token := range targetTokens {
		current := tensors.FromFlatDataAndDimensions([]int32{token}, 1, 1)
		args := []any{current, encoderStates, inputMask}
		if !cache.Empty() {
			for _, cached := range cache.Tensors() {
				args = append(args, cached)
			}
		}
		results := decodeExec.Call(args...)
		require.NoError(t, cache.Update(results[1:]))
		require.Equal(t, step+1, cache.SelfLength())

		stepLogits := flatFloat32(t, results[0])
		wantRow := fullLogits[step*config.VocabSize : (step+1)*config.VocabSize]
		require.InDeltaSlicef(t, wantRow, stepLogits, 1e-3,
			"step %d logits diverge from the full-sequence pass", step)
	}
}

// TestDecodeCacheShapes pins the cache growth contract: the self-attention
// pair gains one position per step while the cross-attention pair keeps the
// encoder length.
func TestDecodeCacheShapes(t *testing.T) {
	backend := testBackend()
	config := testConfig(t)
	model := NewT5Model(config)
	ctx := context.New()

	const batchSize, sourceLen = 2, 5
	decodeExec := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		currentIDs, states, mask := inputs[0], inputs[1], inputs[2]
		var past []*LayerCache
		if len(inputs) > 3 {
			var err error
			past, err = UnflattenCaches(inputs[3:], config.NumLayers,
				func(key, value *Node) *KeyValue { return &KeyValue{Key: key, Value: value} })
			require.NoError(t, err)
		}
		logits, presents := model.Decode(ctx, currentIDs, OnesLike(currentIDs), states, mask, past, true)
		outputs := []*Node{logits}
		return append(outputs, FlattenCaches(presents,
			func(kv *KeyValue) *Node { return kv.Key },
			func(kv *KeyValue) *Node { return kv.Value })...)
	})

	encoderStates := iotaTensor(batchSize, sourceLen, config.HiddenSize)
	sourceMask := tensors.FromScalarAndDimensions(int32(1), batchSize, sourceLen)
	cache := NewCache(config, batchSize)

	for step := range 3 {
		current := tensors.FromScalarAndDimensions(int32(step+3), batchSize, 1)
		args := []any{current, encoderStates, sourceMask}
		if !cache.Empty() {
			for _, cached := range cache.Tensors() {
				args = append(args, cached)
			}
		}
		results := decodeExec.Call(args...)
		require.NoError(t, cache.Update(results[1:]))
		require.Equal(t, step+1, cache.SelfLength())

		for flatIdx, cached := range cache.Tensors() {
			dims := cached.Shape().Dimensions
			if (flatIdx/2)%2 == 0 { // self k, self v
				require.Equal(t, []int{batchSize, config.NumHeads, step + 1, config.HeadSize}, dims)
			} else { // cross k, cross v
				require.Equal(t, []int{batchSize, config.NumHeads, sourceLen, config.HeadSize}, dims)
			}
		}
	}
}
