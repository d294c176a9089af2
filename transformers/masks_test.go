package transformers

import (
	"testing"

	. "github.com/gomlx/gomlx/graph"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestCausalMaskIsLowerTriangular(t *testing.T) {
	backend := testBackend()
	exec := NewExec(backend, func(g *Graph) *Node {
		return CausalMask(g, 3, dtypes.Float32)
	})
	mask := exec.Call()[0]
	require.Equal(t, []int{1, 1, 3, 3}, mask.Shape().Dimensions)
	require.Equal(t, []float32{
		1, 0, 0,
		1, 1, 0,
		1, 1, 1,
	}, flatFloat32(t, mask))
}

func TestDecoderSelfAttentionMaskCombinesPadding(t *testing.T) {
	backend := testBackend()
	exec := NewExec(backend, func(targetMask *Node) *Node {
		return DecoderSelfAttentionMask(targetMask, dtypes.Float32)
	})
	// Last position of the single example is padding.
	targetMask := tensors.FromFlatDataAndDimensions([]int32{1, 1, 0}, 1, 3)
	mask := exec.Call(targetMask)[0]
	require.Equal(t, []int{1, 1, 3, 3}, mask.Shape().Dimensions)
	require.Equal(t, []float32{
		1, 0, 0,
		1, 1, 0,
		1, 1, 0,
	}, flatFloat32(t, mask))
}

func TestPaddingMaskLayout(t *testing.T) {
	backend := testBackend()
	exec := NewExec(backend, func(inputMask *Node) *Node {
		return PaddingMask(inputMask, dtypes.Float32)
	})
	inputMask := tensors.FromFlatDataAndDimensions([]int32{1, 1, 0, 1, 0, 0}, 2, 3)
	mask := exec.Call(inputMask)[0]
	require.Equal(t, []int{2, 1, 1, 3}, mask.Shape().Dimensions)
	require.Equal(t, []float32{1, 1, 0, 1, 0, 0}, flatFloat32(t, mask))
}
