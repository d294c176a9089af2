package weights

import (
	"testing"

	"github.com/gomlx/t5/trees"
	"github.com/stretchr/testify/require"
)

func TestAggregateAsTree(t *testing.T) {
	aggregate := map[string]any{
		"target": map[string]any{
			"encoder": map[any]any{ // some decoders produce map[any]any
				"norm": []float32{1, 2, 3},
			},
			"step": 1000,
		},
	}
	tree, err := AggregateAsTree(aggregate)
	require.NoError(t, err)
	require.Equal(t, 2, tree.NumLeaves())

	norm, err := tree.Get(trees.Path{"target", "encoder", "norm"})
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3}, norm)

	step, err := tree.Get(trees.Path{"target", "step"})
	require.NoError(t, err)
	require.Equal(t, 1000, step)
}

func TestAggregateAsTreeRejectsNonStringKeys(t *testing.T) {
	aggregate := map[string]any{
		"target": map[any]any{42: "x"},
	}
	_, err := AggregateAsTree(aggregate)
	require.ErrorContains(t, err, "is not a string")
}
