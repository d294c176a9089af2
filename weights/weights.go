// Package weights loads T5 checkpoints into tensors, remapping foreign key
// names and layouts (HuggingFace naming, separate q/k/v matrices) into the
// variable scopes and fused projections this library's graph code expects.
package weights

import (
	"os"
	"path"

	"github.com/gomlx/gomlx/ml/data"
	"github.com/gomlx/t5/trees"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"
)

const (
	AggregateFileName = "checkpoint"
)

// ReadAggregate reads a T5X-style msgpack aggregate checkpoint file from
// checkpointDir.
func ReadAggregate(checkpointDir string) (results any, err error) {
	checkpointDir = data.ReplaceTildeInDir(checkpointDir)
	aggregatePath := path.Join(checkpointDir, AggregateFileName)
	var f *os.File
	f, err = os.Open(aggregatePath)
	if err != nil {
		err = errors.Wrapf(err, "failed to read aggregate checkpoint file from %q", aggregatePath)
		return
	}
	defer func() { _ = f.Close() }()

	dec := msgpack.NewDecoder(f)
	results, err = dec.DecodeMap()
	if err != nil {
		err = errors.Wrapf(err, "failed to decode msgpack aggregate from %q", aggregatePath)
	}
	return
}

// AggregateAsTree converts the nested maps decoded from a msgpack aggregate
// into a trees.Tree of leaf values, keyed by the checkpoint's own nesting.
func AggregateAsTree(aggregate any) (*trees.Tree[any], error) {
	tree := trees.New[any]()
	err := insertAggregate(tree, nil, aggregate)
	if err != nil {
		return nil, err
	}
	return tree, nil
}

func insertAggregate(tree *trees.Tree[any], treePath trees.Path, value any) error {
	asMap, ok := value.(map[string]any)
	if !ok {
		// Some msgpack decoders return map[any]any.
		if anyMap, isAnyMap := value.(map[any]any); isAnyMap {
			asMap = make(map[string]any, len(anyMap))
			for k, v := range anyMap {
				kStr, isStr := k.(string)
				if !isStr {
					return errors.Errorf("aggregate key %v (%T) at %q is not a string", k, k, treePath)
				}
				asMap[kStr] = v
			}
		}
	}
	if asMap == nil {
		return tree.Set(treePath, value)
	}
	for k, v := range asMap {
		childPath := make(trees.Path, len(treePath), len(treePath)+1)
		copy(childPath, treePath)
		childPath = append(childPath, k)
		if err := insertAggregate(tree, childPath, v); err != nil {
			return err
		}
	}
	return nil
}
