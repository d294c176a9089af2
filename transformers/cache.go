package transformers

import (
	"fmt"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/t5/trees"
	"github.com/pkg/errors"
)

// Cache holds the materialized key/value tensors of a whole decoder stack
// between incremental decode steps, organized as a trees.Tree with one
// sub-tree per layer holding the "self" and "cross" pairs:
//
//	layer_0/self/k, layer_0/self/v, layer_0/cross/k, layer_0/cross/v, ...
//
// It is created empty before the first step, filled from the graph outputs of
// each step, and fed back as graph inputs on the next. A cache instance is
// owned by a single decoding loop; concurrent steps against the same cache
// are not supported.
type Cache struct {
	// Config of the model.
	Config *Config

	// BatchSize for this cache.
	BatchSize int

	// Data holds the cached tensors.
	Data *trees.Tree[*tensors.Tensor]
}

// cacheLeafNames is the per-layer leaf order; it matches the flattening order
// of FlattenCaches / UnflattenCaches below.
var cacheLeafNames = [4]trees.Path{
	{"self", "k"}, {"self", "v"},
	{"cross", "k"}, {"cross", "v"},
}

// NewCache creates an empty cache for one decoding session.
func NewCache(config *Config, batchSize int) *Cache {
	return &Cache{
		Config:    config,
		BatchSize: batchSize,
		Data:      trees.New[*tensors.Tensor](),
	}
}

// Empty reports whether no step has been stored yet.
func (c *Cache) Empty() bool { return c.Data.NumLeaves() == 0 }

// SelfLength returns the cached self-attention length, 0 when empty.
func (c *Cache) SelfLength() int {
	if c.Empty() {
		return 0
	}
	k, err := c.Data.Get(append(trees.Path{"layer_0"}, cacheLeafNames[0]...))
	if err != nil {
		panic(err)
	}
	return k.Shape().Dim(2)
}

// Tensors returns the cached tensors in the fixed layer/leaf order used to
// feed them as graph inputs.
func (c *Cache) Tensors() []*tensors.Tensor {
	result := make([]*tensors.Tensor, 0, c.Config.NumLayers*len(cacheLeafNames))
	for layerIdx := range c.Config.NumLayers {
		layerPath := trees.Path{fmt.Sprintf("layer_%d", layerIdx)}
		for _, leaf := range cacheLeafNames {
			t, err := c.Data.Get(append(layerPath, leaf...))
			if err != nil {
				panic(err)
			}
			result = append(result, t)
		}
	}
	return result
}

// Update stores the tensors returned by one decode step, in the same order
// Tensors produces. Previous step tensors are released.
func (c *Cache) Update(updated []*tensors.Tensor) error {
	want := c.Config.NumLayers * len(cacheLeafNames)
	if len(updated) != want {
		return errors.Errorf("cache update got %d tensors, want %d (%d layers x %d leaves)",
			len(updated), want, c.Config.NumLayers, len(cacheLeafNames))
	}
	idx := 0
	for layerIdx := range c.Config.NumLayers {
		layerPath := trees.Path{fmt.Sprintf("layer_%d", layerIdx)}
		for _, leaf := range cacheLeafNames {
			path := append(layerPath, leaf...)
			if old, err := c.Data.Get(path); err == nil && old != updated[idx] {
				old.FinalizeAll()
			}
			if err := c.Data.Set(path, updated[idx]); err != nil {
				return err
			}
			idx++
		}
	}
	return nil
}

// FlattenCaches orders the graph-side cache nodes of all layers the same way
// Cache.Tensors orders the tensors, so step outputs line up with the next
// step's inputs.
func FlattenCaches[T any](layerCaches []*LayerCache, key, value func(*KeyValue) T) []T {
	result := make([]T, 0, len(layerCaches)*4)
	for _, lc := range layerCaches {
		for _, kv := range []*KeyValue{lc.SelfAttention, lc.CrossAttention} {
			result = append(result, key(kv), value(kv))
		}
	}
	return result
}

// UnflattenCaches rebuilds per-layer caches from a flat list in
// FlattenCaches order.
func UnflattenCaches[T any](flat []T, numLayers int, makeKV func(key, value T) *KeyValue) ([]*LayerCache, error) {
	if len(flat) != numLayers*4 {
		return nil, errors.Errorf("expected %d cache entries for %d layers, got %d", numLayers*4, numLayers, len(flat))
	}
	result := make([]*LayerCache, numLayers)
	for layerIdx := range numLayers {
		base := layerIdx * 4
		result[layerIdx] = &LayerCache{
			SelfAttention:  makeKV(flat[base], flat[base+1]),
			CrossAttention: makeKV(flat[base+2], flat[base+3]),
		}
	}
	return result, nil
}
