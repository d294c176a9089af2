// Package trees implements a PyTree-like string-keyed tree container, used to
// organize model weights and key/value caches.
package trees

import (
	"fmt"
	"iter"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Node is either a Value or a Map of its children -- but not both.
type Node[T any] struct {
	// Value is set for leaf nodes only.
	Value T

	// Map is set for non-leaf nodes (and nil in leaf nodes).
	Map map[string]*Node[T]
}

func (n *Node[T]) IsLeaf() bool { return n.Map == nil }

// Tree holds the root node for a Tree-like structure, as parallel to the
// PyTree structure. It also provides several convenience methods of access.
//
// T is the type of the leaf nodes.
type Tree[T any] struct {
	Root *Node[T]
}

// Path is usually used as the path from the root node.
type Path []string

// New creates a new empty tree, whose root is a Map node.
func New[T any]() *Tree[T] {
	return &Tree[T]{
		Root: NewMapNode[T](),
	}
}

// NewMapNode creates a new node that is Map, empty.
func NewMapNode[T any]() *Node[T] {
	return &Node[T]{Map: make(map[string]*Node[T])}
}

// NewLeafNode creates a new leaf node with the given value.
func NewLeafNode[T any](value T) *Node[T] {
	return &Node[T]{Value: value}
}

// Set value in treePath, populating intermediary nodes where needed.
// Setting an existing leaf overwrites its value.
//
// Empty components in treePath are skipped.
//
// It returns an error when the path crosses an existing leaf, or ends on an
// existing Map node: nodes are either a leaf or a Map, never both.
func (tree *Tree[T]) Set(treePath Path, value T) error {
	node := tree.Root
	// Remove empty ("") path components -- clone the slice, not to modify caller's slice.
	if slices.Index(treePath, "") >= 0 {
		treePath = slices.DeleteFunc(slices.Clone(treePath),
			func(s string) bool { return s == "" })
	}
	if len(treePath) == 0 {
		return errors.Errorf("trees.Tree[%T].Set() requires a non-empty path", value)
	}
	for pathCount, pathElement := range treePath {
		if node.IsLeaf() {
			return errors.Errorf("trees.Tree[%T].Set(%q) trying to create a path using an existing leaf node (%q) as a non-leaf node",
				value, treePath, treePath[:pathCount])
		}
		newNode := node.Map[pathElement]
		if newNode == nil {
			if pathCount == len(treePath)-1 {
				newNode = NewLeafNode[T](value)
			} else {
				newNode = NewMapNode[T]()
			}
			node.Map[pathElement] = newNode
		}
		node = newNode
	}
	if !node.IsLeaf() {
		return errors.Errorf("trees.Tree[%T].Set(%q) trying to set the value to a non-leaf node -- each node can either be a leaf node, or be a structural map of the tree",
			value, treePath)
	}
	node.Value = value
	return nil
}

// Get returns the leaf value at treePath, or an error if the path does not
// exist or points to a non-leaf node.
func (tree *Tree[T]) Get(treePath Path) (value T, err error) {
	node := tree.Root
	for pathCount, pathElement := range treePath {
		if pathElement == "" {
			continue
		}
		if node.IsLeaf() {
			err = errors.Errorf("trees.Tree[%T].Get(%q): %q is a leaf node, not a sub-tree",
				value, treePath, treePath[:pathCount])
			return
		}
		node = node.Map[pathElement]
		if node == nil {
			err = errors.Errorf("trees.Tree[%T].Get(%q): path not found", value, treePath)
			return
		}
	}
	if !node.IsLeaf() {
		err = errors.Errorf("trees.Tree[%T].Get(%q): path points to a sub-tree, not a leaf", value, treePath)
		return
	}
	return node.Value, nil
}

// String implements fmt.Stringer.
func (tree *Tree[T]) String() string {
	var parts []string
	parts = nodeToString(parts, "/", tree.Root, 0)
	return strings.Join(parts, "\n") + "\n"
}

func nodeToString[T any](parts []string, name string, subTree *Node[T], indent int) []string {
	indentSpaces := strings.Repeat("  ", indent)
	indent++
	if subTree.IsLeaf() {
		var valueAny any = subTree.Value
		if valueStr, ok := valueAny.(fmt.Stringer); ok {
			return append(parts, fmt.Sprintf("%s%q: %s", indentSpaces, name, valueStr))
		}
		// If not a stringer, use %v.
		return append(parts, fmt.Sprintf("%s%q: %v", indentSpaces, name, subTree.Value))
	}
	parts = append(parts, fmt.Sprintf("%s%q: {", indentSpaces, name))
	for _, key := range xslices.SortedKeys(subTree.Map) {
		parts = nodeToString(parts, key, subTree.Map[key], indent)
	}
	parts = append(parts, fmt.Sprintf("%s}", indentSpaces))
	return parts
}

// Map converts a Tree[T1] to a Tree[T2] by calling mapFn at every leaf.
func Map[T1, T2 any](tree1 *Tree[T1], mapFn func(Path, T1) T2) *Tree[T2] {
	tree2 := New[T2]()
	for p, t1 := range tree1.Leaves() {
		err := tree2.Set(p, mapFn(p, t1))
		if err != nil {
			// Should never happen, since there can be no errors duplicating the structure of an existing valid tree.
			panic(err)
		}
	}
	return tree2
}

// Leaves returns an iterator that goes over all the leaf nodes of the Tree.
// The key is a Path, and value is T.
func (tree *Tree[T]) Leaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, false, yield)
	}
}

// NumLeaves traverses the tree and returns the number of leaf nodes.
func (tree *Tree[T]) NumLeaves() int {
	var count int
	for range tree.Leaves() {
		count++
	}
	return count
}

// OrderedLeaves returns an iterator that goes over all the leaf nodes of the
// Tree in alphabetical order of the tree nodes (depth-first).
//
// The key is a Path, and value is T.
func (tree *Tree[T]) OrderedLeaves() iter.Seq2[Path, T] {
	return func(yield func(Path, T) bool) {
		recursiveLeaves(nil, tree.Root, true, yield)
	}
}

func recursiveLeaves[T any](treePath Path, node *Node[T], ordered bool, yield func(Path, T) bool) bool {
	if node.IsLeaf() {
		return yield(slices.Clone(treePath), node.Value)
	}
	if ordered {
		// Extract keys and sort first.
		for _, key := range xslices.SortedKeys(node.Map) {
			if !recursiveLeaves(append(treePath, key), node.Map[key], ordered, yield) {
				return false
			}
		}
	} else {
		// Usual range over map, non-deterministic.
		for key, subNode := range node.Map {
			if !recursiveLeaves(append(treePath, key), subNode, ordered, yield) {
				return false
			}
		}
	}
	return true
}

// ValuesAsList extracts the leaf values of Tree into a list.
//
// It's generated in alphabetical order -- see OrderedLeaves to see or generate the order.
func ValuesAsList[T any](tree *Tree[T]) []T {
	results := make([]T, 0, tree.NumLeaves())
	for _, values := range tree.OrderedLeaves() {
		results = append(results, values)
	}
	return results
}

// FromValuesAndTree creates a Tree[T1] with the given values, but borrowing
// the structure from the given tree (but ignoring the tree's values).
func FromValuesAndTree[T1, T2 any](values []T1, tree *Tree[T2]) *Tree[T1] {
	numLeaves := tree.NumLeaves()
	if len(values) != numLeaves {
		exceptions.Panicf("%d values given, but the tree to be built has %d leaves.", len(values), numLeaves)
	}
	newTree := New[T1]()
	var idx int
	for treePath := range tree.OrderedLeaves() {
		err := newTree.Set(treePath, values[idx])
		if err != nil {
			// Should never happen, since there can be no errors duplicating the structure of an existing valid tree.
			panic(err)
		}
		idx++
	}
	return newTree
}
