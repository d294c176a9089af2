package weights

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/t5/trees"
	"github.com/pkg/errors"
)

// The graph code projects query/key/value through fused matrices (one
// 3x-wide projection for self-attention, a 2x-wide key/value projection for
// cross-attention) whose output columns are laid out per head:
// [q_h | k_h | v_h] for each head h. HuggingFace T5 checkpoints store q, k
// and v as separate (out, in) matrices, so loading requires a transpose and
// a per-head interleave. This file implements that remapping.

// FusedPart identifies which slot of a fused projection a foreign tensor
// fills. Empty for tensors that load directly.
type FusedPart string

const (
	PartQuery FusedPart = "q"
	PartKey   FusedPart = "k"
	PartValue FusedPart = "v"
)

// Target describes where a foreign tensor goes: the variable scope path
// (relative to the model scope), whether the matrix must be transposed from
// the foreign (out, in) layout, and -- for q/k/v tensors -- which slot of
// which fused projection it fills.
type Target struct {
	// Path is the context scope path; the last element is the variable name.
	Path trees.Path

	// Transpose is set for linear projection weights, stored (out, in) in
	// HuggingFace checkpoints but (in, out) here.
	Transpose bool

	// Part is non-empty when the tensor is one slot of a fused projection
	// found at Path.
	Part FusedPart
}

// ConvertHuggingFaceName maps a HuggingFace T5 tensor name to its Target.
// It returns ok=false for tensors that are not loaded (for example the tied
// lm_head and the per-stack embed_tokens aliases of the shared embedding).
func ConvertHuggingFaceName(name string) (target Target, ok bool) {
	switch name {
	case "shared.weight":
		return Target{Path: trees.Path{"embedding", "weight"}}, true
	case "encoder.final_layer_norm.weight":
		return Target{Path: trees.Path{"encoder", "final_layernorm", "weight"}}, true
	case "decoder.final_layer_norm.weight":
		return Target{Path: trees.Path{"decoder", "final_layernorm", "weight"}}, true
	}

	parts := strings.Split(name, ".")
	// "encoder.block.N.layer.I.<module>.<param>.weight"
	if len(parts) < 7 || parts[1] != "block" || parts[3] != "layer" || parts[len(parts)-1] != "weight" {
		return Target{}, false
	}
	stack := parts[0]
	if stack != "encoder" && stack != "decoder" {
		return Target{}, false
	}
	blockIdx, err := strconv.Atoi(parts[2])
	if err != nil {
		return Target{}, false
	}
	layerScope := fmt.Sprintf("layer_%d", blockIdx)
	subLayer := parts[4]
	module := parts[5]

	switch module {
	case "SelfAttention":
		attnScope := trees.Path{stack, layerScope, "self_attention"}
		switch parts[6] {
		case "q", "k", "v":
			return Target{
				Path:      append(attnScope, "query_key_value", "weight"),
				Transpose: true,
				Part:      FusedPart(parts[6]),
			}, true
		case "o":
			return Target{Path: append(attnScope, "dense", "weight"), Transpose: true}, true
		case "relative_attention_bias":
			return Target{Path: append(attnScope, "relative_attention_bias")}, true
		}
	case "EncDecAttention":
		attnScope := trees.Path{stack, layerScope, "cross_attention"}
		switch parts[6] {
		case "q":
			return Target{Path: append(attnScope, "query", "weight"), Transpose: true}, true
		case "k", "v":
			return Target{
				Path:      append(attnScope, "key_value", "weight"),
				Transpose: true,
				Part:      FusedPart(parts[6]),
			}, true
		case "o":
			return Target{Path: append(attnScope, "dense", "weight"), Transpose: true}, true
		}
	case "DenseReluDense":
		switch parts[6] {
		case "wi", "wi_0", "wi_1", "wo":
			return Target{
				Path:      trees.Path{stack, layerScope, "mlp", parts[6], "weight"},
				Transpose: true,
			}, true
		}
	case "layer_norm":
		// The norm names depend on the sub-layer position: 0 is always the
		// self-attention norm; in the encoder 1 is the MLP norm, in the
		// decoder 1 is the cross-attention norm and 2 the MLP norm.
		var normName string
		switch {
		case subLayer == "0":
			normName = "input_layernorm"
		case subLayer == "1" && stack == "encoder":
			normName = "post_attention_layernorm"
		case subLayer == "1" && stack == "decoder":
			normName = "post_attention_layernorm"
		case subLayer == "2" && stack == "decoder":
			normName = "post_cross_attention_layernorm"
		default:
			return Target{}, false
		}
		return Target{Path: trees.Path{stack, layerScope, normName, "weight"}}, true
	}
	return Target{}, false
}

// Transposed returns the (cols, rows) transpose of a 2D float32 tensor.
func Transposed(t *tensors.Tensor) (*tensors.Tensor, error) {
	if t.Shape().Rank() != 2 {
		return nil, errors.Errorf("can only transpose rank-2 tensors, got shape %s", t.Shape())
	}
	rows := t.Shape().Dim(0)
	cols := t.Shape().Dim(1)
	transposed := make([]float32, rows*cols)
	tensors.ConstFlatData(t, func(flat []float32) {
		for r := range rows {
			for c := range cols {
				transposed[c*rows+r] = flat[r*cols+c]
			}
		}
	})
	return tensors.FromFlatDataAndDimensions(transposed, cols, rows), nil
}

// FuseHeadProjections interleaves per-head column blocks of the given
// (inputDim, numHeads*headSize) matrices into one
// (inputDim, numHeads*len(parts)*headSize) matrix whose column layout per
// head h is [parts[0]_h | parts[1]_h | ...], matching the fused projection
// split performed by the attention graph code.
//
// For self-attention parts is [q, k, v]; for the cross-attention key/value
// projection it is [k, v]. All parts must already be in (in, out) layout.
func FuseHeadProjections(parts []*tensors.Tensor, numHeads, headSize int) (*tensors.Tensor, error) {
	if len(parts) == 0 {
		return nil, errors.New("no projection parts to fuse")
	}
	inputDim := parts[0].Shape().Dim(0)
	partWidth := numHeads * headSize
	for i, part := range parts {
		if part.Shape().Rank() != 2 || part.Shape().Dim(0) != inputDim || part.Shape().Dim(1) != partWidth {
			return nil, errors.Errorf("projection part %d has shape %s, want (%d, %d)",
				i, part.Shape(), inputDim, partWidth)
		}
	}

	numParts := len(parts)
	fusedWidth := numParts * partWidth
	fused := make([]float32, inputDim*fusedWidth)
	for partIdx, part := range parts {
		tensors.ConstFlatData(part, func(flat []float32) {
			for row := range inputDim {
				for head := range numHeads {
					srcBase := row*partWidth + head*headSize
					dstBase := row*fusedWidth + head*numParts*headSize + partIdx*headSize
					copy(fused[dstBase:dstBase+headSize], flat[srcBase:srcBase+headSize])
				}
			}
		})
	}
	return tensors.FromFlatDataAndDimensions(fused, inputDim, fusedWidth), nil
}
