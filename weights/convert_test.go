package weights

import (
	"testing"

	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/t5/trees"
	"github.com/stretchr/testify/require"
)

func TestConvertHuggingFaceName(t *testing.T) {
	cases := []struct {
		name   string
		want   Target
		wantOk bool
	}{
		{
			name:   "shared.weight",
			want:   Target{Path: trees.Path{"embedding", "weight"}},
			wantOk: true,
		},
		{
			name:   "encoder.final_layer_norm.weight",
			want:   Target{Path: trees.Path{"encoder", "final_layernorm", "weight"}},
			wantOk: true,
		},
		{
			name: "encoder.block.0.layer.0.SelfAttention.q.weight",
			want: Target{
				Path:      trees.Path{"encoder", "layer_0", "self_attention", "query_key_value", "weight"},
				Transpose: true,
				Part:      PartQuery,
			},
			wantOk: true,
		},
		{
			name: "decoder.block.3.layer.0.SelfAttention.v.weight",
			want: Target{
				Path:      trees.Path{"decoder", "layer_3", "self_attention", "query_key_value", "weight"},
				Transpose: true,
				Part:      PartValue,
			},
			wantOk: true,
		},
		{
			name: "encoder.block.0.layer.0.SelfAttention.o.weight",
			want: Target{
				Path:      trees.Path{"encoder", "layer_0", "self_attention", "dense", "weight"},
				Transpose: true,
			},
			wantOk: true,
		},
		{
			name:   "encoder.block.0.layer.0.SelfAttention.relative_attention_bias.weight",
			want:   Target{Path: trees.Path{"encoder", "layer_0", "self_attention", "relative_attention_bias"}},
			wantOk: true,
		},
		{
			name: "decoder.block.1.layer.1.EncDecAttention.q.weight",
			want: Target{
				Path:      trees.Path{"decoder", "layer_1", "cross_attention", "query", "weight"},
				Transpose: true,
			},
			wantOk: true,
		},
		{
			name: "decoder.block.1.layer.1.EncDecAttention.k.weight",
			want: Target{
				Path:      trees.Path{"decoder", "layer_1", "cross_attention", "key_value", "weight"},
				Transpose: true,
				Part:      PartKey,
			},
			wantOk: true,
		},
		{
			name: "encoder.block.2.layer.1.DenseReluDense.wi.weight",
			want: Target{
				Path:      trees.Path{"encoder", "layer_2", "mlp", "wi", "weight"},
				Transpose: true,
			},
			wantOk: true,
		},
		{
			name: "decoder.block.0.layer.2.DenseReluDense.wi_1.weight",
			want: Target{
				Path:      trees.Path{"decoder", "layer_0", "mlp", "wi_1", "weight"},
				Transpose: true,
			},
			wantOk: true,
		},
		{
			name:   "encoder.block.0.layer.0.layer_norm.weight",
			want:   Target{Path: trees.Path{"encoder", "layer_0", "input_layernorm", "weight"}},
			wantOk: true,
		},
		{
			name:   "encoder.block.0.layer.1.layer_norm.weight",
			want:   Target{Path: trees.Path{"encoder", "layer_0", "post_attention_layernorm", "weight"}},
			wantOk: true,
		},
		{
			name:   "decoder.block.4.layer.1.layer_norm.weight",
			want:   Target{Path: trees.Path{"decoder", "layer_4", "post_attention_layernorm", "weight"}},
			wantOk: true,
		},
		{
			name:   "decoder.block.4.layer.2.layer_norm.weight",
			want:   Target{Path: trees.Path{"decoder", "layer_4", "post_cross_attention_layernorm", "weight"}},
			wantOk: true,
		},
		// Not loaded: aliases of the shared embedding and the tied lm_head.
		{name: "encoder.embed_tokens.weight", wantOk: false},
		{name: "lm_head.weight", wantOk: false},
		{name: "encoder.block.0.layer.2.layer_norm.weight", wantOk: false},
		{name: "encoder.block.x.layer.0.SelfAttention.q.weight", wantOk: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ConvertHuggingFaceName(tc.name)
			require.Equal(t, tc.wantOk, ok)
			if tc.wantOk {
				require.Equal(t, tc.want, got)
			}
		})
	}
}

func TestTransposed(t *testing.T) {
	original := tensors.FromFlatDataAndDimensions([]float32{
		1, 2, 3,
		4, 5, 6,
	}, 2, 3)
	transposed, err := Transposed(original)
	require.NoError(t, err)
	require.Equal(t, []int{3, 2}, transposed.Shape().Dimensions)
	var got []float32
	tensors.ConstFlatData(transposed, func(flat []float32) { got = append(got, flat...) })
	require.Equal(t, []float32{1, 4, 2, 5, 3, 6}, got)

	_, err = Transposed(tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2))
	require.Error(t, err)
}

func TestFuseHeadProjections(t *testing.T) {
	// 2 heads of size 1, input dimension 2: each part is (2, 2) and the fused
	// layout per head h must be [q_h | k_h | v_h].
	q := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	k := tensors.FromFlatDataAndDimensions([]float32{5, 6, 7, 8}, 2, 2)
	v := tensors.FromFlatDataAndDimensions([]float32{9, 10, 11, 12}, 2, 2)

	fused, err := FuseHeadProjections([]*tensors.Tensor{q, k, v}, 2, 1)
	require.NoError(t, err)
	require.Equal(t, []int{2, 6}, fused.Shape().Dimensions)
	var got []float32
	tensors.ConstFlatData(fused, func(flat []float32) { got = append(got, flat...) })
	require.Equal(t, []float32{
		1, 5, 9, 2, 6, 10,
		3, 7, 11, 4, 8, 12,
	}, got)
}

func TestFuseHeadProjectionsValidates(t *testing.T) {
	_, err := FuseHeadProjections(nil, 2, 1)
	require.Error(t, err)

	good := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	bad := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)
	_, err = FuseHeadProjections([]*tensors.Tensor{good, bad}, 2, 1)
	require.ErrorContains(t, err, "projection part 1")
}
