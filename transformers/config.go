package transformers

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

type T5Type int

const (
	UnknownT5Type T5Type = iota
	T5_Small
	T5_Base
	T5_Large
	MT5_Small
	MT5_Base
)

var t5TypeNames = map[T5Type]string{
	T5_Small:  "t5_small",
	T5_Base:   "t5_base",
	T5_Large:  "t5_large",
	MT5_Small: "mt5_small",
	MT5_Base:  "mt5_base",
}

// String implements fmt.Stringer.
func (t T5Type) String() string {
	if name, found := t5TypeNames[t]; found {
		return name
	}
	return "unknown_t5_type"
}

// ParseT5Type returns the T5Type with the given name (e.g. "t5_small").
func ParseT5Type(name string) (T5Type, error) {
	for t, n := range t5TypeNames {
		if n == name {
			return t, nil
		}
	}
	return UnknownT5Type, errors.Errorf("unknown T5 model type %q", name)
}

// MLPVariant selects the feed-forward sub-layer structure.
type MLPVariant int

const (
	// MLPVariantT5 is the original single-path feed-forward: wi -> ReLU -> wo.
	MLPVariantT5 MLPVariant = iota

	// MLPVariantMT5 is the gated variant: GELU(wi_0) * wi_1 -> wo.
	MLPVariantMT5
)

// Config holds the T5 transformer model hyperparameters.
//
// It is immutable after construction: layers read from it but never write.
type Config struct {
	Type  T5Type
	DType dtypes.DType

	VocabSize  int
	NumLayers  int // Per stack: the encoder and the decoder each have NumLayers layers.
	HiddenSize int
	NumHeads   int
	HeadSize   int

	// IntermediateSize is the width of the feed-forward hidden projection.
	IntermediateSize int

	// RelativeNumBuckets and RelativeMaxDistance parametrize the bucketing of
	// relative positions for the learned attention bias.
	RelativeNumBuckets  int
	RelativeMaxDistance int

	HiddenDropoutProb    float64
	AttentionDropoutProb float64
	EmbeddingDropoutProb float64
	DropPathProb         float64

	LayerNormEpsilon float64

	MLPVariant MLPVariant

	// ApplyQueryKeyLayerScaling further divides the attention score scale by
	// (layerIdx+1), the Megatron numeric-stability trick.
	ApplyQueryKeyLayerScaling bool

	// Placements maps layer indices to pipeline stages. Defaults to a single
	// stage (no pipeline parallelism).
	Placements *Placements
}

// NewConfig returns the configuration for one of the known T5 model sizes.
func NewConfig(t T5Type) (*Config, error) {
	c := &Config{
		Type:                t,
		DType:               dtypes.Float32,
		RelativeNumBuckets:  32,
		RelativeMaxDistance: 128,
		LayerNormEpsilon:    1e-5,
	}
	switch t {
	case T5_Small:
		c.setDims(32128, 6, 512, 8, 2048)
	case T5_Base:
		c.setDims(32128, 12, 768, 12, 3072)
	case T5_Large:
		c.setDims(32128, 24, 1024, 16, 4096)
	case MT5_Small:
		c.setDims(250112, 8, 512, 6, 1024)
		c.MLPVariant = MLPVariantMT5
	case MT5_Base:
		c.setDims(250112, 12, 768, 12, 2048)
		c.MLPVariant = MLPVariantMT5
	default:
		return nil, errors.Errorf("unknown or not implemented T5 model type %q", t)
	}
	c.Placements = SingleStage()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) setDims(vocabSize, numLayers, hiddenSize, numHeads, intermediateSize int) {
	c.VocabSize = vocabSize
	c.NumLayers = numLayers
	c.HiddenSize = hiddenSize
	c.NumHeads = numHeads
	c.HeadSize = hiddenSize / numHeads
	c.IntermediateSize = intermediateSize
}

// Validate checks the configuration invariants that would otherwise surface as
// malformed graphs deep inside a layer.
func (c *Config) Validate() error {
	if c.HiddenSize <= 0 || c.NumHeads <= 0 {
		return errors.Errorf("hidden size (%d) and number of heads (%d) must be positive", c.HiddenSize, c.NumHeads)
	}
	if c.HiddenSize%c.NumHeads != 0 {
		return errors.Errorf("hidden size (%d) must be divisible by the number of attention heads (%d)",
			c.HiddenSize, c.NumHeads)
	}
	if c.HeadSize == 0 {
		c.HeadSize = c.HiddenSize / c.NumHeads
	}
	if c.NumHeads*c.HeadSize != c.HiddenSize {
		return errors.Errorf("numHeads (%d) x headSize (%d) must equal hidden size (%d)",
			c.NumHeads, c.HeadSize, c.HiddenSize)
	}
	if c.RelativeNumBuckets < 2 {
		return errors.Errorf("relative attention needs at least 2 buckets, got %d", c.RelativeNumBuckets)
	}
	if c.Placements == nil {
		c.Placements = SingleStage()
	}
	return nil
}
