package transformers

import (
	. "github.com/gomlx/gomlx/graph"
)

// Placement identifies the device group (pipeline stage) that owns a tensor.
// The physical partitioning inside the group is the backend's business; this
// library only tracks which stage a value must live on, and asks a Converter
// to move it there at layer boundaries.
type Placement struct {
	Stage int
}

// Parallelism tags how a projection weight is partitioned across the devices
// of one stage. The partitioning itself is implemented by the Converter.
type Parallelism int

const (
	// Replicated weights live whole on every device.
	Replicated Parallelism = iota

	// ColumnParallel splits the weight along the output dimension.
	ColumnParallel

	// RowParallel splits the weight along the input dimension.
	RowParallel
)

// Converter moves values between placements and annotates weight sharding.
//
// Convert must be idempotent: converting a value that already lives on the
// target placement returns it unchanged.
type Converter interface {
	Convert(x *Node, target Placement) *Node
	Shard(weight *Node, parallelism Parallelism) *Node
}

// identityConverter is the single-device default: every placement is the same
// device group, so conversion and sharding are no-ops.
type identityConverter struct{}

func (identityConverter) Convert(x *Node, _ Placement) *Node      { return x }
func (identityConverter) Shard(weight *Node, _ Parallelism) *Node { return weight }

// Placements assigns layers to pipeline stages, splitting the layer range
// evenly: with S stages and L layers per stack, layer i lives on stage
// i*S/L.
type Placements struct {
	NumStages int

	// LayersPerStage is how many consecutive layer indices share a stage.
	// Zero means all layers share stage 0.
	LayersPerStage int

	converter Converter
}

// SingleStage returns the default placement map: every layer on stage 0,
// identity conversion.
func SingleStage() *Placements {
	return &Placements{NumStages: 1, converter: identityConverter{}}
}

// NewPlacements builds a pipeline assignment of numLayers layers over
// numStages stages using the given converter.
func NewPlacements(numStages, numLayers int, converter Converter) *Placements {
	if numStages < 1 {
		numStages = 1
	}
	layersPerStage := (numLayers + numStages - 1) / numStages
	if layersPerStage < 1 {
		layersPerStage = 1
	}
	if converter == nil {
		converter = identityConverter{}
	}
	return &Placements{
		NumStages:      numStages,
		LayersPerStage: layersPerStage,
		converter:      converter,
	}
}

// ForLayer returns the placement owned by the given layer index.
func (p *Placements) ForLayer(layerIdx int) Placement {
	if p.NumStages <= 1 || p.LayersPerStage == 0 {
		return Placement{Stage: 0}
	}
	stage := layerIdx / p.LayersPerStage
	if stage >= p.NumStages {
		stage = p.NumStages - 1
	}
	return Placement{Stage: stage}
}

// ToLayer converts x to the placement owned by layerIdx. It is nil-safe (nil
// passes through) and idempotent, so layers can call it unconditionally on
// entry.
func (p *Placements) ToLayer(x *Node, layerIdx int) *Node {
	if x == nil {
		return nil
	}
	return p.converter.Convert(x, p.ForLayer(layerIdx))
}

// ShardWeight tags a projection weight with its parallelism so a distributed
// converter can partition it. Identity on a single stage.
func (p *Placements) ShardWeight(weight *Node, parallelism Parallelism) *Node {
	return p.converter.Shard(weight, parallelism)
}
