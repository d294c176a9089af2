// Package huggingface handles downloading T5 model weights from HuggingFace
// and loading them into a GoMLX context, remapping names and layouts through
// the weights package:
//
//   - With a HuggingFace token, the process is automatic.
//   - The separate q/k/v (and cross-attention k/v) matrices of the
//     checkpoint are fused into the per-head interleaved projections the
//     attention graph code expects.
//   - No Python dependency.
package huggingface

import (
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/gomlx/ml/data"
	gomlxhf "github.com/gomlx/gomlx/ml/data/huggingface"
	"github.com/gomlx/gomlx/types/tensors"
	"github.com/gomlx/t5/sentencepiece"
	"github.com/gomlx/t5/transformers"
	"github.com/gomlx/t5/trees"
	"github.com/gomlx/t5/weights"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// TokenizerFileName inside a HuggingFace T5 repository.
const TokenizerFileName = "spiece.model"

// Download will download (if needed) the T5 model identified by hfID (a
// HuggingFace model id, e.g. "google-t5/t5-small") and cache it under
// cacheDir for future reuse.
//
// The hfAuthToken is a HuggingFace read-only access token.
//
// It loads the converted weights into the given context under the "model"
// scope and returns the sentencepiece tokenizer (vocab).
func Download(ctx *context.Context, config *transformers.Config, hfID, hfAuthToken, cacheDir string) (vocab *sentencepiece.Processor, err error) {
	cacheDir = data.ReplaceTildeInDir(cacheDir)
	var hfm *gomlxhf.Model
	hfm, err = gomlxhf.New(hfID, hfAuthToken, cacheDir)
	if err != nil {
		return
	}
	err = hfm.Download()
	if err != nil {
		return
	}

	vocab, err = sentencepiece.NewFromPath(path.Join(hfm.BaseDir, TokenizerFileName))
	if err != nil {
		return
	}

	err = loadTensors(ctx, config, hfm)
	return
}

// loadTensors enumerates the checkpoint tensors, converts each name and
// layout and sets the corresponding context variables. Tensors that are
// slots of a fused projection are buffered until all slots are seen.
func loadTensors(ctx *context.Context, config *transformers.Config, hfm *gomlxhf.Model) error {
	// pendingFused buffers q/k/v parts per fused variable path.
	pendingFused := make(map[string]map[weights.FusedPart]*tensors.Tensor)
	pathKeys := make(map[string]trees.Path)

	var totalBytes uint64
	for entry, err := range hfm.EnumerateTensors() {
		if err != nil {
			return err
		}
		target, ok := weights.ConvertHuggingFaceName(entry.Name)
		if !ok {
			klog.V(1).Infof("skipping tensor %s -> %s", entry.Name, entry.Tensor.Shape())
			continue
		}
		totalBytes += uint64(entry.Tensor.Shape().Memory())

		tensor := entry.Tensor
		if target.Transpose {
			tensor, err = weights.Transposed(tensor)
			if err != nil {
				return errors.WithMessagef(err, "converting %q", entry.Name)
			}
		}

		if target.Part == "" {
			setVariable(ctx, target.Path, tensor)
			continue
		}
		key := pathKey(target.Path)
		if pendingFused[key] == nil {
			pendingFused[key] = make(map[weights.FusedPart]*tensors.Tensor)
			pathKeys[key] = target.Path
		}
		pendingFused[key][target.Part] = tensor
	}

	for key, parts := range pendingFused {
		ordered, err := orderedParts(parts)
		if err != nil {
			return errors.WithMessagef(err, "fusing projection %q", key)
		}
		fused, err := weights.FuseHeadProjections(ordered, config.NumHeads, config.HeadSize)
		if err != nil {
			return errors.WithMessagef(err, "fusing projection %q", key)
		}
		setVariable(ctx, pathKeys[key], fused)
	}

	klog.V(1).Infof("loaded %s of model weights", humanize.Bytes(totalBytes))
	return nil
}

// orderedParts returns the fused slots in graph order: [q,k,v] for
// self-attention, [k,v] for the cross-attention key/value projection.
func orderedParts(parts map[weights.FusedPart]*tensors.Tensor) ([]*tensors.Tensor, error) {
	k, hasK := parts[weights.PartKey]
	v, hasV := parts[weights.PartValue]
	if !hasK || !hasV {
		return nil, errors.New("fused projection is missing its key or value part")
	}
	if q, hasQ := parts[weights.PartQuery]; hasQ {
		return []*tensors.Tensor{q, k, v}, nil
	}
	return []*tensors.Tensor{k, v}, nil
}

func pathKey(p trees.Path) string {
	return strings.Join(p, "/")
}

func setVariable(ctx *context.Context, scopeAndName trees.Path, tensor *tensors.Tensor) {
	ctxTmp := ctx.In("model")
	for _, p := range scopeAndName[:len(scopeAndName)-1] {
		ctxTmp = ctxTmp.In(p)
	}
	ctxTmp.VariableWithValue(scopeAndName[len(scopeAndName)-1], tensor)
}
