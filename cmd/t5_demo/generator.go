package main

import (
	"flag"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ml/context"
	"github.com/gomlx/t5/download/huggingface"
	"github.com/gomlx/t5/samplers"
	"github.com/gomlx/t5/transformers"
	"github.com/janpfeifer/must"

	_ "github.com/gomlx/gomlx/backends/xla"
)

var (
	flagDataDir            = flag.String("data", "~/work/t5", "Directory to cache downloaded model and tokenizer files.")
	flagModelID            = flag.String("model", "google-t5/t5-small", "HuggingFace model id to download and run.")
	flagModelType          = flag.String("type", "t5_small", "T5 model type: one of the T5Type values, e.g. t5_small, t5_base.")
	flagHFToken            = flag.String("hf_token", "", "HuggingFace read-only access token, used to download the model.")
	flagMaxGeneratedTokens = flag.Int("max_tokens", 512, "Maximum number of tokens to generate.")
)

// BuildSampler downloads (if needed) the configured model and assembles the
// sampler. Panics in case of error.
func BuildSampler() *samplers.Sampler {
	modelType := must.M1(transformers.ParseT5Type(*flagModelType))
	config := must.M1(transformers.NewConfig(modelType))

	ctx := context.New()
	vocab := must.M1(huggingface.Download(ctx, config, *flagModelID, *flagHFToken, *flagDataDir))
	return must.M1(samplers.New(backends.New(), ctx, config, vocab, *flagMaxGeneratedTokens))
}
