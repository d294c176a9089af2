// Package sentencepiece wraps github.com/eliben/go-sentencepiece with the T5
// token-id conventions, implementing samplers.Vocabulary.
package sentencepiece

import (
	esentencepiece "github.com/eliben/go-sentencepiece"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
)

type Processor struct {
	*esentencepiece.Processor
}

func NewFromPath(vocabPath string) (*Processor, error) {
	proc, err := esentencepiece.NewProcessorFromPath(vocabPath)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create sentencepiece from %q", vocabPath)
	}
	return &Processor{
		Processor: proc,
	}, nil
}

type Token = esentencepiece.Token

// EncodeAsIds returns the text encoded into a sequence of ids.
// It implements samplers.Vocabulary.
func (p *Processor) EncodeAsIds(text string) []int {
	tokens := p.Processor.Encode(text)
	return xslices.Map(tokens, func(t Token) int { return t.ID })
}

// DecodeIds returns the text from a sequence of ids.
// It implements samplers.Vocabulary.
func (p *Processor) DecodeIds(ids []int) string {
	return p.Processor.Decode(ids)
}

// T5 vocabularies fix the special ids below; unlike Gemma there is no "bos"
// token -- decoding starts from the pad id instead.

// EndOfSentenceId returns the corresponding token, aka "eos".
func (p *Processor) EndOfSentenceId() int {
	return 1
}

// UnknownId returns the corresponding token, aka "unk".
func (p *Processor) UnknownId() int {
	return 2
}

// PadId returns the corresponding token, aka "pad".
func (p *Processor) PadId() int {
	return 0
}

// DecoderStartId returns the id that seeds incremental decoding. T5 reuses
// the pad id for this.
func (p *Processor) DecoderStartId() int {
	return p.PadId()
}
