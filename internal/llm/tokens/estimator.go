// Package tokens estimates token counts for text the upstream never billed.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

const DefaultEncoding = "cl100k_base"

// Estimator counts tokens with a BPE encoding. Counts are approximate for
// non-OpenAI models.
type Estimator struct {
	enc *tiktoken.Tiktoken
}

func New(encoding string) (*Estimator, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load encoding %s: %w", encoding, err)
	}
	return &Estimator{enc: enc}, nil
}

func (e *Estimator) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(e.enc.Encode(text, nil, nil))
}
