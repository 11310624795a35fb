// Package usage estimates token counts for generated messages.
package usage

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts the tokens in a piece of text.
type TokenCounter interface {
	Count(text string) int
}

// Tiktoken counts tokens with the BPE encoding of a model.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken selects the encoding for model, falling back to cl100k_base
// for models tiktoken does not know.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Tiktoken{enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// CounterFunc adapts a function to TokenCounter.
type CounterFunc func(string) int

func (f CounterFunc) Count(text string) int { return f(text) }
