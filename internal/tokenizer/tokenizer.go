// Package tokenizer provides TokenCounter implementations.
package tokenizer

import (
	"fmt"
	"strings"

	"github.com/pkoukk/tiktoken-go"

	"ragprompt/internal/domain"
)

// DefaultEncoding is used when a model has no registered encoding.
const DefaultEncoding = "cl100k_base"

// Tiktoken counts tokens with the OpenAI BPE encodings.
type Tiktoken struct {
	model    string
	encoding *tiktoken.Tiktoken
}

var _ domain.TokenCounter = (*Tiktoken)(nil)

// NewTiktoken loads the encoding for model, falling back to cl100k_base for
// unknown models.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: load encoding for %q: %w", model, err)
		}
	}
	return &Tiktoken{model: model, encoding: enc}, nil
}

func (t *Tiktoken) Model() string { return t.model }

func (t *Tiktoken) Count(text string) (int, error) {
	return len(t.Encode(text)), nil
}

func (t *Tiktoken) Encode(text string) []int {
	return t.encoding.Encode(text, nil, nil)
}

func (t *Tiktoken) Decode(tokens []int) string {
	return t.encoding.Decode(tokens)
}

// Words approximates token counts by whitespace-separated words. It needs
// no encoding files and is meant for offline use.
type Words struct{}

var _ domain.TokenCounter = Words{}

func (Words) Count(text string) (int, error) {
	return len(strings.Fields(text)), nil
}
