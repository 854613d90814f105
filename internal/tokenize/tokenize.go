// Package tokenize counts tokens for chunk sizing and prompt budgets.
package tokenize

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts the tokens a model would see for a piece of text.
type Tokenizer interface {
	Count(text string) int
	Name() string
}

// Estimator approximates token counts at roughly four characters per token,
// counted per whitespace-separated word. Counts are additive over words, so
// the count of a text equals the sum of the counts of its words.
type Estimator struct{}

func (Estimator) Count(text string) int { return EstimateTokens(text) }

func (Estimator) Name() string { return "estimate" }

// EstimateTokens returns the estimated token count for text.
func EstimateTokens(text string) int {
	n := 0
	for _, w := range strings.Fields(text) {
		n += wordTokens(w)
	}
	return n
}

func wordTokens(w string) int {
	n := (utf8.RuneCountInString(w) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// Tiktoken counts tokens with a BPE encoding such as cl100k_base.
type Tiktoken struct {
	encoding string
	enc      *tiktoken.Tiktoken
}

// NewTiktoken loads the named encoding. Loading may fetch the BPE ranks on
// first use, so callers should fall back to Estimator on error.
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("loading tiktoken encoding %s: %w", encoding, err)
	}
	return &Tiktoken{encoding: encoding, enc: enc}, nil
}

func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

func (t *Tiktoken) Name() string { return "tiktoken[" + t.encoding + "]" }

// New returns the tokenizer for a config name ("estimate" or "tiktoken").
func New(name string) (Tokenizer, error) {
	switch name {
	case "", "estimate":
		return Estimator{}, nil
	case "tiktoken":
		return NewTiktoken("cl100k_base")
	default:
		return nil, fmt.Errorf("unknown tokenizer %q", name)
	}
}
