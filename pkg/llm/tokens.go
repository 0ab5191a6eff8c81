package llm

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates prompt sizes for a model so that large context such
// as fetched research pages can be trimmed to a budget.
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
}

// NewTokenCounter returns a counter for the model. Unknown models fall back to
// cl100k_base, and to a character heuristic if no encoding can be loaded.
func NewTokenCounter(model string) *TokenCounter {
	if enc, err := tiktoken.EncodingForModel(model); err == nil {
		return &TokenCounter{encoder: enc}
	}
	if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
		return &TokenCounter{encoder: enc}
	}
	return &TokenCounter{}
}

// Count returns the number of tokens in text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	if c != nil && c.encoder != nil {
		return len(c.encoder.Encode(text, nil, nil))
	}
	// roughly four characters per token
	return (utf8.RuneCountInString(text) + 3) / 4
}

// Truncate returns the longest prefix of text within maxTokens.
func (c *TokenCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if c.Count(text) <= maxTokens {
		return text
	}
	if c != nil && c.encoder != nil {
		tokens := c.encoder.Encode(text, nil, nil)
		return c.encoder.Decode(tokens[:maxTokens])
	}
	runes := []rune(text)
	limit := maxTokens * 4
	if limit > len(runes) {
		limit = len(runes)
	}
	return string(runes[:limit])
}
