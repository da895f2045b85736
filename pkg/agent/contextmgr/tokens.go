package contextmgr

import (
	"github.com/pkoukk/tiktoken-go"
)

// perMessageOverhead approximates the framing tokens a chat API charges
// for each message beyond its content.
const perMessageOverhead = 4

// TokenCounter estimates prompt size with a model-aware tokenizer,
// falling back to a character-based estimate when the model's encoding
// is unavailable.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter for the given model. An unknown model
// falls back to the cl100k_base encoding, and failing that to the
// character estimate.
func NewTokenCounter(model string) *TokenCounter {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	return &TokenCounter{enc: enc}
}

// Count returns the token count of one text segment.
func (c *TokenCounter) Count(text string) int {
	if c == nil || c.enc == nil {
		// Conservative estimate: one token per four characters, rounded up.
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

// CountMessage includes the per-message framing overhead.
func (c *TokenCounter) CountMessage(content string) int {
	return c.Count(content) + perMessageOverhead
}
