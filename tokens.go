package conductor

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tiktoken encoding used when none is specified.
const DefaultEncoding = "cl100k_base"

// TokenCounter estimates token consumption of text content. The underlying
// tiktoken encoder is initialized lazily; if the encoding tables are
// unavailable (offline environments), counting falls back to a bytes/4
// heuristic rather than failing the run.
type TokenCounter struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTokenCounter creates a counter for the given encoding name. An empty
// name selects DefaultEncoding.
func NewTokenCounter(encoding string) *TokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	return &TokenCounter{encoding: encoding}
}

// Count returns the estimated token count of text.
func (c *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	c.once.Do(func() {
		c.enc, c.initErr = tiktoken.GetEncoding(c.encoding)
	})
	if c.initErr != nil || c.enc == nil {
		return heuristicTokenCount(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// heuristicTokenCount approximates one token per four bytes, the common
// rule of thumb for English prose.
func heuristicTokenCount(text string) int {
	n := (len(text) + 3) / 4
	if n == 0 {
		n = 1
	}
	return n
}
