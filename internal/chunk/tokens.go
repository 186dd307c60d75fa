package chunk

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// charsPerToken is the fallback approximation when no BPE encoding is
// available (offline first run).
const charsPerToken = 4

// TokenCounter counts tokens using the cl100k_base BPE when available and a
// character heuristic otherwise. Construction is cheap; the encoding loads
// lazily on first use because tiktoken may fetch its vocabulary.
type TokenCounter struct {
	once     sync.Once
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter creates a token counter.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

func (t *TokenCounter) load() {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tiktoken encoding unavailable, using character heuristic",
			slog.String("error", err.Error()))
		return
	}
	t.encoding = enc
}

// Count returns the token count for text.
func (t *TokenCounter) Count(text string) int {
	t.once.Do(t.load)

	if t.encoding != nil {
		return len(t.encoding.Encode(text, nil, nil))
	}

	n := (len(text) + charsPerToken - 1) / charsPerToken
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// splitWords splits text on whitespace, preserving nothing else. Used for
// hard-splitting oversized paragraphs.
func splitWords(text string) []string {
	return strings.Fields(text)
}
