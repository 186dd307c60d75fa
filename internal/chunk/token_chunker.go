package chunk

import (
	"strings"

	"github.com/quarrydocs/quarry/internal/extract"
)

// TokenChunker is the default chunker: paragraphs are accumulated up to the
// token ceiling, with a configurable token overlap carried between adjacent
// chunks. Chunks never span pages, so page origin survives.
type TokenChunker struct {
	counter *TokenCounter
}

// NewTokenChunker creates a token-aware chunker.
func NewTokenChunker(counter *TokenCounter) *TokenChunker {
	return &TokenChunker{counter: counter}
}

// Chunk implements Chunker.
func (c *TokenChunker) Chunk(pages []extract.Page, cfg Config) ([]Chunk, error) {
	cfg = cfg.WithDefaults()

	var chunks []Chunk
	for _, page := range pages {
		for _, text := range c.splitText(page.Text, cfg) {
			chunks = append(chunks, Chunk{
				Text:    text,
				Ordinal: len(chunks),
				Page:    page.Number,
			})
		}
	}
	return chunks, nil
}

// splitText packs paragraphs into chunks bounded by cfg.MaxTokens.
func (c *TokenChunker) splitText(text string, cfg Config) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	if c.counter.Count(text) <= cfg.MaxTokens {
		return []string{text}
	}

	var (
		out     []string
		current []string
		tokens  int
	)

	flush := func() {
		if len(current) == 0 {
			return
		}
		out = append(out, strings.Join(current, "\n\n"))
		// Carry the tail paragraph forward as overlap when it fits.
		tail := current[len(current)-1]
		current = nil
		tokens = 0
		if cfg.OverlapTokens > 0 && c.counter.Count(tail) <= cfg.OverlapTokens {
			current = []string{tail}
			tokens = c.counter.Count(tail)
		}
	}

	for _, para := range splitParagraphs(text) {
		paraTokens := c.counter.Count(para)

		if paraTokens > cfg.MaxTokens {
			flush()
			out = append(out, c.hardSplit(para, cfg)...)
			continue
		}

		if tokens+paraTokens > cfg.MaxTokens {
			flush()
		}
		current = append(current, para)
		tokens += paraTokens
	}

	if len(current) > 0 {
		// Don't emit an overlap-only trailing chunk.
		joined := strings.Join(current, "\n\n")
		if len(out) == 0 || !strings.HasSuffix(out[len(out)-1], joined) {
			out = append(out, joined)
		}
	}

	return out
}

// hardSplit breaks a single oversized paragraph on word boundaries.
func (c *TokenChunker) hardSplit(para string, cfg Config) []string {
	words := splitWords(para)

	var (
		out     []string
		current []string
		tokens  int
	)
	for _, word := range words {
		wordTokens := c.counter.Count(word)
		if tokens+wordTokens > cfg.MaxTokens && len(current) > 0 {
			out = append(out, strings.Join(current, " "))
			current = nil
			tokens = 0
		}
		current = append(current, word)
		tokens += wordTokens
	}
	if len(current) > 0 {
		out = append(out, strings.Join(current, " "))
	}
	return out
}

// splitParagraphs splits on blank lines.
func splitParagraphs(text string) []string {
	var out []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para != "" {
			out = append(out, para)
		}
	}
	return out
}
