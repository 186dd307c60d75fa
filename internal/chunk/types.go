// Package chunk splits extracted pages into semantically coherent chunks,
// the unit of embedding and retrieval.
package chunk

import (
	"github.com/quarrydocs/quarry/internal/extract"
)

// Chunk size defaults.
const (
	DefaultMaxTokens     = 512
	DefaultOverlapTokens = 64
)

// Metadata carries structural context gathered while chunking.
type Metadata struct {
	// Headers is the heading path leading to this chunk (markdown).
	Headers []string `json:"headers,omitempty"`

	// Tags are inline #tags found in the chunk (Obsidian).
	Tags []string `json:"tags,omitempty"`

	// Links are [[wikilink]] targets found in the chunk (Obsidian).
	Links []string `json:"links,omitempty"`
}

// Chunk is one retrievable unit of a document.
type Chunk struct {
	// Text is the chunk content, always non-empty.
	Text string

	// Ordinal is the chunk's 0-based position within its document.
	Ordinal int

	// Page is the 1-based source page, 0 when the format has no pages.
	Page int

	// Metadata is structural context (headers, tags, links).
	Metadata Metadata
}

// Config bounds chunk sizes.
type Config struct {
	// MaxTokens is the per-chunk token ceiling.
	MaxTokens int

	// OverlapTokens is carried from the tail of one chunk into the next.
	OverlapTokens int
}

// WithDefaults returns the config with defaults applied for zero values.
func (c Config) WithDefaults() Config {
	if c.MaxTokens == 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.OverlapTokens == 0 {
		c.OverlapTokens = DefaultOverlapTokens
	}
	return c
}

// Chunker splits extracted pages into chunks. Implementations must keep
// chunk ordinals dense and preserve page origin where the format has pages.
type Chunker interface {
	Chunk(pages []extract.Page, cfg Config) ([]Chunk, error)
}

// ForMethod selects the chunker for an extraction method tag.
// Markdown-producing methods get the structure-aware chunker; everything
// else gets the token splitter.
func ForMethod(method string, counter *TokenCounter) Chunker {
	switch method {
	case "markdown":
		return NewMarkdownChunker(counter)
	default:
		return NewTokenChunker(counter)
	}
}
