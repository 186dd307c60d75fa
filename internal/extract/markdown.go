package extract

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// MarkdownExtractor handles Markdown and Obsidian notes. YAML frontmatter is
// separated from the body so the chunker never mixes metadata into chunk
// text; the raw frontmatter travels on the Result for the graph store.
type MarkdownExtractor struct{}

// NewMarkdownExtractor creates the markdown extractor.
func NewMarkdownExtractor() *MarkdownExtractor {
	return &MarkdownExtractor{}
}

// Supports implements Extractor.
func (e *MarkdownExtractor) Supports(ext string) bool {
	switch strings.ToLower(ext) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// Extract implements Extractor.
func (e *MarkdownExtractor) Extract(ctx context.Context, absPath string) (*Result, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", absPath, err)
	}

	body, _ := SplitFrontmatter(string(data))
	body = strings.TrimSpace(body)

	result := &Result{Method: "markdown"}
	if body != "" {
		result.Pages = []Page{{Text: body}}
	}
	return result, nil
}

// SplitFrontmatter splits a markdown document into body and YAML
// frontmatter. Returns the body unchanged when no frontmatter fence exists.
func SplitFrontmatter(content string) (body, frontmatter string) {
	if !strings.HasPrefix(content, "---\n") && !strings.HasPrefix(content, "---\r\n") {
		return content, ""
	}

	rest := content[strings.Index(content, "\n")+1:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return content, ""
	}

	frontmatter = rest[:end]
	body = rest[end+len("\n---"):]
	if idx := strings.Index(body, "\n"); idx >= 0 {
		body = body[idx+1:]
	} else {
		body = ""
	}
	return body, frontmatter
}
