package extract

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strings"
)

// TextExtractor handles plain text and source code files. The whole file is
// one page with no page number.
type TextExtractor struct {
	extensions map[string]struct{}
}

// textExtensions are the formats treated as plain text, source code
// included: code files are indexed verbatim and chunked token-wise.
var textExtensions = []string{
	".txt", ".go", ".py", ".js", ".ts", ".rs", ".java", ".c", ".h", ".sh",
	".json", ".yaml", ".yml", ".toml",
}

// NewTextExtractor creates the plain-text extractor.
func NewTextExtractor() *TextExtractor {
	set := make(map[string]struct{}, len(textExtensions))
	for _, ext := range textExtensions {
		set[ext] = struct{}{}
	}
	return &TextExtractor{extensions: set}
}

// Supports implements Extractor.
func (e *TextExtractor) Supports(ext string) bool {
	_, ok := e.extensions[strings.ToLower(ext)]
	return ok
}

// Extract implements Extractor.
func (e *TextExtractor) Extract(ctx context.Context, absPath string) (*Result, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", absPath, err)
	}

	if isBinary(data) {
		return nil, fmt.Errorf("binary content in %s", absPath)
	}

	text := strings.TrimSpace(string(data))
	result := &Result{Method: "text"}
	if text != "" {
		result.Pages = []Page{{Text: text}}
	}
	return result, nil
}

// isBinary reports whether data looks like binary content (NUL byte in the
// first 8KB, the same heuristic git uses).
func isBinary(data []byte) bool {
	probe := data
	if len(probe) > 8192 {
		probe = probe[:8192]
	}
	return bytes.IndexByte(probe, 0) >= 0
}
