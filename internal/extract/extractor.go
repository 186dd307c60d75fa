// Package extract routes files to format-specific text extractors.
//
// Extractors are capabilities selected by extension at ingest time. The
// registry reads its table once at construction; nothing is picked at call
// time. Formats the binary cannot parse natively (PDF, DOCX, EPUB) are
// handled by external converter commands behind the same contract.
package extract

import (
	"context"
	"strings"
)

// Page is one unit of extracted text. Number is 1-based; 0 means the format
// has no page concept.
type Page struct {
	Text   string
	Number int
}

// Result is the output of an extraction pass.
type Result struct {
	// Method tags how the text was obtained (e.g. "text", "markdown",
	// "notebook", "pdftotext").
	Method string
	Pages  []Page
}

// Extractor converts a file into plain text pages.
type Extractor interface {
	// Supports reports whether this extractor handles the extension.
	Supports(ext string) bool

	// Extract reads the file at absPath and returns its pages.
	Extract(ctx context.Context, absPath string) (*Result, error)
}

// Repairer is an optional extractor capability: a format-specific repair
// pass attempted once before an extraction failure becomes permanent.
type Repairer interface {
	Repair(ctx context.Context, absPath string) error
}

// Registry maps extensions to extractors.
type Registry struct {
	byExt map[string]Extractor
}

// NewRegistry builds a registry from the given extractors. Later extractors
// win on extension conflicts.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{byExt: make(map[string]Extractor)}
	for _, e := range extractors {
		for _, ext := range allExtensions {
			if e.Supports(ext) {
				r.byExt[ext] = e
			}
		}
	}
	return r
}

// allExtensions is the probe set used to enumerate Supports answers.
var allExtensions = []string{
	".txt", ".md", ".markdown", ".ipynb", ".pdf", ".docx", ".epub",
	".go", ".py", ".js", ".ts", ".rs", ".java", ".c", ".h", ".sh",
	".json", ".yaml", ".yml", ".toml",
}

// ForPath returns the extractor for path's extension, or nil.
func (r *Registry) ForPath(path string) Extractor {
	idx := strings.LastIndex(path, ".")
	if idx < 0 {
		return nil
	}
	return r.byExt[strings.ToLower(path[idx:])]
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.byExt))
	for ext := range r.byExt {
		exts = append(exts, ext)
	}
	return exts
}

// Default returns the registry a stock deployment uses: native text,
// markdown, notebook, and source-code extractors plus external-tool
// adapters for PDF, DOCX, and EPUB.
func Default() *Registry {
	return NewRegistry(
		NewTextExtractor(),
		NewMarkdownExtractor(),
		NewNotebookExtractor(),
		NewPDFExtractor(),
		NewDocxExtractor(),
		NewEpubExtractor(),
	)
}
