package extract

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// CommandExtractor adapts an external converter into the Extractor
// contract. The converter must write plain text to stdout. This is how PDF,
// DOCX, and EPUB are supported without linking format parsers into the
// binary.
type CommandExtractor struct {
	method     string
	extensions map[string]struct{}
	command    string
	args       []string // file path appended last
	paged      bool     // split stdout on form feeds into pages
	repair     []string // optional repair command, file path appended last
}

// NewPDFExtractor extracts PDFs via pdftotext. Output pages are separated
// by form feeds. A qpdf rewrite pass serves as the one-shot repair path for
// damaged cross-reference tables.
func NewPDFExtractor() *CommandExtractor {
	return &CommandExtractor{
		method:     "pdftotext",
		extensions: map[string]struct{}{".pdf": {}},
		command:    "pdftotext",
		args:       []string{"-layout", "-enc", "UTF-8"},
		paged:      true,
		repair:     []string{"qpdf", "--replace-input"},
	}
}

// NewDocxExtractor extracts DOCX via pandoc.
func NewDocxExtractor() *CommandExtractor {
	return &CommandExtractor{
		method:     "pandoc-docx",
		extensions: map[string]struct{}{".docx": {}},
		command:    "pandoc",
		args:       []string{"-t", "plain", "--wrap=none"},
	}
}

// NewEpubExtractor extracts EPUB via pandoc.
func NewEpubExtractor() *CommandExtractor {
	return &CommandExtractor{
		method:     "pandoc-epub",
		extensions: map[string]struct{}{".epub": {}},
		command:    "pandoc",
		args:       []string{"-t", "plain", "--wrap=none"},
	}
}

// Supports implements Extractor.
func (e *CommandExtractor) Supports(ext string) bool {
	_, ok := e.extensions[strings.ToLower(ext)]
	return ok
}

// Method returns the extraction method tag.
func (e *CommandExtractor) Method() string {
	return e.method
}

// Extract implements Extractor by invoking the converter. The command
// inherits ctx, so shutdown cancels a stuck converter.
func (e *CommandExtractor) Extract(ctx context.Context, absPath string) (*Result, error) {
	args := append(append([]string(nil), e.args...), absPath)
	if e.paged {
		// pdftotext writes to a file argument; "-" selects stdout.
		args = append(args, "-")
	}

	cmd := exec.CommandContext(ctx, e.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w (%s)",
			e.command, absPath, err, strings.TrimSpace(stderr.String()))
	}

	result := &Result{Method: e.method}
	if e.paged {
		for i, pageText := range strings.Split(stdout.String(), "\f") {
			pageText = strings.TrimSpace(pageText)
			if pageText == "" {
				continue
			}
			result.Pages = append(result.Pages, Page{Text: pageText, Number: i + 1})
		}
	} else {
		text := strings.TrimSpace(stdout.String())
		if text != "" {
			result.Pages = []Page{{Text: text}}
		}
	}
	return result, nil
}

// Repair implements Repairer when a repair command is configured. It
// rewrites the file in place; the caller retries extraction once after.
func (e *CommandExtractor) Repair(ctx context.Context, absPath string) error {
	if len(e.repair) == 0 {
		return fmt.Errorf("no repair path for %s", e.method)
	}

	args := append(append([]string(nil), e.repair[1:]...), absPath)
	cmd := exec.CommandContext(ctx, e.repair[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("repair %s: %w (%s)",
			absPath, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
