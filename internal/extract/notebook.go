package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// NotebookExtractor handles Jupyter notebooks (.ipynb). Each cell becomes a
// page, with the 1-based cell index as the page number, so search results
// can point at a cell.
type NotebookExtractor struct{}

// NewNotebookExtractor creates the notebook extractor.
func NewNotebookExtractor() *NotebookExtractor {
	return &NotebookExtractor{}
}

// Supports implements Extractor.
func (e *NotebookExtractor) Supports(ext string) bool {
	return strings.ToLower(ext) == ".ipynb"
}

// notebook mirrors the subset of the nbformat schema we read.
type notebook struct {
	Cells []notebookCell `json:"cells"`
}

type notebookCell struct {
	CellType string `json:"cell_type"`
	// Source is either a string or an array of line strings.
	Source json.RawMessage `json:"source"`
}

// Extract implements Extractor.
func (e *NotebookExtractor) Extract(ctx context.Context, absPath string) (*Result, error) {
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", absPath, err)
	}

	var nb notebook
	if err := json.Unmarshal(data, &nb); err != nil {
		return nil, fmt.Errorf("parse notebook %s: %w", absPath, err)
	}

	result := &Result{Method: "notebook"}
	for i, cell := range nb.Cells {
		if cell.CellType != "markdown" && cell.CellType != "code" {
			continue
		}
		text := strings.TrimSpace(cellSource(cell.Source))
		if text == "" {
			continue
		}
		result.Pages = append(result.Pages, Page{Text: text, Number: i + 1})
	}
	return result, nil
}

// cellSource decodes nbformat's string-or-array source field.
func cellSource(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}

	var lines []string
	if err := json.Unmarshal(raw, &lines); err == nil {
		return strings.Join(lines, "")
	}

	return ""
}
