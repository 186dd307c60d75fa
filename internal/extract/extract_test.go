package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRegistry_RoutesByExtension(t *testing.T) {
	r := Default()

	assert.IsType(t, &TextExtractor{}, r.ForPath("main.go"))
	assert.IsType(t, &MarkdownExtractor{}, r.ForPath("notes/idea.md"))
	assert.IsType(t, &NotebookExtractor{}, r.ForPath("analysis.ipynb"))
	assert.IsType(t, &CommandExtractor{}, r.ForPath("paper.pdf"))
	assert.Nil(t, r.ForPath("binary.exe"))
	assert.Nil(t, r.ForPath("no-extension"))
}

func TestTextExtractor_WholeFileIsOnePage(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.txt", "the quick brown fox\n")

	e := NewTextExtractor()
	result, err := e.Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "text", result.Method)
	require.Len(t, result.Pages, 1)
	assert.Equal(t, "the quick brown fox", result.Pages[0].Text)
	assert.Zero(t, result.Pages[0].Number)
}

func TestTextExtractor_EmptyFileHasNoPages(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.txt", "")

	result, err := NewTextExtractor().Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Empty(t, result.Pages)
}

func TestTextExtractor_RejectsBinary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.txt")
	require.NoError(t, os.WriteFile(path, []byte{0x7f, 0x00, 0x01, 0x02}, 0o644))

	_, err := NewTextExtractor().Extract(context.Background(), path)
	assert.Error(t, err)
}

func TestMarkdownExtractor_StripsFrontmatter(t *testing.T) {
	dir := t.TempDir()
	content := `---
title: Fox Notes
tags: [animals]
---
# Foxes

the quick brown fox`
	path := writeFile(t, dir, "fox.md", content)

	result, err := NewMarkdownExtractor().Extract(context.Background(), path)
	require.NoError(t, err)
	require.Len(t, result.Pages, 1)
	assert.Equal(t, "markdown", result.Method)
	assert.NotContains(t, result.Pages[0].Text, "title: Fox Notes")
	assert.Contains(t, result.Pages[0].Text, "# Foxes")
}

func TestSplitFrontmatter(t *testing.T) {
	body, fm := SplitFrontmatter("---\ntitle: X\n---\nbody text")
	assert.Equal(t, "title: X", fm)
	assert.Equal(t, "body text", body)

	body, fm = SplitFrontmatter("no fence here")
	assert.Empty(t, fm)
	assert.Equal(t, "no fence here", body)

	// Unterminated fence is treated as body.
	body, fm = SplitFrontmatter("---\ntitle: X\nnever closed")
	assert.Empty(t, fm)
	assert.Contains(t, body, "never closed")
}

func TestNotebookExtractor_CellsBecomePages(t *testing.T) {
	dir := t.TempDir()
	nb := `{
  "cells": [
    {"cell_type": "markdown", "source": ["# Title\n", "intro text"]},
    {"cell_type": "code", "source": "import pandas as pd"},
    {"cell_type": "raw", "source": "skipped"},
    {"cell_type": "code", "source": []}
  ]
}`
	path := writeFile(t, dir, "nb.ipynb", nb)

	result, err := NewNotebookExtractor().Extract(context.Background(), path)
	require.NoError(t, err)

	assert.Equal(t, "notebook", result.Method)
	require.Len(t, result.Pages, 2)
	assert.Equal(t, "# Title\nintro text", result.Pages[0].Text)
	assert.Equal(t, 1, result.Pages[0].Number)
	assert.Equal(t, "import pandas as pd", result.Pages[1].Text)
	assert.Equal(t, 2, result.Pages[1].Number)
}

func TestNotebookExtractor_MalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.ipynb", "{not json")

	_, err := NewNotebookExtractor().Extract(context.Background(), path)
	assert.Error(t, err)
}

func TestCommandExtractor_SupportsAndRepairContract(t *testing.T) {
	pdf := NewPDFExtractor()
	assert.True(t, pdf.Supports(".pdf"))
	assert.False(t, pdf.Supports(".docx"))
	assert.Equal(t, "pdftotext", pdf.Method())

	// PDF has a repair path, pandoc-based formats do not.
	var _ Repairer = pdf
	docx := NewDocxExtractor()
	assert.Error(t, docx.Repair(context.Background(), "x.docx"))
}

func TestCommandExtractor_MissingBinaryFails(t *testing.T) {
	e := &CommandExtractor{
		method:     "test",
		extensions: map[string]struct{}{".zzz": {}},
		command:    "definitely-not-a-real-converter",
	}
	_, err := e.Extract(context.Background(), "file.zzz")
	assert.Error(t, err)
}
