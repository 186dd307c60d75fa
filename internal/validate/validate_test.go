package validate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestDefaultValidator_AcceptsText(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.md", []byte("# hello\n\nplain text"))

	v := NewDefaultValidator(0)
	verdict, err := v.Validate(path)
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)
}

func TestDefaultValidator_RejectsOversized(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "big.txt", []byte(strings.Repeat("x", 2048)))

	v := NewDefaultValidator(1024)
	verdict, err := v.Validate(path)
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, SeverityCritical, verdict.Severity)
}

func TestDefaultValidator_EmptyFileIsWarning(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "empty.txt", nil)

	v := NewDefaultValidator(0)
	verdict, err := v.Validate(path)
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, SeverityWarning, verdict.Severity)
}

func TestDefaultValidator_RejectsBinaryInTextExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "fake.txt", []byte("text\x00more"))

	v := NewDefaultValidator(0)
	verdict, err := v.Validate(path)
	require.NoError(t, err)
	assert.False(t, verdict.Accepted)
	assert.Equal(t, SeverityCritical, verdict.Severity)
}

func TestDefaultValidator_BinaryExtensionsExempt(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "doc.pdf", []byte("%PDF-1.4\x00binary"))

	v := NewDefaultValidator(0)
	verdict, err := v.Validate(path)
	require.NoError(t, err)
	assert.True(t, verdict.Accepted)
}

func TestDefaultValidator_MissingFile(t *testing.T) {
	v := NewDefaultValidator(0)
	_, err := v.Validate(filepath.Join(t.TempDir(), "gone.txt"))
	assert.True(t, qerrors.IsNotFound(err))
}

func TestQuarantine_MovePreservesContent(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "bad.txt", []byte("contraband"))

	q := NewQuarantine(filepath.Join(dir, ".quarry", "quarantine"))
	dest, err := q.Move(path)
	require.NoError(t, err)

	assert.NoFileExists(t, path)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "contraband", string(data))
	assert.Contains(t, filepath.Base(dest), "bad.txt")
}

func TestQuarantine_RepeatedNamesDoNotCollide(t *testing.T) {
	dir := t.TempDir()
	q := NewQuarantine(filepath.Join(dir, "quarantine"))

	first := writeFile(t, dir, "dup.txt", []byte("one"))
	destA, err := q.Move(first)
	require.NoError(t, err)

	second := writeFile(t, dir, "dup.txt", []byte("two"))
	destB, err := q.Move(second)
	require.NoError(t, err)

	assert.NotEqual(t, destA, destB)
}
