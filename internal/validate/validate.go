// Package validate screens files before they enter the index and moves
// critical rejects to quarantine for audit.
package validate

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

// Severity grades a rejection.
type Severity string

const (
	// SeverityWarning accepts the file with a logged note.
	SeverityWarning Severity = "warning"

	// SeverityCritical rejects the file and moves it to quarantine.
	SeverityCritical Severity = "critical"
)

// Verdict is the outcome of validating one file.
type Verdict struct {
	Accepted bool
	Reason   string
	Severity Severity
}

// Accept is the verdict for a clean file.
func Accept() Verdict {
	return Verdict{Accepted: true}
}

// Reject builds a rejection verdict.
func Reject(reason string, severity Severity) Verdict {
	return Verdict{Reason: reason, Severity: severity}
}

// Validator screens a file before extraction. Implementations must not
// hold references to the file after returning.
type Validator interface {
	Validate(path string) (Verdict, error)
}

// Default validator limits.
const (
	// DefaultMaxFileSize caps indexable files at 100MB.
	DefaultMaxFileSize = 100 << 20

	// sniffLen is how many leading bytes the content screen reads.
	sniffLen = 8 << 10
)

// DefaultValidator applies size caps and a binary-content screen for
// extensions that should contain text.
type DefaultValidator struct {
	maxFileSize int64
}

var _ Validator = (*DefaultValidator)(nil)

// binaryExempt lists extensions whose extractors expect binary input.
var binaryExempt = map[string]bool{
	".pdf":  true,
	".docx": true,
	".epub": true,
}

// NewDefaultValidator creates the default validator. maxFileSize <= 0
// selects the 100MB default.
func NewDefaultValidator(maxFileSize int64) *DefaultValidator {
	if maxFileSize <= 0 {
		maxFileSize = DefaultMaxFileSize
	}
	return &DefaultValidator{maxFileSize: maxFileSize}
}

// Validate implements Validator.
func (v *DefaultValidator) Validate(path string) (Verdict, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Verdict{}, qerrors.NotFound(path)
		}
		return Verdict{}, qerrors.New(qerrors.ErrCodeIO, "stat failed: "+path, err)
	}

	if info.Size() > v.maxFileSize {
		return Reject(
			fmt.Sprintf("file size %d exceeds limit %d", info.Size(), v.maxFileSize),
			SeverityCritical), nil
	}
	if info.Size() == 0 {
		return Reject("empty file", SeverityWarning), nil
	}

	if binaryExempt[strings.ToLower(filepath.Ext(path))] {
		return Accept(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return Verdict{}, qerrors.New(qerrors.ErrCodeIO, "open failed: "+path, err)
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, sniffLen)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return Verdict{}, qerrors.New(qerrors.ErrCodeIO, "read failed: "+path, err)
	}

	if bytes.IndexByte(buf[:n], 0) >= 0 {
		return Reject("binary content in text extension", SeverityCritical), nil
	}

	return Accept(), nil
}

// Quarantine moves critically rejected files into the quarantine directory,
// preserving them for audit. Filenames are prefixed with a timestamp so
// repeated rejections of the same name never collide.
type Quarantine struct {
	dir string
}

// NewQuarantine creates a quarantine rooted at dir.
func NewQuarantine(dir string) *Quarantine {
	return &Quarantine{dir: dir}
}

// Dir returns the quarantine directory.
func (q *Quarantine) Dir() string { return q.dir }

// Move relocates path into quarantine and returns the destination.
// Falls back to copy+remove when rename crosses filesystems.
func (q *Quarantine) Move(path string) (string, error) {
	if err := os.MkdirAll(q.dir, 0o755); err != nil {
		return "", qerrors.New(qerrors.ErrCodeIO, "creating quarantine dir", err)
	}

	name := time.Now().UTC().Format("20060102T150405.000000000") + "_" + filepath.Base(path)
	dest := filepath.Join(q.dir, name)

	if err := os.Rename(path, dest); err == nil {
		return dest, nil
	}

	if err := copyFile(path, dest); err != nil {
		return "", qerrors.New(qerrors.ErrCodeIO, "quarantine copy failed", err)
	}
	if err := os.Remove(path); err != nil {
		slog.Warn("quarantined file left in place after copy",
			slog.String("path", path),
			slog.String("error", err.Error()))
	}
	return dest, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
