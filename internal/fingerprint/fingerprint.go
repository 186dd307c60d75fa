// Package fingerprint provides path canonicalization and content hashing.
//
// Canonical paths are the identity keys for documents, progress rows, and
// queue entries, so every entry point into the pipeline must pass through
// Canonicalize before touching any store.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	qerrors "github.com/quarrydocs/quarry/internal/errors"
)

// Service canonicalizes paths against a fixed root and hashes file contents.
type Service struct {
	root string
}

// NewService creates a fingerprint service rooted at root. The root itself
// is resolved once so symlinked roots compare consistently.
func NewService(root string) (*Service, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root %s: %w", root, err)
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return nil, fmt.Errorf("absolutize root %s: %w", resolved, err)
	}
	return &Service{root: abs}, nil
}

// Root returns the resolved root directory.
func (s *Service) Root() string {
	return s.root
}

// Canonicalize resolves path to its canonical form relative to the root:
// symlinks resolved, separators normalized, and containment enforced.
// Accepts both absolute paths and paths relative to the root.
func (s *Service) Canonicalize(path string) (string, error) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(s.root, abs)
	}

	// Resolve the deepest existing ancestor so paths to not-yet-created
	// files still canonicalize (the watcher can emit before a write lands).
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", qerrors.Wrap(qerrors.ErrCodeIO, err)
		}
		dir, base := filepath.Split(filepath.Clean(abs))
		parent, perr := filepath.EvalSymlinks(filepath.Clean(dir))
		if perr != nil {
			return "", qerrors.NotFound(path)
		}
		resolved = filepath.Join(parent, base)
	}

	rel, err := filepath.Rel(s.root, resolved)
	if err != nil {
		return "", qerrors.Wrap(qerrors.ErrCodeIO, err)
	}

	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return "", qerrors.New(qerrors.ErrCodePathEscapesRoot,
			fmt.Sprintf("path escapes root: %s", path), nil).
			WithDetail("path", path)
	}

	return rel, nil
}

// Absolute converts a canonical path back to an absolute filesystem path.
func (s *Service) Absolute(canonical string) string {
	return filepath.Join(s.root, filepath.FromSlash(canonical))
}

// Hash computes the streaming SHA-256 of the file at the canonical path and
// returns it as a fixed-length hex string. File contents are never loaded
// into memory whole.
func (s *Service) Hash(canonical string) (string, error) {
	f, err := os.Open(s.Absolute(canonical))
	if err != nil {
		if os.IsNotExist(err) {
			return "", qerrors.NotFound(canonical)
		}
		return "", qerrors.Wrap(qerrors.ErrCodeIO, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", qerrors.Wrap(qerrors.ErrCodeIO, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes hashes a byte slice; used for embedding cache keys.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
