package watcher

import (
	"path/filepath"
	"strings"
)

// Editor temp suffixes that never correspond to real documents.
var tempSuffixes = []string{
	".swp", ".swx", ".tmp", "~", ".part", ".crdownload", "#",
}

// Filter decides which paths are eligible for indexing.
type Filter struct {
	extensions map[string]struct{}
	exclude    []string
}

// NewFilter builds a filter from an extension whitelist and literal
// exclusion substrings (e.g. ".git", "node_modules", the quarantine dir).
func NewFilter(extensions, exclude []string) *Filter {
	extSet := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		extSet[strings.ToLower(ext)] = struct{}{}
	}
	return &Filter{extensions: extSet, exclude: exclude}
}

// Allow reports whether path passes the whitelist and exclusion rules.
func (f *Filter) Allow(path string) bool {
	normalized := filepath.ToSlash(path)

	for _, pattern := range f.exclude {
		if strings.Contains(normalized, pattern) {
			return false
		}
	}

	for _, suffix := range tempSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return false
		}
	}

	ext := strings.ToLower(filepath.Ext(normalized))
	_, ok := f.extensions[ext]
	return ok
}

// AllowDir reports whether a directory subtree should be watched at all.
func (f *Filter) AllowDir(path string) bool {
	normalized := filepath.ToSlash(path)
	for _, pattern := range f.exclude {
		if strings.Contains(normalized, pattern) {
			return false
		}
	}
	return true
}
