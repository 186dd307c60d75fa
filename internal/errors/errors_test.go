package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesCategoryAndSeverity(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		category Category
		severity Severity
		retry    bool
	}{
		{"config", ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{"io", ErrCodeFileNotFound, CategoryIO, SeverityError, false},
		{"index corrupt is fatal", ErrCodeIndexCorrupt, CategoryIndex, SeverityFatal, false},
		{"validation", ErrCodeBadRequest, CategoryValidation, SeverityError, false},
		{"embedding is retryable", ErrCodeEmbeddingFailed, CategoryInternal, SeverityError, true},
		{"already indexed is warning", ErrCodeAlreadyIndexed, CategoryValidation, SeverityWarning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retry, err.Retryable)
		})
	}
}

func TestError_Format(t *testing.T) {
	err := New(ErrCodeFileNotFound, "missing file", nil)
	assert.Equal(t, "[ERR_201_FILE_NOT_FOUND] missing file", err.Error())
}

func TestWrap_PreservesCause(t *testing.T) {
	cause := fmt.Errorf("disk on fire")
	err := Wrap(ErrCodeIO, cause)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "disk on fire", err.Message)
}

func TestWrap_NilReturnsNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeIO, nil))
}

func TestIs_MatchesByCode(t *testing.T) {
	a := New(ErrCodeRejected, "a", nil)
	b := New(ErrCodeRejected, "b", nil)
	assert.True(t, errors.Is(a, b))

	c := New(ErrCodeBadRequest, "c", nil)
	assert.False(t, errors.Is(a, c))
}

func TestHasCode_ThroughWrapping(t *testing.T) {
	inner := NotFound("/tmp/x.md")
	outer := fmt.Errorf("lookup: %w", inner)
	assert.True(t, HasCode(outer, ErrCodeFileNotFound))
	assert.True(t, IsNotFound(outer))
	assert.Equal(t, ErrCodeFileNotFound, GetCode(outer))
}

func TestWithDetail(t *testing.T) {
	err := Rejected("/vault/evil.pdf", "macro payload")
	assert.Equal(t, "/vault/evil.pdf", err.Details["path"])
	assert.Equal(t, "macro payload", err.Details["reason"])
}

func TestIsRetryable_NonQuarryError(t *testing.T) {
	assert.False(t, IsRetryable(fmt.Errorf("plain")))
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(New(ErrCodeExtractionFailed, "pdf broken", nil)))
}
