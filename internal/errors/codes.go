// Package errors provides structured error handling for quarry.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO and path errors
//   - 3XX: Index and storage errors
//   - 4XX: Validation and request errors
//   - 5XX: Internal and pipeline errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryIndex indicates vector/FTS index and storage errors.
	CategoryIndex Category = "INDEX"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO and path errors (200-299)
	ErrCodeFileNotFound    = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission  = "ERR_202_FILE_PERMISSION"
	ErrCodeFileTooLarge    = "ERR_203_FILE_TOO_LARGE"
	ErrCodePathEscapesRoot = "ERR_204_PATH_ESCAPES_ROOT"
	ErrCodeIO              = "ERR_205_IO"

	// Index and storage errors (300-399)
	ErrCodeIndexCorrupt      = "ERR_301_INDEX_CORRUPT"
	ErrCodeDimensionMismatch = "ERR_302_DIMENSION_MISMATCH"
	ErrCodeStoreClosed       = "ERR_303_STORE_CLOSED"

	// Validation and request errors (400-499)
	ErrCodeBadRequest     = "ERR_401_BAD_REQUEST"
	ErrCodeRejected       = "ERR_402_REJECTED"
	ErrCodeAlreadyIndexed = "ERR_403_ALREADY_INDEXED"
	ErrCodeQueryEmpty     = "ERR_404_QUERY_EMPTY"

	// Internal and pipeline errors (500-599)
	ErrCodeInternal         = "ERR_501_INTERNAL"
	ErrCodeExtractionFailed = "ERR_502_EXTRACTION_FAILED"
	ErrCodeEmbeddingFailed  = "ERR_503_EMBEDDING_FAILED"
	ErrCodeSearchFailed     = "ERR_504_SEARCH_FAILED"
	ErrCodeCancelled        = "ERR_505_CANCELLED"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryIndex
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode determines severity based on error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeIndexCorrupt, ErrCodeDimensionMismatch:
		return SeverityFatal
	case ErrCodeAlreadyIndexed, ErrCodeCancelled:
		return SeverityWarning
	}
	return SeverityError
}

// isRetryableCode checks if an error code represents a retryable error.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeExtractionFailed, ErrCodeEmbeddingFailed:
		return true
	default:
		return false
	}
}
