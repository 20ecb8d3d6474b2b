package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or quota issues.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

const (
	// Transient errors
	ErrCodeTimeout          ErrorCode = "TIMEOUT"           // Wait deadline elapsed
	ErrCodeStoreUnavailable ErrorCode = "STORE_UNAVAILABLE" // Result store transaction failed
	ErrCodeDispatch         ErrorCode = "DISPATCH"          // Dispatcher rejected the envelope
	ErrCodeConflict         ErrorCode = "CONFLICT"          // Concurrent transaction won

	// Permanent errors
	ErrCodeSubmission      ErrorCode = "SUBMISSION"        // Task could not be serialized
	ErrCodePayloadTooLarge ErrorCode = "PAYLOAD_TOO_LARGE" // Envelope above the size ceiling
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"     // Malformed envelope or argument
	ErrCodeUnknownKind     ErrorCode = "UNKNOWN_KIND"      // Task kind not in the registry
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"         // Record does not exist
	ErrCodeUnsupported     ErrorCode = "UNSUPPORTED"       // Operation not offered
	ErrCodeCanceled        ErrorCode = "CANCELED"          // Context canceled
	ErrCodeTaskFailed      ErrorCode = "TASK_FAILED"       // Remote execution returned an error

	// Resource errors
	ErrCodeCapacity ErrorCode = "CAPACITY" // Queue or worker pool saturated

	// Internal errors
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Stored record could not be decoded
	ErrCodePanic      ErrorCode = "PANIC"      // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeStoreUnavailable, ErrCodeDispatch, ErrCodeConflict:
		return CategoryTransient

	case ErrCodeSubmission, ErrCodePayloadTooLarge, ErrCodeInvalidInput, ErrCodeUnknownKind,
		ErrCodeNotFound, ErrCodeUnsupported, ErrCodeCanceled, ErrCodeTaskFailed:
		return CategoryPermanent

	case ErrCodeCapacity:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:          "wait timed out",
	ErrCodeStoreUnavailable: "result store unavailable",
	ErrCodeDispatch:         "dispatch rejected",
	ErrCodeConflict:         "concurrent transaction conflict",
	ErrCodeSubmission:       "task could not be submitted",
	ErrCodePayloadTooLarge:  "envelope exceeds size ceiling",
	ErrCodeInvalidInput:     "invalid input provided",
	ErrCodeUnknownKind:      "unknown task kind",
	ErrCodeNotFound:         "record not found",
	ErrCodeUnsupported:      "operation not supported",
	ErrCodeCanceled:         "operation canceled",
	ErrCodeTaskFailed:       "task execution failed",
	ErrCodeCapacity:         "system at capacity",
	ErrCodeInternal:         "internal error",
	ErrCodeCorruption:       "record corrupted",
	ErrCodePanic:            "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
