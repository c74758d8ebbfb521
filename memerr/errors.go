package memerr

import "errors"

// Error represents a memory-subsystem error with a coarse category.
// The categories drive failure policy in the orchestrator: provider and
// store errors are logged and swallowed so that a memory failure never
// reaches the user-facing turn, while validation errors are returned to
// the caller at the API boundary.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
}

// ErrorType represents the category of error.
type ErrorType string

const (
	// ErrorTypeProvider covers embedding and oracle call failures
	// (network, quota, malformed response).
	ErrorTypeProvider ErrorType = "provider"
	// ErrorTypeStore covers persistence-layer failures.
	ErrorTypeStore ErrorType = "store"
	// ErrorTypeValidation covers caller contract violations, e.g. an
	// importance outside [0,1].
	ErrorTypeValidation ErrorType = "validation"
)

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProviderError wraps an embedding/oracle failure.
func NewProviderError(message string, cause error) *Error {
	return &Error{Type: ErrorTypeProvider, Message: message, Cause: cause}
}

// NewStoreError wraps a persistence failure.
func NewStoreError(message string, cause error) *Error {
	return &Error{Type: ErrorTypeStore, Message: message, Cause: cause}
}

// NewValidationError reports a caller contract violation.
func NewValidationError(message string) *Error {
	return &Error{Type: ErrorTypeValidation, Message: message}
}

// IsProviderError checks if an error is a provider error.
func IsProviderError(err error) bool {
	return isType(err, ErrorTypeProvider)
}

// IsStoreError checks if an error is a store error.
func IsStoreError(err error) bool {
	return isType(err, ErrorTypeStore)
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func isType(err error, t ErrorType) bool {
	var memErr *Error
	if errors.As(err, &memErr) {
		return memErr.Type == t
	}
	return false
}
