package model

import (
	"errors"
	"fmt"
)

// ErrorKind is a stable, testable classification of runtime core errors
// (spec §7). Callers switch on Kind rather than parsing messages.
type ErrorKind string

const (
	ErrValidationFailed     ErrorKind = "validation_failed"
	ErrDependencyMissing    ErrorKind = "dependency_missing"
	ErrDependencyVersion    ErrorKind = "dependency_version"
	ErrActivationFailed     ErrorKind = "activation_failed"
	ErrAlreadyLoaded        ErrorKind = "already_loaded"
	ErrNotLoaded            ErrorKind = "not_loaded"
	ErrRequiredPlugin       ErrorKind = "required_plugin"
	ErrRateLimited          ErrorKind = "rate_limited"
	ErrStorageLimitExceeded ErrorKind = "storage_limit_exceeded"
	ErrScheduleLimitExceed  ErrorKind = "schedule_limit_exceeded"
	ErrRecipientCollision   ErrorKind = "recipient_collision"
	ErrToolInvocation       ErrorKind = "tool_invocation_error"
	ErrMalformedResponse    ErrorKind = "malformed_response"
)

// CoreError is the typed error carried across every component boundary
// named in spec §7. Wrap with fmt.Errorf("%w", ...) and %w-unwrap with
// errors.As to recover the Kind.
type CoreError struct {
	Kind    ErrorKind
	Message string
	Context map[string]any
}

func (e *CoreError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a CoreError of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithContext attaches diagnostic context and returns the same error for chaining.
func (e *CoreError) WithContext(key string, value any) *CoreError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Is supports errors.Is comparison against a bare *CoreError carrying only a Kind.
func (e *CoreError) Is(target error) bool {
	t, ok := target.(*CoreError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// KindOf extracts the ErrorKind from err if it is (or wraps) a *CoreError.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return "", false
}
