// Package domainerrors defines the coded errors surfaced by trellis services.
// Stores return sentinel errors for infrastructure facts; services translate
// those and their own precondition checks into these coded errors, and the
// HTTP layer maps codes onto statuses.
package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies a domain error for callers and for HTTP mapping.
type Code string

const (
	// CodeBadRequest covers precondition failures the caller can correct:
	// missing root recording, cross-root parent, recordable type change on
	// revision, disallowed move/copy target type.
	CodeBadRequest Code = "bad_request"

	// CodeValidation covers structural invariant failures with field-level
	// detail: parent cycles, missing required fields on a recordable.
	CodeValidation Code = "validation_failed"

	// CodeForbidden is an access-resolver denial.
	CodeForbidden Code = "forbidden"

	// CodeNotFound is a missing recording/recordable/session.
	CodeNotFound Code = "not_found"

	// CodeCapabilityDisabled marks a gated operation (move/copy/comment)
	// invoked on a recordable type that has not enabled it.
	CodeCapabilityDisabled Code = "capability_disabled"

	// CodeIdempotencyConflict is raised only when the operations layer is
	// configured to reject idempotency-key replays instead of returning the
	// original event.
	CodeIdempotencyConflict Code = "idempotency_conflict"

	// CodeInternal is everything else; details stay in logs.
	CodeInternal Code = "internal"
)

// Error is a coded domain error with optional field-level messages.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]string
	cause   error
}

// New builds a domain error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a domain error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a domain error that preserves the underlying cause for
// errors.Is/As chains and logging.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithField attaches a field-level message, used by validation errors.
func (e *Error) WithField(field, message string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string, 1)
	}
	e.Fields[field] = message
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes two domain errors match when their codes match, so callers can
// write errors.Is(err, domainerrors.New(CodeForbidden, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the domain code from an error chain, defaulting to
// CodeInternal for unrecognized errors and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given domain code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a code onto the HTTP status the transport layer writes.
func HTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest, CodeValidation, CodeCapabilityDisabled:
		return http.StatusUnprocessableEntity
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeIdempotencyConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
