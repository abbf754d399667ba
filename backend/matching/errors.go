package matching

import (
	stdErrors "errors"
	"fmt"
)

// Code classifies every failure that leaves the matching core.
type Code string

const (
	// CodeNotFound: the referenced profile or match no longer exists.
	CodeNotFound Code = "NOT_FOUND"
	// CodePartialWrite: one half of a two-sided update failed after the other succeeded.
	CodePartialWrite Code = "PARTIAL_WRITE"
	// CodeInvalidState: the request or the stored data violates an invariant.
	CodeInvalidState Code = "INVALID_STATE"
	// CodeUnavailable: a single store call failed and nothing was persisted.
	CodeUnavailable Code = "UNAVAILABLE"
)

// Metadata describes how callers should treat an error code.
type Metadata struct {
	Retryable bool
	// Notice marks errors that are shown as a dismissible message, never as a fatal fault.
	Notice        bool
	PublicMessage string
}

var metadataByCode = map[Code]Metadata{
	CodeNotFound: {
		Retryable:     false,
		Notice:        true,
		PublicMessage: "that profile is no longer available",
	},
	CodePartialWrite: {
		Retryable:     false,
		Notice:        true,
		PublicMessage: "saved; your match will appear shortly",
	},
	CodeInvalidState: {
		Retryable:     false,
		Notice:        true,
		PublicMessage: "that action is not possible right now",
	},
	CodeUnavailable: {
		Retryable:     true,
		Notice:        true,
		PublicMessage: "something went wrong, please try again",
	},
}

// MetadataFor returns the metadata registered for code.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeUnavailable]
}

// Error is the single error type returned by the matching core.
type Error struct {
	code    Code
	message string
	cause   error
}

// ErrProfileNotFound is returned by ProfileStore implementations when a document is missing.
var ErrProfileNotFound = New(CodeNotFound, "profile not found")

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return ""
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches any *Error carrying the same code, so errors.Is(err, ErrProfileNotFound)
// holds for every not-found error regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !stdErrors.As(target, &t) || t == nil || e == nil {
		return false
	}
	return e.code == t.code
}

// CodeOf extracts the code from err, defaulting to CodeUnavailable for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if stdErrors.As(err, &e) {
		return e.code
	}
	return CodeUnavailable
}

// IsNotFound reports whether err is (or wraps) a not-found error.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// fromStore converts a collaborator error into the taxonomy. Not-found passes through,
// anything else becomes CodeUnavailable.
func fromStore(err error, message string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if stdErrors.As(err, &e) {
		return Wrap(e.code, err, message)
	}
	return Wrap(CodeUnavailable, err, message)
}
