// Package entdberr defines the small closed set of error codes shared
// across EntDB's write/read pipeline, so that API handlers, the applier,
// and background loops can classify a failure without parsing strings.
package entdberr

import (
	"errors"
	"fmt"
)

// Code is one of the error kinds enumerated in the EntDB specification.
type Code string

const (
	InvalidArgument  Code = "INVALID_ARGUMENT"
	SchemaMismatch   Code = "SCHEMA_MISMATCH"
	NotFound         Code = "NOT_FOUND"
	AccessDenied     Code = "ACCESS_DENIED"
	TransactionError Code = "TRANSACTION_ERROR"
	SchemaCompat     Code = "SCHEMA_COMPAT_ERROR"
	Connection       Code = "CONNECTION"
	Timeout          Code = "TIMEOUT"
	Internal         Code = "INTERNAL"
)

// Error wraps an underlying cause with a classification code and a
// flag for whether a client may safely retry.
type Error struct {
	code      Code
	msg       string
	retryable bool
	cause     error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the error's classification.
func (e *Error) Code() Code { return e.code }

// Retryable reports whether the caller may back off and retry.
func (e *Error) Retryable() bool { return e.retryable }

// New builds a non-retryable Error of the given code.
func New(code Code, msg string) *Error {
	return &Error{code: code, msg: msg}
}

// Wrap builds an Error of the given code around an existing cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{code: code, msg: msg, cause: cause}
}

// WrapRetryable is Wrap but marks the error retryable (used for
// CONNECTION and TIMEOUT failures against the log backend or object
// storage).
func WrapRetryable(code Code, msg string, cause error) *Error {
	return &Error{code: code, msg: msg, cause: cause, retryable: true}
}

// CodeOf extracts the Code from err, defaulting to Internal when err
// is not (or does not wrap) an *Error.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return Internal
}
