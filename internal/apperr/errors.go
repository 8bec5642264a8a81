// Package apperr is the error taxonomy shared by the services and the HTTP
// layer. Services return *Error values; the server maps Kind to a status code.
package apperr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation  Kind = "VALIDATION"
	KindNotFound    Kind = "NOT_FOUND"
	KindAuth        Kind = "AUTH"
	KindUnavailable Kind = "UNAVAILABLE"
	KindInternal    Kind = "INTERNAL"
)

const (
	CodeInvalidSignature     = "INVALID_SIGNATURE"
	CodeStaleRequest         = "STALE_REQUEST"
	CodeEndpointMismatch     = "ENDPOINT_MISMATCH"
	CodeInvalidCode          = "INVALID_CODE"
	CodeNoFunds              = "NO_FUNDS"
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeMissingParam         = "MISSING_PARAM"
	CodeInvalidAmount        = "INVALID_AMOUNT"
	CodeCommentTooLong       = "COMMENT_TOO_LONG"
	CodeNoUser               = "NO_USER"
	CodeHasUser              = "HAS_USER"
	CodeInvalidAlias         = "INVALID_ALIAS"
	CodeAliasTaken           = "ALIAS_TAKEN"
	CodeNoChannel            = "NO_CHANNEL"
	CodeUnknownRecipient     = "UNKNOWN_RECIPIENT"
	CodeRecipientUnavailable = "RECIPIENT_UNAVAILABLE"
	CodeDuplicate            = "DUPLICATE"
	CodeInternal             = "INTERNAL"
)

// Error carries a kind for status mapping, a machine-readable code and a
// human-readable reason that is safe to return to clients.
type Error struct {
	Kind   Kind
	Code   string
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Reason, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on Code so callers can compare against the constructors'
// results regardless of reason text or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(kind Kind, code, reason string) *Error {
	return &Error{Kind: kind, Code: code, Reason: reason}
}

func Validation(code, reason string) *Error {
	return New(KindValidation, code, reason)
}

func NotFound(code, reason string) *Error {
	return New(KindNotFound, code, reason)
}

func Auth(code, reason string) *Error {
	return New(KindAuth, code, reason)
}

func Unavailable(code, reason string) *Error {
	return New(KindUnavailable, code, reason)
}

// Internal wraps an unexpected failure. The reason stays generic; the cause
// is only for logs.
func Internal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Reason: "Internal error.", Cause: cause}
}

// WithCause returns a copy of e that wraps cause.
func (e *Error) WithCause(cause error) *Error {
	cp := *e
	cp.Cause = cause
	return &cp
}

// From converts any error into an *Error, treating unknown errors as internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// KindOf reports the kind of err, KindInternal for foreign errors.
func KindOf(err error) Kind {
	return From(err).Kind
}
