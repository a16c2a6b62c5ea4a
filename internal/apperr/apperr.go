// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

// Package apperr defines the domain error taxonomy surfaced to API callers.
//
// Every domain error is a tagged *Error carrying a Kind (which determines the
// HTTP status), a machine-readable Code, and optional Extensions that the API
// layer folds into the problem+json body. Services return plain *Error values;
// translation to HTTP happens centrally in internal/api.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error. Each kind maps to exactly one HTTP status.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindUnauthorized
	KindForbidden
	KindNotFound
	KindConflict
	KindGone
	KindRateLimited
	KindUnavailable
)

// Machine-readable error codes. These appear as the final segment of the
// problem+json "type" URI.
const (
	CodeValidation           = "validation-error"
	CodeInvalidCredentials   = "invalid-credentials"
	CodeEmailTaken           = "email-already-registered"
	CodeInvalidToken         = "invalid-token"
	CodeAccountDisabled      = "account-disabled"
	CodeSessionLimitExceeded = "session-limit-exceeded"
	CodeAccessDenied         = "access-denied"
	CodeNotFound             = "not-found"
	CodeTrackDeleted         = "track-deleted"
	CodeTrackAlreadyDeleted  = "track-already-deleted"
	CodeTrackNotDeleted      = "track-not-deleted"
	CodeTrackNotReady        = "track-not-ready"
	CodeTrackConcurrency     = "track-concurrency"
	CodePlaylistConcurrency  = "playlist-concurrency"
	CodeQuotaExceeded        = "quota-exceeded"
	CodeUnsupportedMimeType  = "unsupported-mime-type"
	CodeFileTooLarge         = "file-too-large"
	CodeInvalidFileName      = "invalid-file-name"
	CodeCursorExpired        = "cursor-expired"
	CodeInvalidPosition      = "invalid-position"
	CodeRestorationExpired   = "restoration-expired"
	CodeRateLimitExceeded    = "rate-limit-exceeded"
	CodeServiceUnavailable   = "service-unavailable"
	CodeInternal             = "internal-error"
)

// Error is a tagged domain error.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	Extensions map[string]any
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithExtension attaches a problem+json extension field and returns the error.
func (e *Error) WithExtension(key string, value any) *Error {
	if e.Extensions == nil {
		e.Extensions = make(map[string]any)
	}
	e.Extensions[key] = value
	return e
}

// New creates an error with an explicit kind and code.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Validation creates a 400-class validation error.
func Validation(code, message string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: message}
}

// Unauthorized creates a 401-class error.
func Unauthorized(code, message string) *Error {
	return &Error{Kind: KindUnauthorized, Code: code, Message: message}
}

// Forbidden creates a 403-class error.
func Forbidden(code, message string) *Error {
	return &Error{Kind: KindForbidden, Code: code, Message: message}
}

// NotFound creates a 404 error for the named resource.
func NotFound(resource, id string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %s not found", resource, id),
	}
}

// Conflict creates a 409-class error.
func Conflict(code, message string) *Error {
	return &Error{Kind: KindConflict, Code: code, Message: message}
}

// Gone creates a 410-class error.
func Gone(code, message string) *Error {
	return &Error{Kind: KindGone, Code: code, Message: message}
}

// RateLimited creates a 429 error with a Retry-After hint in seconds.
func RateLimited(retryAfterSeconds int) *Error {
	e := &Error{
		Kind:    KindRateLimited,
		Code:    CodeRateLimitExceeded,
		Message: "rate limit exceeded",
	}
	return e.WithExtension("retryAfterSeconds", retryAfterSeconds)
}

// Unavailable creates a 503 error for a mandatory dependency failure.
// The write path fails closed: document store, object store, and bus errors
// surface as ServiceUnavailable rather than being silently dropped.
func Unavailable(message string, err error) *Error {
	return &Error{Kind: KindUnavailable, Code: CodeServiceUnavailable, Message: message, Err: err}
}

// Internal wraps an unexpected error.
func Internal(err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", Err: err}
}

// FromError extracts an *Error from err, or wraps it as Internal.
func FromError(err error) *Error {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Kind == kind
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}
