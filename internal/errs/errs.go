// Package errs defines the typed error taxonomy used on the wire, in
// failure events, and in dead-letter entries. Handlers return classified
// errors instead of raising; the bus translates them into outcome events.
package errs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for retry/dead-letter policy decisions.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindConflict     Kind = "conflict"
	KindUnsupported  Kind = "unsupported"
	KindTransient    Kind = "transient"
	KindTimeout      Kind = "timeout"
	KindCancelled    Kind = "cancelled"
	KindInternal     Kind = "internal"
)

// Error is the typed error envelope carried on failure events and DLQ
// entries: {code, message, details?}.
type Error struct {
	Code    Kind           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Message
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Code: kind, Message: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Code: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details and returns the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// From classifies an arbitrary error. Context cancellation and deadline
// errors map to their wire kinds; anything unclassified is internal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return New(KindTimeout, err.Error())
	}
	if errors.Is(err, context.Canceled) {
		return New(KindCancelled, err.Error())
	}
	return New(KindInternal, err.Error())
}

// KindOf returns the kind of an error, classifying it if needed.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	return From(err).Code
}

// Retryable reports whether errors of this kind are retried at all.
// Internal errors get exactly one retry; the retry budget is applied by
// the recovery policy, not here.
func Retryable(k Kind) bool {
	switch k {
	case KindTransient, KindTimeout, KindInternal:
		return true
	}
	return false
}

// DeadLetters reports whether exhausted retries of this kind land in the DLQ.
func DeadLetters(k Kind) bool {
	switch k {
	case KindTransient, KindTimeout, KindInternal:
		return true
	}
	return false
}
