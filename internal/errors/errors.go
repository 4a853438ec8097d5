// Package errors defines the error taxonomy shared by the memory engine.
// Every error surfaced to a client maps to one of the kinds below; the
// dispatcher uses the kind to decide retryability and response shaping.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for handling strategies.
type Kind string

const (
	KindInvalidRequest       Kind = "invalid_request"
	KindUnknownAction        Kind = "unknown_action"
	KindUnknownScope         Kind = "unknown_scope"
	KindNotFound             Kind = "not_found"
	KindStoreUnavailable     Kind = "store_unavailable"
	KindStoreIntegrity       Kind = "store_integrity"
	KindStoreError           Kind = "store_error"
	KindEmbeddingUnavailable Kind = "embedding_unavailable"
	KindCircuitOpen          Kind = "circuit_open"
	KindInternal             Kind = "internal"
)

// Error is a kind-tagged error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a kind-tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal for untagged errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether the dispatcher's retry wrapper should re-attempt
// the failed operation. Validation and lookup failures are final; store and
// internal failures may be transient.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindInvalidRequest, KindUnknownAction, KindUnknownScope, KindNotFound,
		KindStoreIntegrity, KindCircuitOpen:
		return false
	default:
		return true
	}
}
