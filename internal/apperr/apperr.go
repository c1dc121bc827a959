// Package apperr defines the error taxonomy shared by the job store, the
// pipeline and the HTTP layer.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind categorizes an application error.
type Kind string

const (
	// KindStorage indicates an artifact could not be read or written.
	KindStorage Kind = "storage"
	// KindConversion indicates a paginated document could not be rasterized.
	KindConversion Kind = "conversion"
	// KindRead indicates an image could not be decoded.
	KindRead Kind = "read"
	// KindRecognitionUnavailable indicates the recognizer is not loaded.
	KindRecognitionUnavailable Kind = "recognition_unavailable"
	// KindRecognition indicates the recognizer was invoked and failed.
	KindRecognition Kind = "recognition"
	// KindNotFound indicates an unknown job or a missing original.
	KindNotFound Kind = "not_found"
	// KindValidation indicates a malformed request.
	KindValidation Kind = "validation"
	// KindAmbiguous indicates a job namespace holds more than one candidate original.
	KindAmbiguous Kind = "ambiguous"
	// KindTimeout indicates a stage exceeded its deadline or was canceled.
	KindTimeout Kind = "timeout"
	// KindInternal is used for anything not classified above.
	KindInternal Kind = "internal"
)

// Error is a classified error with an optional operation name and cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		if msg == "" {
			msg = e.Op
		} else {
			msg = e.Op + ": " + msg
		}
	}
	if e.Err != nil {
		if msg == "" {
			return e.Err.Error()
		}
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if msg == "" {
		return string(e.Kind)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an error of the given kind.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil. Context errors are
// reclassified as KindTimeout regardless of the requested kind.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, format string, args ...any) *Error {
	return Newf(KindNotFound, op, format, args...)
}

func Validation(op, format string, args ...any) *Error {
	return Newf(KindValidation, op, format, args...)
}

func Storage(op string, err error) error { return Wrap(KindStorage, op, err) }

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
