// Package errors provides error handling for the gridsweep toolkit.
//
// Errors carry the component and operation that produced them, plus a Kind
// classifying how the caller should react: transient errors are retried on a
// later engine cycle, fatal errors are surfaced, and config errors are
// reported at construction time.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for the retry/propagation policy.
type Kind int

const (
	// Unknown is the zero Kind; treated as fatal.
	Unknown Kind = iota
	// Transient errors (backend connectivity, exhausted capacity, busy
	// store) are logged and retried on a later cycle.
	Transient
	// Fatal errors are propagated to the caller.
	Fatal
	// Config errors indicate invalid configuration detected eagerly.
	Config
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	case Config:
		return "config"
	default:
		return "unknown"
	}
}

// Error is an error with component/operation context and a Kind.
type Error struct {
	// Kind classifies the error for the retry policy.
	Kind Kind
	// Message is a human-readable description.
	Message string
	// Op is the operation that failed, e.g. "submit" or "poll".
	Op string
	// Component is the package or subsystem, e.g. "engine" or "store".
	Component string
	// Err is the wrapped cause, if any.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Component != "" {
		b.WriteString(e.Component)
	}
	if e.Op != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Op)
	}
	if e.Message != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// WithOp sets the operation and returns the error.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithComponent sets the component and returns the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// New creates an error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err, classifying it with kind. Returns nil if err is nil.
func Wrap(err error, kind Kind, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Wrapf wraps err with a formatted message. Returns nil if err is nil.
func Wrapf(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf reports the Kind of err. Errors that are not *Error (anywhere in
// their chain) are Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsTransient reports whether err should be retried on a later cycle.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain matching target.
func As(err error, target interface{}) bool { return errors.As(err, target) }
