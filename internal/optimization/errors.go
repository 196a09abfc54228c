package optimization

import "fmt"

// Error is an optimization error with operation context.
type Error struct {
	// Message describes what went wrong.
	Message string
	// Op is the operation that failed.
	Op string
	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	default:
		return e.Message
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError creates an optimization error for the given operation.
func NewError(op, message string) *Error {
	return &Error{Op: op, Message: message}
}

// NewErrorf creates an optimization error with a formatted message.
func NewErrorf(op, format string, args ...interface{}) *Error {
	return &Error{Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps an underlying error with operation context.
// Returns nil if err is nil.
func WrapError(err error, op, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Message: message, Err: err}
}
