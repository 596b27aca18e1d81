// Package errcode provides the coded error type shared by Notewell services.
package errcode

import "fmt"

// Error carries a machine-readable code alongside the underlying cause.
// Codes take the form "package.operation.reason".
type Error struct {
	code string
	err  error
}

// New builds a coded error for the given operation and reason.
func New(operation, reason string, cause error) error {
	return &Error{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Code exposes the machine-readable error code.
func (e *Error) Code() string {
	return e.code
}
