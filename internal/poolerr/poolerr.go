// Package poolerr defines the closed error-kind variant shared by every
// public operation of the memory pool. No panic crosses a façade or
// dispatcher boundary; callers get one of these kinds instead.
package poolerr

import (
	"errors"
	"fmt"
)

// Kind is a closed set of failure modes exposed to callers and, via the
// dispatcher, to wire clients.
type Kind uint8

const (
	// Unknown is the zero value and should never be returned deliberately.
	Unknown Kind = iota
	InvalidHandle
	InvalidParam
	OutOfMemory
	NotFound
	AlreadyExists
	IoFailed
)

// String renders a human-readable label for display and logging.
func (k Kind) String() string {
	switch k {
	case InvalidHandle:
		return "InvalidHandle"
	case InvalidParam:
		return "InvalidParam"
	case OutOfMemory:
		return "OutOfMemory"
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case IoFailed:
		return "IoFailed"
	default:
		return "Unknown"
	}
}

// ProtocolCode maps a Kind to its wire-level status byte.
func (k Kind) ProtocolCode() byte {
	switch k {
	case InvalidParam:
		return 2
	case OutOfMemory:
		return 3
	case NotFound:
		return 4
	case AlreadyExists:
		return 5
	case Unknown, IoFailed, InvalidHandle:
		return 255
	default:
		return 255
	}
}

// Error is the concrete error type returned by every pool operation.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // optional wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error, returning Unknown if err is not
// (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return Unknown
}
