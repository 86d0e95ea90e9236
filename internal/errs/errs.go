// Package errs defines the RPC-visible error kinds shared by every Rialto
// engine and the plumbing to attach a root cause to one without leaking it
// across the RPC boundary.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error kinds from the error handling design.
type Kind int

const (
	// InvalidState: operation not allowed in current session/server state.
	InvalidState Kind = iota
	// UnknownID: sessionId/sourceId/mediaKeysHandle not found.
	UnknownID
	// Capacity: exceeded maxPlaybacks or maxWebAudio.
	Capacity
	// BadArgument: malformed config, unsupported mime type, bad DRM header.
	BadArgument
	// ShmExhausted: segment doesn't fit the designated slot.
	ShmExhausted
	// PipelineFailure: streaming-framework call returned failure.
	PipelineFailure
	// StaleHaveData: haveData with wrong requestId.
	StaleHaveData
)

func (k Kind) String() string {
	switch k {
	case InvalidState:
		return "InvalidState"
	case UnknownID:
		return "UnknownId"
	case Capacity:
		return "Capacity"
	case BadArgument:
		return "BadArgument"
	case ShmExhausted:
		return "ShmExhausted"
	case PipelineFailure:
		return "PipelineFailure"
	case StaleHaveData:
		return "StaleHaveData"
	default:
		return "Unknown"
	}
}

// Error is a kinded failure. The RPC layer inspects Kind to decide the
// failure response; Cause (via errors.Cause) recovers the wrapped root
// fault for logging without exposing it to the client.
type Error struct {
	Kind  Kind
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.cause)
	}
	return e.Kind.String()
}

func (e *Error) Cause() error { return e.cause }
func (e *Error) Unwrap() error { return e.cause }

// New builds a kinded error with no wrapped cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, cause: errors.New(msg)}
}

// Wrap attaches kind to an existing root cause, preserving it for
// errors.Cause while the RPC layer only sees Kind.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, cause: cause}
}

// Wrapf is Wrap with a formatted root cause, grounded on the pack's use of
// github.com/pkg/errors.Wrapf to annotate faults at each call site.
func Wrapf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// KindOf extracts the Kind from err if it is (or wraps) an *Error.
// Unrecognized errors are reported as PipelineFailure, the catch-all for
// faults surfacing from the external streaming framework.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return PipelineFailure, false
}
