// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package failures defines the error taxonomy of the runtime.
//
// RESOURCE_EXHAUSTION, COMPILATION_FAILURE and INCONSISTENT_STATE are returned synchronously by the call
// that triggered them. TRANSFER_FAILURE and LAUNCH_FAILURE are attached to FAILED events and surface
// when the event is resolved.
//
// Errors are created with github.com/pkg/errors, so they carry a stack trace printable with "%+v".
package failures

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind of failure.
type Kind int

const (
	// Unknown is used for errors that were not created by this package.
	Unknown Kind = iota

	// ResourceExhaustion is an allocation failure: the device region or a bump allocation inside it.
	ResourceExhaustion

	// TransferFailure is a failed host<->device copy.
	TransferFailure

	// CompilationFailure means the kernel compiler could not produce device code.
	CompilationFailure

	// LaunchFailure means a kernel invocation was rejected or faulted.
	LaunchFailure

	// InconsistentState is a protocol violation by the caller, e.g. streaming out an object that
	// has no device copy. It is never retried.
	InconsistentState
)

var kindNames = [...]string{
	Unknown:            "UNKNOWN",
	ResourceExhaustion: "RESOURCE_EXHAUSTION",
	TransferFailure:    "TRANSFER_FAILURE",
	CompilationFailure: "COMPILATION_FAILURE",
	LaunchFailure:      "LAUNCH_FAILURE",
	InconsistentState:  "INCONSISTENT_STATE",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Error is a classified runtime failure.
type Error struct {
	Kind Kind

	// Event is the id of the event where the failure originated, or 0 if it didn't originate
	// in an asynchronous command.
	Event int64

	// Diagnostics holds free-form details, e.g. compiler output.
	Diagnostics string

	cause error
}

// New creates a new Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap classifies err with the given kind, adding a formatted message.
// If err is nil it returns nil.
func Wrap(err error, kind Kind, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, cause: errors.WithMessagef(err, format, args...)}
}

// WithEvent returns a copy of the error attached to the originating event id.
func (e *Error) WithEvent(id int64) *Error {
	e2 := *e
	e2.Event = id
	return &e2
}

// WithDiagnostics returns a copy of the error with diagnostics attached.
func (e *Error) WithDiagnostics(diagnostics string) *Error {
	e2 := *e
	e2.Diagnostics = diagnostics
	return &e2
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Kind, e.cause)
	if e.Event != 0 {
		msg = fmt.Sprintf("%s (event #%d)", msg, e.Event)
	}
	return msg
}

// Format implements fmt.Formatter, so "%+v" prints the stack trace of the cause.
func (e *Error) Format(s fmt.State, verb rune) {
	if verb == 'v' && s.Flag('+') {
		_, _ = fmt.Fprintf(s, "%s", e.Kind)
		if e.Event != 0 {
			_, _ = fmt.Fprintf(s, " (event #%d)", e.Event)
		}
		_, _ = fmt.Fprintf(s, ": %+v", e.cause)
		if e.Diagnostics != "" {
			_, _ = fmt.Fprintf(s, "\nDiagnostics:\n%s", e.Diagnostics)
		}
		return
	}
	_, _ = fmt.Fprint(s, e.Error())
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.cause }

// Cause implements github.com/pkg/errors causer interface.
func (e *Error) Cause() error { return e.cause }

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Unknown
}

// EventOf returns the originating event id of err, or 0.
func EventOf(err error) int64 {
	if e, ok := As(err); ok {
		return e.Event
	}
	return 0
}

// Is reports whether err is classified with the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetriable reports whether a caller may retry the operation that produced err.
// Protocol violations are never retriable; retry policy otherwise belongs to the caller.
func IsRetriable(err error) bool {
	switch KindOf(err) {
	case ResourceExhaustion, TransferFailure, CompilationFailure, LaunchFailure:
		return true
	default:
		return false
	}
}
