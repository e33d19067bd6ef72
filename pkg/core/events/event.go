// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package events

import (
	"fmt"
	"time"
)

// ID of an event. Ids are issued monotonically per Scheduler, starting at 1; 0 is never a valid event.
type ID int64

// Kind of command that produced an event.
type Kind int

const (
	TransferIn Kind = iota
	TransferOut
	Kernel
	Marker
	Barrier
	numKinds
)

var kindNames = [numKinds]string{"TransferIn", "TransferOut", "Kernel", "Marker", "Barrier"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Status of an event.
type Status int

const (
	// Queued commands are buffered in the scheduler, waiting for a Flush.
	Queued Status = iota

	// Submitted commands were dispatched to their queue and wait for their turn or their wait list.
	Submitted

	// Running commands are executing on the device.
	Running

	// Complete is the successful terminal state.
	Complete

	// Failed is the unsuccessful terminal state: the command failed, or one of its dependencies did.
	Failed
)

var statusNames = [...]string{"QUEUED", "SUBMITTED", "RUNNING", "COMPLETE", "FAILED"}

// String implements fmt.Stringer.
func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// IsResolved returns whether the status is terminal.
func (s Status) IsResolved() bool { return s == Complete || s == Failed }

// Event is a snapshot of the state of a submitted command.
type Event struct {
	ID          ID
	Kind        Kind
	Queue       int
	Status      Status
	Description string

	// WaitList of the command, de-duplicated and sorted.
	WaitList []ID

	// Err is set for Failed events. It is a *failures.Error whose Event field holds the originating
	// event, which is this event itself unless it failed because of a dependency.
	Err error

	// Origin of the failure, for Failed events.
	Origin ID

	// Bytes moved by transfers, informative.
	Bytes int64

	Submitted, Started, Completed time.Time

	// Reclaimed is set for events whose record was pruned from the arena after completing successfully:
	// only ID and Status are meaningful.
	Reclaimed bool
}

// Duration of the execution of the command, or 0 if it didn't run.
func (e Event) Duration() time.Duration {
	if e.Started.IsZero() || e.Completed.IsZero() {
		return 0
	}
	return e.Completed.Sub(e.Started)
}

// String implements fmt.Stringer.
func (e Event) String() string {
	if e.Reclaimed {
		return fmt.Sprintf("#%d[%s, reclaimed]", e.ID, e.Status)
	}
	return fmt.Sprintf("#%d[%s q%d %s]", e.ID, e.Kind, e.Queue, e.Status)
}

// Command to be submitted to a Scheduler.
type Command struct {
	Kind        Kind
	Queue       int
	Description string
	WaitList    []ID
	Bytes       int64

	// Run executes the command on the device. It is called by the queue worker once every event in
	// WaitList completed successfully, and never if any of them failed. It may be nil for
	// synchronization commands.
	Run func() error

	// OnResolve, if set, is called with the final snapshot of the event, before any waiter on the
	// event is released.
	OnResolve func(Event)
}
