// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"fmt"

	"github.com/gomlx/accelrt/pkg/core/codecache"
	"github.com/gomlx/accelrt/pkg/core/events"
	"github.com/gomlx/accelrt/pkg/core/objects"
)

// Access of a kernel to an object argument.
type Access int

const (
	// Read arguments are made present on the device before the launch.
	Read Access = iota

	// Write arguments are only allocated before the launch, and streamed out after it.
	Write

	// ReadWrite arguments are made present before the launch and streamed out after it.
	ReadWrite
)

var accessNames = [...]string{"Read", "Write", "ReadWrite"}

// String implements fmt.Stringer.
func (a Access) String() string {
	if a < 0 || int(a) >= len(accessNames) {
		return fmt.Sprintf("Access(%d)", int(a))
	}
	return accessNames[a]
}

// Arg is a positional argument of a Task: either a DataObject with its access, or a scalar.
type Arg struct {
	Object objects.DataObject
	Access Access
	Scalar any
}

// In returns a read-only object argument.
func In(obj objects.DataObject) Arg { return Arg{Object: obj, Access: Read} }

// Out returns a write-only object argument.
func Out(obj objects.DataObject) Arg { return Arg{Object: obj, Access: Write} }

// InOut returns a read-write object argument.
func InOut(obj objects.DataObject) Arg { return Arg{Object: obj, Access: ReadWrite} }

// Value returns a scalar argument.
func Value(v any) Arg { return Arg{Scalar: v} }

func (a Arg) reads() bool  { return a.Object != nil && a.Access != Write }
func (a Arg) writes() bool { return a.Object != nil && a.Access != Read }

// Task is one kernel invocation: the kernel signature, its positional arguments, and the events (of the
// same device) it must wait for.
type Task struct {
	Name     string
	Kernel   codecache.Signature
	Args     []Arg
	WaitList []events.ID
}

// objects returns the distinct objects of the task, in argument order.
func (t *Task) objects() []objects.DataObject {
	seen := make(map[objects.DataObject]bool, len(t.Args))
	objs := make([]objects.DataObject, 0, len(t.Args))
	for _, arg := range t.Args {
		if arg.Object != nil && !seen[arg.Object] {
			seen[arg.Object] = true
			objs = append(objs, arg.Object)
		}
	}
	return objs
}

// String implements fmt.Stringer.
func (t *Task) String() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Kernel.Entry
}

// State of a task execution.
type State int

const (
	Ready State = iota
	AwaitingTransfers
	Running
	AwaitingStreamOut
	Done
	Failed
)

var stateNames = [...]string{"READY", "AWAITING_TRANSFERS", "RUNNING", "AWAITING_STREAMOUT", "DONE", "FAILED"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// IsFinal returns whether the state is DONE or FAILED.
func (s State) IsFinal() bool { return s == Done || s == Failed }
