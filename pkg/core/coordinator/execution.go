// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/accelrt/pkg/core/events"
	"github.com/gomlx/accelrt/pkg/support/xsync"
)

// Features of one task execution, collected when Options.FeatureExtraction is set.
type Features struct {
	TaskID, Task, Device string

	NumArgs, NumObjects int
	Transfers           int
	BytesIn, BytesOut   int64

	TransferTime, KernelTime time.Duration

	// Total is the wall time from Run to the final state.
	Total time.Duration
}

// String implements fmt.Stringer.
func (f Features) String() string {
	return fmt.Sprintf("task %s (%s) on %s: %d args, %d objects, %d transfers (%d bytes in, %d bytes out), "+
		"transfers %s, kernel %s, total %s", f.Task, f.TaskID, f.Device, f.NumArgs, f.NumObjects, f.Transfers,
		f.BytesIn, f.BytesOut, f.TransferTime, f.KernelTime, f.Total)
}

// Execution of a Task. It reaches DONE or FAILED on its own; Wait blocks until then.
type Execution struct {
	// ID of the execution, unique.
	ID   string
	Task *Task

	mu        sync.Mutex
	state     State
	history   []State
	err       error
	features  *Features
	startTime time.Time

	transfers []events.ID
	kernel    events.ID
	streamOut []events.ID

	done *xsync.Latch
}

func (e *Execution) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
	e.history = append(e.history, s)
}

// State of the execution.
func (e *Execution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// History returns the states the execution went through, in order.
func (e *Execution) History() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}

// Err returns the failure of the execution, or nil.
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Features returns the features of the execution, if it finished and feature extraction was enabled.
func (e *Execution) Features() (Features, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.features == nil {
		return Features{}, false
	}
	return *e.features, true
}

// Events returns the events issued for the execution: transfers in, kernel (0 if not launched) and
// transfers out.
func (e *Execution) Events() (transfers []events.ID, kernel events.ID, streamOut []events.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.transfers), e.kernel, slices.Clone(e.streamOut)
}

// Last returns the events a dependent task should wait for: the stream-outs, or the kernel if
// nothing is streamed out.
func (e *Execution) Last() []events.ID {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.streamOut) > 0 {
		return slices.Clone(e.streamOut)
	}
	if e.kernel != 0 {
		return []events.ID{e.kernel}
	}
	return nil
}

// Wait blocks until the execution is DONE or FAILED, and returns its failure.
func (e *Execution) Wait() error {
	e.done.Wait()
	return e.Err()
}

// WaitContext is like Wait, but returns early with ctx's error if ctx is done.
// The execution continues regardless.
func (e *Execution) WaitContext(ctx context.Context) error {
	if err := e.done.WaitContext(ctx); err != nil {
		return err
	}
	return e.Err()
}

// String implements fmt.Stringer.
func (e *Execution) String() string {
	return fmt.Sprintf("Execution(%s %s, %s)", e.Task, e.ID, e.State())
}
