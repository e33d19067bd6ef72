// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package coordinator drives the execution of tasks on a device: it makes the inputs present, launches
// the kernel and streams the outputs back, moving each task through
// READY -> AWAITING_TRANSFERS -> RUNNING -> AWAITING_STREAMOUT -> DONE, or to FAILED from any step.
//
// With the Blocking policy every stage waits for the events of the previous one before being submitted.
// With the Deferred policy all stages are submitted at once, ordered by wait lists, and the execution
// resolves on its own.
//
// On failure the remaining steps are not run, the object states of the task are restored to their last
// known good values, and the error carries the failure kind and the event where it originated.
package coordinator

import (
	"context"
	"time"

	"github.com/gomlx/accelrt/pkg/core/device"
	"github.com/gomlx/accelrt/pkg/core/events"
	"github.com/gomlx/accelrt/pkg/core/failures"
	"github.com/gomlx/accelrt/pkg/core/objects"
	"github.com/gomlx/accelrt/pkg/core/state"
	"github.com/gomlx/accelrt/pkg/support/sets"
	"github.com/gomlx/accelrt/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Policy of synchronization between the stages of a task.
type Policy int

const (
	// Blocking waits for every stage to resolve before submitting the next one.
	Blocking Policy = iota

	// Deferred submits all stages with wait lists and lets the caller wait on the Execution.
	Deferred
)

// Options of a Coordinator.
type Options struct {
	Policy Policy

	// Queue of the device the coordinator issues its commands on.
	Queue int

	// FeatureExtraction collects and logs the Features of each execution.
	FeatureExtraction bool
}

// DefaultOptions for the device: Blocking policy on queue 0, feature extraction as configured in the device.
func DefaultOptions(d *device.Device) Options {
	return Options{Policy: Blocking, FeatureExtraction: d.Config().FeatureExtraction}
}

// Coordinator runs tasks on one device. It is safe for concurrent use, provided concurrent tasks don't
// share objects they write.
type Coordinator struct {
	device  *device.Device
	stream  *device.Stream
	options Options
}

// New creates a coordinator for the device.
func New(d *device.Device, options Options) (*Coordinator, error) {
	stream, err := d.Stream(options.Queue)
	if err != nil {
		return nil, err
	}
	return &Coordinator{device: d, stream: stream, options: options}, nil
}

// Device returns the device of the coordinator.
func (c *Coordinator) Device() *device.Device { return c.device }

// Run executes the task.
//
// With the Blocking policy it returns when the execution is DONE or FAILED, and the error is the
// execution's failure. With the Deferred policy it returns once every stage was submitted; synchronous
// failures (compilation, allocation) are still returned, asynchronous ones are reported by
// Execution.Wait.
//
// If ctx is cancelled while blocking, Run returns ctx's error; the execution keeps going and resolves on
// its own.
func (c *Coordinator) Run(ctx context.Context, task *Task) (*Execution, error) {
	exec := &Execution{
		ID:        uuid.NewString(),
		Task:      task,
		startTime: time.Now(),
		done:      xsync.NewLatch(),
	}
	exec.setState(Ready)
	tracker := c.device.Tracker()
	snapshot := tracker.Snapshot(task.objects()...)

	fail := func(err error) (*Execution, error) {
		c.finalize(exec, snapshot, err)
		return exec, exec.Err()
	}

	if err := ctx.Err(); err != nil {
		return fail(errors.Wrapf(err, "task %s", task))
	}
	code, err := c.device.InstallCode(task.Kernel)
	if err != nil {
		return fail(err)
	}
	stack, err := c.device.CreateStack(len(task.Args))
	if err != nil {
		return fail(err)
	}
	for ii, arg := range task.Args {
		if arg.Object != nil {
			err = stack.PushObject(arg.Object)
		} else {
			err = stack.PushScalar(arg.Scalar)
		}
		if err != nil {
			return fail(errors.WithMessagef(err, "argument #%d", ii))
		}
	}

	// Transfers.
	exec.setState(AwaitingTransfers)
	var transfers []events.ID
	for _, arg := range task.Args {
		switch {
		case arg.reads():
			var evs []events.ID
			evs, err = c.stream.EnsurePresent(arg.Object, task.WaitList...)
			transfers = append(transfers, evs...)
		case arg.writes():
			err = c.stream.EnsureAllocated(arg.Object)
		}
		if err != nil {
			break
		}
	}
	transfers = sets.Unique(transfers)
	exec.mu.Lock()
	exec.transfers = transfers
	exec.mu.Unlock()
	if err != nil {
		return fail(err)
	}
	if c.options.Policy == Blocking {
		if err = c.stream.WaitContext(ctx, transfers...); err != nil {
			return c.abandon(ctx, exec, snapshot, err)
		}
	}

	// Kernel.
	exec.setState(Running)
	kernelWaitList := append(append([]events.ID(nil), task.WaitList...), transfers...)
	kernel, err := c.stream.EnqueueKernel(code, stack, kernelWaitList...)
	if err != nil {
		return fail(err)
	}
	exec.mu.Lock()
	exec.kernel = kernel
	exec.mu.Unlock()
	for _, arg := range task.Args {
		if arg.writes() {
			if err = tracker.MarkDeviceWrite(arg.Object, kernel); err != nil {
				return fail(err)
			}
		}
	}
	if c.options.Policy == Blocking {
		if err = c.stream.WaitContext(ctx, kernel); err != nil {
			return c.abandon(ctx, exec, snapshot, err)
		}
	}

	// Stream out.
	exec.setState(AwaitingStreamOut)
	var outs []events.ID
	for _, obj := range task.objects() {
		if !writtenBy(task, obj) {
			continue
		}
		var out events.ID
		out, err = c.stream.StreamOut(obj, kernel)
		if err != nil {
			break
		}
		outs = append(outs, out)
	}
	exec.mu.Lock()
	exec.streamOut = outs
	exec.mu.Unlock()
	if err != nil {
		return fail(err)
	}

	if c.options.Policy == Deferred {
		go c.resolveDeferred(exec, snapshot)
		return exec, nil
	}
	if err = c.stream.WaitContext(ctx, outs...); err != nil {
		return c.abandon(ctx, exec, snapshot, err)
	}
	c.finalize(exec, snapshot, nil)
	return exec, nil
}

// writtenBy returns whether any argument of the task writes obj.
func writtenBy(task *Task, obj objects.DataObject) bool {
	for _, arg := range task.Args {
		if arg.Object == obj && arg.writes() {
			return true
		}
	}
	return false
}

// abandon handles an error while blocking: a cancelled context leaves the execution to resolve in the
// background, any other error is the failure of the execution.
func (c *Coordinator) abandon(ctx context.Context, exec *Execution, snapshot *state.Snapshot, err error) (*Execution, error) {
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		go c.resolveDeferred(exec, snapshot)
		return exec, errors.Wrapf(ctxErr, "task %s", exec.Task)
	}
	c.finalize(exec, snapshot, err)
	return exec, exec.Err()
}

// resolveDeferred waits for every issued event and finalizes the execution.
func (c *Coordinator) resolveDeferred(exec *Execution, snapshot *state.Snapshot) {
	transfers, kernel, outs := exec.Events()
	var err error
	stages := [][]events.ID{transfers, nil, outs}
	if kernel != 0 {
		stages[1] = []events.ID{kernel}
	}
	for _, ids := range stages {
		if len(ids) == 0 {
			continue
		}
		if err = c.device.Scheduler().Wait(ids...); err != nil {
			break
		}
	}
	c.finalize(exec, snapshot, err)
}

// finalize moves the execution to its final state. On failure it waits for every issued event, so
// that no transfer of the task is still in flight, and restores the object states.
func (c *Coordinator) finalize(exec *Execution, snapshot *state.Snapshot, err error) {
	transfers, kernel, outs := exec.Events()
	if err != nil {
		issued := append(append([]events.ID(nil), transfers...), outs...)
		if kernel != 0 {
			issued = append(issued, kernel)
		}
		// Failures of these events are either err itself or its consequences.
		_ = c.device.Scheduler().Wait(issued...)
		var clobbered []objects.DataObject
		if kernel != 0 {
			for _, arg := range exec.Task.Args {
				if arg.writes() {
					clobbered = append(clobbered, arg.Object)
				}
			}
		}
		c.device.Tracker().Restore(snapshot, clobbered...)
		err = errors.WithMessagef(err, "task %s (%s) failed in state %s", exec.Task, exec.ID, exec.State())
		klog.Warningf("%s: %v; object states rolled back (failure kind %s, originating event #%d)",
			c.device, err, failures.KindOf(err), failures.EventOf(err))
	}

	var features *Features
	if c.options.FeatureExtraction {
		f := c.extractFeatures(exec, transfers, kernel, outs)
		features = &f
		klog.Infof("%s: %s", c.device, f)
	}

	exec.mu.Lock()
	exec.err = err
	exec.features = features
	if err != nil {
		exec.state = Failed
		exec.history = append(exec.history, Failed)
	} else {
		exec.state = Done
		exec.history = append(exec.history, Done)
	}
	exec.mu.Unlock()
	exec.done.Trigger()
}

// extractFeatures from the resolved events of the execution.
func (c *Coordinator) extractFeatures(exec *Execution, transfers []events.ID, kernel events.ID, outs []events.ID) Features {
	task := exec.Task
	f := Features{
		TaskID:     exec.ID,
		Task:       task.String(),
		Device:     c.device.ID(),
		NumArgs:    len(task.Args),
		NumObjects: len(task.objects()),
		Transfers:  len(transfers) + len(outs),
		Total:      time.Since(exec.startTime),
	}
	for _, id := range transfers {
		if ev, err := c.device.ResolveEvent(id); err == nil {
			f.BytesIn += ev.Bytes
			f.TransferTime += ev.Duration()
		}
	}
	for _, id := range outs {
		if ev, err := c.device.ResolveEvent(id); err == nil {
			f.BytesOut += ev.Bytes
			f.TransferTime += ev.Duration()
		}
	}
	if kernel != 0 {
		if ev, err := c.device.ResolveEvent(kernel); err == nil {
			f.KernelTime = ev.Duration()
		}
	}
	return f
}

// RunAll runs independent tasks concurrently on the device, each on its own command queue when the
// device has enough (round-robin otherwise), with the policy and feature extraction of options.
// It returns the executions in task order, and the first error.
func RunAll(ctx context.Context, d *device.Device, options Options, tasks ...*Task) ([]*Execution, error) {
	execs := make([]*Execution, len(tasks))
	g, ctx := errgroup.WithContext(ctx)
	for ii, task := range tasks {
		opts := options
		opts.Queue = ii % d.NumQueues()
		c, err := New(d, opts)
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			exec, err := c.Run(ctx, task)
			execs[ii] = exec
			if err != nil {
				return err
			}
			if options.Policy == Deferred {
				return exec.WaitContext(ctx)
			}
			return nil
		})
	}
	err := g.Wait()
	return execs, err
}
