// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"

	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/pkg/core/codecache"
	"github.com/gomlx/accelrt/pkg/core/events"
	"github.com/gomlx/accelrt/pkg/core/failures"
	"github.com/gomlx/accelrt/pkg/core/memory"
	"github.com/gomlx/accelrt/pkg/core/objects"
	"github.com/pkg/errors"
)

// Stream is a view of a Device that issues commands on one of its queues. Commands of a stream run in
// submission order; commands of different streams are ordered only by wait lists.
type Stream struct {
	device *Device
	queue  int
}

// Device returns the device of the stream.
func (s *Stream) Device() *Device { return s.device }

// Queue returns the command queue index of the stream.
func (s *Stream) Queue() int { return s.queue }

// EnsureAllocated reserves device memory for obj without transferring it.
func (s *Stream) EnsureAllocated(obj objects.DataObject) error {
	if err := s.device.checkLoaded("EnsureAllocated"); err != nil {
		return err
	}
	return s.device.tracker.EnsureAllocated(obj)
}

// EnsurePresent makes the device copy of obj current, see state.Tracker.EnsurePresent.
func (s *Stream) EnsurePresent(obj objects.DataObject, waitList ...events.ID) ([]events.ID, error) {
	if err := s.device.checkLoaded("EnsurePresent"); err != nil {
		return nil, err
	}
	return s.device.tracker.EnsurePresent(s.queue, obj, waitList...)
}

// StreamIn unconditionally copies obj to the device.
func (s *Stream) StreamIn(obj objects.DataObject, waitList ...events.ID) (events.ID, error) {
	if err := s.device.checkLoaded("StreamIn"); err != nil {
		return 0, err
	}
	return s.device.tracker.StreamIn(s.queue, obj, waitList...)
}

// StreamOut copies the device copy of obj back to the host.
func (s *Stream) StreamOut(obj objects.DataObject, waitList ...events.ID) (events.ID, error) {
	if err := s.device.checkLoaded("StreamOut"); err != nil {
		return 0, err
	}
	return s.device.tracker.StreamOut(s.queue, obj, waitList...)
}

// StreamOutBlocking copies obj back to the host and waits for it.
func (s *Stream) StreamOutBlocking(obj objects.DataObject, waitList ...events.ID) error {
	if err := s.device.checkLoaded("StreamOutBlocking"); err != nil {
		return err
	}
	return s.device.tracker.StreamOutBlocking(s.queue, obj, waitList...)
}

// EnqueueKernel launches code with the arguments of stack once waitList resolved.
//
// Object arguments must be allocated on the device: they are resolved to their buffers at submission,
// and checked again against the memory epoch when the kernel starts. Marking which objects the kernel
// writes is up to the caller (state.Tracker.MarkDeviceWrite).
func (s *Stream) EnqueueKernel(code *codecache.InstalledCode, stack *CallStack, waitList ...events.ID) (events.ID, error) {
	d := s.device
	if err := d.checkLoaded("EnqueueKernel"); err != nil {
		return 0, err
	}
	if code == nil || code.Program == nil {
		return 0, failures.New(failures.InconsistentState, "%s: kernel enqueued without installed code", d)
	}
	if code.Key.DeviceID != d.id {
		return 0, failures.New(failures.InconsistentState, "%s: code %s was installed for another device", d, code)
	}
	if stack == nil {
		stack = &CallStack{}
	}
	args := make([]backends.Arg, len(stack.args))
	buffers := make([]memory.Buffer, 0, len(stack.args))
	for ii, arg := range stack.args {
		if arg.obj == nil {
			args[ii] = backends.ScalarArgument(arg.scalar)
			continue
		}
		st := d.tracker.State(arg.obj)
		if err := d.mem.Check(st.Buffer); err != nil {
			return 0, errors.WithMessagef(err, "%s: argument #%d (%T) of %q is not allocated on the device",
				d, ii, arg.obj, code.Entry)
		}
		size := uint64(arg.obj.SizeBytes())
		if size > st.Buffer.Size {
			return 0, failures.New(failures.InconsistentState, "%s: argument #%d (%T) of %q has %d bytes, its device buffer only %d",
				d, ii, arg.obj, code.Entry, size, st.Buffer.Size)
		}
		args[ii] = backends.BufferArgument(st.Buffer.Offset, size)
		buffers = append(buffers, st.Buffer)
	}
	program := code.Program
	return d.scheduler.EnqueueKernel(s.queue, code.Entry, func() error {
		for _, buf := range buffers {
			if err := d.mem.Check(buf); err != nil {
				return err
			}
		}
		return d.backend.Launch(d.num, program, args)
	}, waitList...)
}

// EnqueueBarrier submits a barrier on the stream's queue.
func (s *Stream) EnqueueBarrier(waitList ...events.ID) (events.ID, error) {
	if err := s.device.checkLoaded("EnqueueBarrier"); err != nil {
		return 0, err
	}
	return s.device.scheduler.EnqueueBarrier(s.queue, waitList...)
}

// EnqueueMarker submits a marker on the stream's queue.
func (s *Stream) EnqueueMarker(waitList ...events.ID) (events.ID, error) {
	if err := s.device.checkLoaded("EnqueueMarker"); err != nil {
		return 0, err
	}
	return s.device.scheduler.EnqueueMarker(s.queue, waitList...)
}

// Wait blocks until the given events resolved, see events.Scheduler.Wait.
func (s *Stream) Wait(ids ...events.ID) error {
	return s.WaitContext(context.Background(), ids...)
}

// WaitContext is like Wait with a context.
func (s *Stream) WaitContext(ctx context.Context, ids ...events.ID) error {
	if err := s.device.checkLoaded("Wait"); err != nil {
		return err
	}
	return s.device.scheduler.WaitContext(ctx, ids...)
}
