// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"

	"github.com/gomlx/accelrt/pkg/core/codecache"
	"github.com/gomlx/accelrt/pkg/core/events"
	"github.com/gomlx/accelrt/pkg/core/objects"
	"github.com/gomlx/accelrt/pkg/core/state"
)

// EnsureAllocated reserves device memory for obj without transferring it.
func (d *Device) EnsureAllocated(obj objects.DataObject) error { return d.stream0.EnsureAllocated(obj) }

// EnsurePresent makes the device copy of obj current, on queue 0.
func (d *Device) EnsurePresent(obj objects.DataObject, waitList ...events.ID) ([]events.ID, error) {
	return d.stream0.EnsurePresent(obj, waitList...)
}

// StreamIn unconditionally copies obj to the device, on queue 0.
func (d *Device) StreamIn(obj objects.DataObject, waitList ...events.ID) (events.ID, error) {
	return d.stream0.StreamIn(obj, waitList...)
}

// StreamOut copies obj back to the host, on queue 0.
func (d *Device) StreamOut(obj objects.DataObject, waitList ...events.ID) (events.ID, error) {
	return d.stream0.StreamOut(obj, waitList...)
}

// StreamOutBlocking copies obj back to the host, on queue 0, and waits for it.
func (d *Device) StreamOutBlocking(obj objects.DataObject, waitList ...events.ID) error {
	return d.stream0.StreamOutBlocking(obj, waitList...)
}

// EnqueueKernel launches code on queue 0.
func (d *Device) EnqueueKernel(code *codecache.InstalledCode, stack *CallStack, waitList ...events.ID) (events.ID, error) {
	return d.stream0.EnqueueKernel(code, stack, waitList...)
}

// EnqueueBarrier submits a barrier on queue 0.
func (d *Device) EnqueueBarrier(waitList ...events.ID) (events.ID, error) {
	return d.stream0.EnqueueBarrier(waitList...)
}

// EnqueueMarker submits a marker on queue 0.
func (d *Device) EnqueueMarker(waitList ...events.ID) (events.ID, error) {
	return d.stream0.EnqueueMarker(waitList...)
}

// State of obj on this device.
func (d *Device) State(obj objects.DataObject) state.ObjectState { return d.tracker.State(obj) }

// MarkEvent submits a marker over all outstanding commands of the device.
func (d *Device) MarkEvent() (events.ID, error) {
	if err := d.checkLoaded("MarkEvent"); err != nil {
		return 0, err
	}
	return d.scheduler.MarkEvent()
}

// FlushEvents reclaims the records of completed events nothing depends on, and returns how many.
func (d *Device) FlushEvents() int { return d.scheduler.FlushEvents() }

// Flush dispatches buffered commands.
func (d *Device) Flush() error {
	if err := d.checkLoaded("Flush"); err != nil {
		return err
	}
	d.scheduler.Flush()
	return nil
}

// Sync blocks until every outstanding command of the device resolved.
func (d *Device) Sync() error { return d.SyncContext(context.Background()) }

// SyncContext is like Sync with a context.
func (d *Device) SyncContext(ctx context.Context) error {
	if err := d.checkLoaded("Sync"); err != nil {
		return err
	}
	return d.scheduler.SyncContext(ctx)
}

// ResolveEvent returns the snapshot of an event without blocking.
func (d *Device) ResolveEvent(id events.ID) (events.Event, error) { return d.scheduler.Resolve(id) }

// Wait blocks until the given events resolved, and returns the first failure.
func (d *Device) Wait(ids ...events.ID) error { return d.stream0.Wait(ids...) }

// WaitContext is like Wait with a context.
func (d *Device) WaitContext(ctx context.Context, ids ...events.ID) error {
	return d.stream0.WaitContext(ctx, ids...)
}
