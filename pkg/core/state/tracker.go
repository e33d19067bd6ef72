// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package state

import (
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/pkg/core/events"
	"github.com/gomlx/accelrt/pkg/core/failures"
	"github.com/gomlx/accelrt/pkg/core/memory"
	"github.com/gomlx/accelrt/pkg/core/objects"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Transport copies bytes between host and a device buffer. It is called from the command queues.
type Transport interface {
	CopyToDevice(buf memory.Buffer, data []byte) error
	CopyFromDevice(buf memory.Buffer, data []byte) error
}

type entry struct {
	mu sync.Mutex
	ObjectState
}

// Tracker holds the ObjectState of every object on one device. It is safe for concurrent use, but the
// caller must own an object (e.g. one coordinator per task) while it changes its residency.
//
// DataObjects are used as map keys: they must be comparable, which all pointer implementations are.
type Tracker struct {
	name      string
	mem       *memory.Manager
	scheduler *events.Scheduler
	transport Transport

	mu      sync.Mutex
	entries map[objects.DataObject]*entry
}

// NewTracker creates a tracker that allocates from mem and issues transfers to scheduler.
func NewTracker(name string, mem *memory.Manager, scheduler *events.Scheduler, transport Transport) *Tracker {
	return &Tracker{
		name:      name,
		mem:       mem,
		scheduler: scheduler,
		transport: transport,
		entries:   make(map[objects.DataObject]*entry),
	}
}

// entry returns the record of obj, creating it as HostOnly if create is set.
func (t *Tracker) entry(obj objects.DataObject, create bool) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[obj]
	if e == nil && create {
		e = &entry{ObjectState: ObjectState{Residency: HostOnly, SizeBytes: obj.SizeBytes()}}
		t.entries[obj] = e
	}
	return e
}

// State of obj on the device. Untracked objects report Absent.
func (t *Tracker) State(obj objects.DataObject) ObjectState {
	e := t.entry(obj, false)
	if e == nil {
		return ObjectState{Residency: Absent}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ObjectState
}

// Residency of obj on the device.
func (t *Tracker) Residency(obj objects.DataObject) Residency {
	return t.State(obj).Residency
}

// Len returns the number of tracked objects.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// EnsureAllocated reserves a device buffer for obj without transferring it. A fresh allocation leaves
// the object StaleOnDevice. It's a no-op if obj already has a valid allocation large enough.
func (t *Tracker) EnsureAllocated(obj objects.DataObject) error {
	e := t.entry(obj, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.lockedEnsureAllocated(obj, e)
}

func (t *Tracker) lockedEnsureAllocated(obj objects.DataObject, e *entry) error {
	size := obj.SizeBytes()
	if e.Buffer.IsValid() && e.Buffer.Size >= uint64(size) && t.mem.Check(e.Buffer) == nil {
		return nil
	}
	buf, err := t.mem.Allocate(uint64(size))
	if err != nil {
		return errors.WithMessagef(err, "%s: allocating %s for %T", t.name, humanize.IBytes(uint64(size)), obj)
	}
	e.Buffer = buf
	e.SizeBytes = size
	e.Residency = StaleOnDevice
	return nil
}

// EnsurePresent makes sure the device holds a copy of obj matching the current host version.
//
// If it already does, no command is issued: the returned list is empty, or holds the last write of the
// object if that is still pending, so callers can depend on it. Otherwise obj is allocated if needed and
// a transfer-in waiting on waitList is issued on the given queue, and its event is returned.
// Allocation failures are returned synchronously as RESOURCE_EXHAUSTION.
func (t *Tracker) EnsurePresent(queue int, obj objects.DataObject, waitList ...events.ID) ([]events.ID, error) {
	e := t.entry(obj, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Residency.OnDevice() && obj.Version() == e.SyncedVersion && t.mem.Check(e.Buffer) == nil {
		if e.LastWrite != 0 && !t.scheduler.Status(e.LastWrite).IsResolved() {
			return []events.ID{e.LastWrite}, nil
		}
		return nil, nil
	}
	id, err := t.lockedStreamIn(queue, obj, e, waitList)
	if err != nil {
		return nil, err
	}
	return []events.ID{id}, nil
}

// StreamIn unconditionally copies obj to the device, waiting on waitList.
func (t *Tracker) StreamIn(queue int, obj objects.DataObject, waitList ...events.ID) (events.ID, error) {
	e := t.entry(obj, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.lockedStreamIn(queue, obj, e, waitList)
}

func (t *Tracker) lockedStreamIn(queue int, obj objects.DataObject, e *entry, waitList []events.ID) (events.ID, error) {
	previous := e.ObjectState
	if err := t.lockedEnsureAllocated(obj, e); err != nil {
		return 0, err
	}
	// The host contents are captured now: later host modifications don't leak into this transfer.
	version := obj.Version()
	staging := objects.Snapshot(obj)
	buf := e.Buffer
	id, err := t.scheduler.Submit(events.Command{
		Kind:        events.TransferIn,
		Queue:       queue,
		Description: fmt.Sprintf("%T -> %s", obj, buf),
		Bytes:       int64(len(staging)),
		WaitList:    waitList,
		Run:         func() error { return t.transport.CopyToDevice(buf, staging) },
		OnResolve: func(ev events.Event) {
			if ev.Status == events.Complete {
				return
			}
			e.mu.Lock()
			defer e.mu.Unlock()
			if e.LastWrite == ev.ID {
				// The allocation is kept for a retry, but its contents may be partially written.
				klog.Warningf("%s: transfer-in #%d of %T failed, device copy is stale", t.name, ev.ID, obj)
				e.Residency = StaleOnDevice
				e.SyncedVersion = previous.SyncedVersion
				e.LastWrite = previous.LastWrite
			}
		},
	})
	if err != nil {
		return 0, err
	}
	e.Residency = DeviceOnly
	e.SyncedVersion = version
	e.LastWrite = id
	klog.V(2).Infof("%s: stream in %T (%s) as event #%d", t.name, obj, humanize.IBytes(uint64(len(staging))), id)
	return id, nil
}

// StreamOut copies the device copy of obj back to the host, waiting on waitList. When the returned event
// completes the host is refreshed and obj becomes ValidBoth; if it fails the residency is unchanged.
// It fails with INCONSISTENT_STATE if the device doesn't hold a valid copy.
func (t *Tracker) StreamOut(queue int, obj objects.DataObject, waitList ...events.ID) (events.ID, error) {
	e := t.entry(obj, false)
	if e == nil {
		return 0, failures.New(failures.InconsistentState, "%s: stream out of untracked %T", t.name, obj)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Residency.OnDevice() {
		return 0, failures.New(failures.InconsistentState, "%s: stream out of %T in state %s: the device holds no valid copy",
			t.name, obj, e.Residency)
	}
	if err := t.mem.Check(e.Buffer); err != nil {
		return 0, errors.WithMessagef(err, "%s: stream out of %T", t.name, obj)
	}
	buf := e.Buffer
	lastWrite := e.LastWrite
	size := obj.SizeBytes()
	id, err := t.scheduler.Submit(events.Command{
		Kind:        events.TransferOut,
		Queue:       queue,
		Description: fmt.Sprintf("%s -> %T", buf, obj),
		Bytes:       int64(size),
		WaitList:    waitList,
		Run: func() error {
			host := make([]byte, size)
			if err := t.transport.CopyFromDevice(buf, host); err != nil {
				return err
			}
			return obj.Refresh(host)
		},
		OnResolve: func(ev events.Event) {
			if ev.Status != events.Complete {
				return
			}
			e.mu.Lock()
			defer e.mu.Unlock()
			// A device write issued after the stream out makes the refreshed host copy outdated again.
			if e.Buffer == buf && e.Residency.OnDevice() && e.LastWrite == lastWrite {
				e.Residency = ValidBoth
				e.SyncedVersion = obj.Version()
			}
		},
	})
	if err != nil {
		return 0, err
	}
	klog.V(2).Infof("%s: stream out %T (%s) as event #%d", t.name, obj, humanize.IBytes(uint64(size)), id)
	return id, nil
}

// StreamOutBlocking is StreamOut followed by waiting for its event.
func (t *Tracker) StreamOutBlocking(queue int, obj objects.DataObject, waitList ...events.ID) error {
	id, err := t.StreamOut(queue, obj, waitList...)
	if err != nil {
		return err
	}
	return t.scheduler.Wait(id)
}

// MarkDeviceWrite records that the event ev (a kernel) writes the device copy of obj, which becomes
// DeviceOnly. obj must have a device allocation.
func (t *Tracker) MarkDeviceWrite(obj objects.DataObject, ev events.ID) error {
	e := t.entry(obj, false)
	if e == nil {
		return failures.New(failures.InconsistentState, "%s: device write to untracked %T", t.name, obj)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.Buffer.IsValid() {
		return failures.New(failures.InconsistentState, "%s: device write to %T, which has no device allocation", t.name, obj)
	}
	e.Residency = DeviceOnly
	e.LastWrite = ev
	e.SyncedVersion = obj.Version()
	return nil
}

// MarkHostWrite records that the host copy of obj became authoritative: a valid device copy becomes
// StaleOnDevice. Modifications through the objects' API are detected without calling it.
func (t *Tracker) MarkHostWrite(obj objects.DataObject) {
	e := t.entry(obj, false)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.Residency.OnDevice() {
		e.Residency = StaleOnDevice
	}
}

// Reset destroys every record: all objects become Absent.
// Pending transfers must have resolved, see events.Scheduler.Reset.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	klog.V(1).Infof("%s: dropping the state of %d objects", t.name, len(t.entries))
	t.entries = make(map[objects.DataObject]*entry)
}

// Dump writes one line per tracked object to w.
func (t *Tracker) Dump(w io.Writer) error {
	t.mu.Lock()
	lines := make([]string, 0, len(t.entries))
	for obj, e := range t.entries {
		e.mu.Lock()
		lines = append(lines, fmt.Sprintf("  %v: %s", obj, e.ObjectState))
		e.mu.Unlock()
	}
	t.mu.Unlock()
	slices.Sort(lines)
	if _, err := fmt.Fprintf(w, "%s: %d objects tracked\n", t.name, len(lines)); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
