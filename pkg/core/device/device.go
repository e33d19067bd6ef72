// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device implements the Device facade: one accelerator of a backend, composing its memory
// manager, command queues, object state tracker and code cache behind a single contract.
//
// A Device must be initialized with EnsureLoaded, which reserves the device heap; every other
// operation fails fast with INCONSISTENT_STATE until then, and after Finalize.
//
// Device methods issue their commands on queue 0. Stream returns a view of the same device bound to
// another queue, so independent work can proceed concurrently.
package device

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/pkg/core/codecache"
	"github.com/gomlx/accelrt/pkg/core/events"
	"github.com/gomlx/accelrt/pkg/core/failures"
	"github.com/gomlx/accelrt/pkg/core/memory"
	"github.com/gomlx/accelrt/pkg/core/state"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is one accelerator. It is safe for concurrent use.
type Device struct {
	id         string
	instanceID string
	backend    backends.Backend
	num        backends.DeviceNum
	caps       backends.Capabilities
	config     Config

	mem       *memory.Manager
	scheduler *events.Scheduler
	tracker   *state.Tracker
	cache     *codecache.Cache
	stream0   *Stream

	mu        sync.Mutex
	loaded    bool
	finalized bool
}

// heapReserver adapts the backend heap primitives of one device to memory.Reserver.
type heapReserver struct {
	backend backends.Backend
	num     backends.DeviceNum
}

func (r heapReserver) ReserveHeap(sizeBytes uint64) error {
	return r.backend.ReserveHeap(r.num, sizeBytes)
}
func (r heapReserver) ReleaseHeap() error { return r.backend.ReleaseHeap(r.num) }

// New creates the Device deviceNum of backend, compiling kernels with compiler.
// The device is not usable until EnsureLoaded is called.
func New(backend backends.Backend, deviceNum backends.DeviceNum, compiler codecache.Compiler, config Config) (*Device, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if compiler == nil {
		return nil, failures.New(failures.InconsistentState, "device: nil compiler")
	}
	caps, err := backend.DeviceCapabilities(deviceNum)
	if err != nil {
		return nil, errors.WithMessagef(err, "device #%d of backend %q", deviceNum, backend.Name())
	}
	d := &Device{
		id:         fmt.Sprintf("%s:%d", backend.Name(), deviceNum),
		instanceID: uuid.NewString(),
		backend:    backend,
		num:        deviceNum,
		caps:       caps,
		config:     config,
		cache:      codecache.New(compiler),
	}
	d.mem, err = memory.NewManager(caps.DeviceName, heapReserver{backend: backend, num: deviceNum}, config.Alignment)
	if err != nil {
		return nil, err
	}
	d.scheduler = events.New(caps.DeviceName, events.Config{
		NumQueues:      config.NumQueues,
		FlushThreshold: config.FlushThreshold,
		RetainResolved: config.RetainEvents,
	})
	d.tracker = state.NewTracker(caps.DeviceName, d.mem, d.scheduler, d)
	d.stream0 = &Stream{device: d, queue: 0}
	return d, nil
}

// EnsureLoaded performs the one-time initialization of the device: it reserves the heap, sized
// min(Config.HeapSize, device maximum allocation). Later calls are no-ops. If the device refuses the
// heap it fails with RESOURCE_EXHAUSTION and the device stays uninitialized.
func (d *Device) EnsureLoaded() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return failures.New(failures.InconsistentState, "%s: device was finalized", d)
	}
	if d.loaded {
		return nil
	}
	heapSize := uint64(d.config.HeapSize)
	if d.caps.MaxAllocation > 0 && heapSize > d.caps.MaxAllocation {
		klog.V(1).Infof("%s: resizing heap from %s to the device maximum allocation of %s", d,
			humanize.IBytes(heapSize), humanize.IBytes(d.caps.MaxAllocation))
		heapSize = d.caps.MaxAllocation
	}
	if err := d.mem.AllocateRegion(heapSize); err != nil {
		return errors.WithMessagef(err, "%s: initializing device", d)
	}
	d.loaded = true
	klog.V(1).Infof("%s: initialized %s with %s of heap, %d command queues", d, d.caps.Description,
		humanize.IBytes(heapSize), d.scheduler.NumQueues())
	return nil
}

// IsInitialised returns whether EnsureLoaded succeeded, and the device wasn't finalized since.
func (d *Device) IsInitialised() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// checkLoaded returns an INCONSISTENT_STATE error if the device is not initialized.
func (d *Device) checkLoaded(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		if d.finalized {
			return failures.New(failures.InconsistentState, "%s: %s on a finalized device", d, op)
		}
		return failures.New(failures.InconsistentState, "%s: %s before the device was initialized with EnsureLoaded", d, op)
	}
	return nil
}

// CopyToDevice implements state.Transport, checking buf is still valid.
func (d *Device) CopyToDevice(buf memory.Buffer, data []byte) error {
	if err := d.mem.CheckRange(buf, 0, uint64(len(data))); err != nil {
		return err
	}
	return d.backend.CopyToDevice(d.num, buf.Offset, data)
}

// CopyFromDevice implements state.Transport, checking buf is still valid.
func (d *Device) CopyFromDevice(buf memory.Buffer, data []byte) error {
	if err := d.mem.CheckRange(buf, 0, uint64(len(data))); err != nil {
		return err
	}
	return d.backend.CopyFromDevice(d.num, buf.Offset, data)
}

// Stream returns a view of the device that issues its commands on the given queue.
func (d *Device) Stream(queue int) (*Stream, error) {
	if queue < 0 || queue >= d.scheduler.NumQueues() {
		return nil, failures.New(failures.InconsistentState, "%s: invalid queue %d, device has %d queues",
			d, queue, d.scheduler.NumQueues())
	}
	return &Stream{device: d, queue: queue}, nil
}

// NumQueues returns the number of command queues.
func (d *Device) NumQueues() int { return d.scheduler.NumQueues() }

// CreateStack returns an empty call stack for numArgs arguments. It fails with RESOURCE_EXHAUSTION if
// numArgs exceeds Config.CallStackLimit.
func (d *Device) CreateStack(numArgs int) (*CallStack, error) {
	if err := d.checkLoaded("CreateStack"); err != nil {
		return nil, err
	}
	if numArgs > d.config.CallStackLimit {
		return nil, failures.New(failures.ResourceExhaustion, "%s: call stack of %d arguments exceeds the limit of %d",
			d, numArgs, d.config.CallStackLimit)
	}
	if numArgs < 0 {
		numArgs = 0
	}
	return &CallStack{limit: numArgs, args: make([]stackArg, 0, numArgs)}, nil
}

// InstallCode returns the code of sig for this device, compiling it on the first request.
func (d *Device) InstallCode(sig codecache.Signature) (*codecache.InstalledCode, error) {
	if err := d.checkLoaded("InstallCode"); err != nil {
		return nil, err
	}
	return d.cache.Install(sig, d.id, d.caps)
}

// CodeCache returns the code cache of the device.
func (d *Device) CodeCache() *codecache.Cache { return d.cache }

// Tracker returns the object state tracker of the device.
func (d *Device) Tracker() *state.Tracker { return d.tracker }

// Scheduler returns the event scheduler of the device.
func (d *Device) Scheduler() *events.Scheduler { return d.scheduler }

// Memory returns the memory manager of the device.
func (d *Device) Memory() *memory.Manager { return d.mem }

// Reset waits for all outstanding commands, then drops every event record, every object state and the
// installed code of the device, and rewinds the heap: previously issued buffers and event ids report
// INCONSISTENT_STATE afterward.
func (d *Device) Reset() error {
	if err := d.checkLoaded("Reset"); err != nil {
		return err
	}
	d.scheduler.Reset()
	d.tracker.Reset()
	d.mem.Reset()
	dropped := d.cache.Invalidate(d.id)
	klog.V(1).Infof("%s: reset, %d installed programs dropped", d, dropped)
	return nil
}

// Finalize waits for outstanding commands, stops the command queues and releases the heap.
// The backend itself is owned by the caller and is not finalized.
func (d *Device) Finalize() error {
	d.mu.Lock()
	if d.finalized {
		d.mu.Unlock()
		return nil
	}
	d.finalized = true
	d.loaded = false
	d.mu.Unlock()

	d.scheduler.Close()
	d.tracker.Reset()
	d.cache.Invalidate(d.id)
	if err := d.mem.Release(); err != nil {
		klog.Errorf("%s: %+v", d, err)
		return err
	}
	klog.V(1).Infof("%s: finalized", d)
	return nil
}

// String implements fmt.Stringer.
func (d *Device) String() string { return d.caps.DeviceName }
