// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simulated implements pure Go simulated accelerators: GPUs, multi-core CPUs and FPGAs whose
// device memory is a host byte slice and whose kernels are Go functions registered in a Library.
//
// Device kinds differ in the capabilities they report (schedule preference, memory model, supported
// dtypes, compute units) and in how kernels spread their work items, which is enough to exercise the
// runtime on any machine. Faults can be injected to test error paths.
package simulated

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/internal/workerspool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in ACCELRT_BACKEND to specify this backend.
const BackendName = "sim"

// Platform reported by the simulated devices.
const Platform = "accelrt simulator"

// Registers New() as the constructor for the "sim" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// Backend implements backends.Backend with simulated devices.
type Backend struct {
	config    Config
	devices   []*device
	finalized atomic.Bool
}

// Compile-time check that simulated.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// device is the state of one simulated device.
type device struct {
	num  backends.DeviceNum
	caps backends.Capabilities
	pool *workerspool.Pool

	// mu protects the heap slice itself; concurrent copies to disjoint ranges are allowed, as on a
	// real device, and ordering overlapping accesses is up to the caller.
	mu   sync.RWMutex
	heap []byte

	failCopyTo, failCopyFrom, failLaunch atomic.Int32

	launches, bytesIn, bytesOut atomic.Int64
}

// New constructs a simulated Backend from a configuration string, see ParseConfig.
func New(config string) (*Backend, error) {
	c, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(c), nil
}

// NewWithConfig constructs a simulated Backend from a parsed Config.
func NewWithConfig(config Config) *Backend {
	b := &Backend{config: config}
	b.devices = make([]*device, config.NumDevices)
	for ii := range b.devices {
		num := backends.DeviceNum(ii)
		d := &device{num: num, caps: config.capabilities(num)}
		if config.Kind == FPGA {
			d.pool = workerspool.New(0)
			d.pool.SetMaxParallelism(0)
		} else {
			d.pool = workerspool.New(config.ComputeUnits)
		}
		b.devices[ii] = d
	}
	klog.V(1).Infof("simulated backend: %d %s device(s) with %s each", config.NumDevices, config.Kind,
		humanize.IBytes(config.Memory))
	return b
}

// Config returns the configuration of the backend.
func (b *Backend) Config() Config { return b.config }

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// String implements fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("Simulated %s accelerators (%s)", b.config.Kind, BackendName)
}

// Platform implements backends.Backend.
func (b *Backend) Platform() string { return Platform }

// NumDevices implements backends.Backend.
func (b *Backend) NumDevices() backends.DeviceNum { return backends.DeviceNum(len(b.devices)) }

func (b *Backend) device(deviceNum backends.DeviceNum) (*device, error) {
	if b.finalized.Load() {
		return nil, errors.Errorf("backend %q has been finalized", BackendName)
	}
	if deviceNum < 0 || int(deviceNum) >= len(b.devices) {
		return nil, errors.Errorf("invalid device #%d, backend %q has %d devices", deviceNum, BackendName, len(b.devices))
	}
	return b.devices[deviceNum], nil
}

// DeviceCapabilities implements backends.Backend.
func (b *Backend) DeviceCapabilities(deviceNum backends.DeviceNum) (backends.Capabilities, error) {
	d, err := b.device(deviceNum)
	if err != nil {
		return backends.Capabilities{}, err
	}
	return d.caps.Clone(), nil
}

// ReserveHeap implements backends.Backend.
func (b *Backend) ReserveHeap(deviceNum backends.DeviceNum, sizeBytes uint64) error {
	d, err := b.device(deviceNum)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.heap != nil {
		return errors.Errorf("%s: heap already reserved (%s)", d.caps.DeviceName, humanize.IBytes(uint64(len(d.heap))))
	}
	if sizeBytes > d.caps.MaxAllocation {
		return errors.Errorf("%s: heap of %s exceeds the maximum allocation of %s", d.caps.DeviceName,
			humanize.IBytes(sizeBytes), humanize.IBytes(d.caps.MaxAllocation))
	}
	d.heap = make([]byte, sizeBytes)
	return nil
}

// ReleaseHeap implements backends.Backend.
func (b *Backend) ReleaseHeap(deviceNum backends.DeviceNum) error {
	d, err := b.device(deviceNum)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.heap = nil
	return nil
}

// lockedRange returns the heap range [offset, offset+size). It must be called with d.mu read-locked.
func (d *device) lockedRange(offset, size uint64) ([]byte, error) {
	if d.heap == nil {
		return nil, errors.Errorf("%s: no heap reserved", d.caps.DeviceName)
	}
	if offset+size > uint64(len(d.heap)) || offset+size < offset {
		return nil, errors.Errorf("%s: range 0x%x+%d out of the heap of %d bytes", d.caps.DeviceName, offset, size, len(d.heap))
	}
	return d.heap[offset : offset+size], nil
}

// injected returns an error if a fault was scheduled on counter.
func injected(counter *atomic.Int32, what string, caps backends.Capabilities) error {
	for {
		n := counter.Load()
		if n <= 0 {
			return nil
		}
		if counter.CompareAndSwap(n, n-1) {
			return errors.Errorf("%s: injected %s fault", caps.DeviceName, what)
		}
	}
}

func (b *Backend) sleep() {
	if b.config.Latency > 0 {
		time.Sleep(b.config.Latency)
	}
}

// CopyToDevice implements backends.Backend.
func (b *Backend) CopyToDevice(deviceNum backends.DeviceNum, offset uint64, data []byte) error {
	d, err := b.device(deviceNum)
	if err != nil {
		return err
	}
	b.sleep()
	if err := injected(&d.failCopyTo, "copy to device", d.caps); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	dst, err := d.lockedRange(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	d.bytesIn.Add(int64(len(data)))
	return nil
}

// CopyFromDevice implements backends.Backend.
func (b *Backend) CopyFromDevice(deviceNum backends.DeviceNum, offset uint64, data []byte) error {
	d, err := b.device(deviceNum)
	if err != nil {
		return err
	}
	b.sleep()
	if err := injected(&d.failCopyFrom, "copy from device", d.caps); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	src, err := d.lockedRange(offset, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(data, src)
	d.bytesOut.Add(int64(len(data)))
	return nil
}

// Launch implements backends.Backend.
func (b *Backend) Launch(deviceNum backends.DeviceNum, program backends.Program, args []backends.Arg) error {
	d, err := b.device(deviceNum)
	if err != nil {
		return err
	}
	p, ok := program.(*Program)
	if !ok {
		return errors.Errorf("%s: program %q of type %T was not compiled by a simulated Library", d.caps.DeviceName, program.Name(), program)
	}
	if p.deviceType != d.caps.DeviceType {
		return errors.Errorf("%s: program %q was compiled for a %s device", d.caps.DeviceName, p.entry, p.deviceType)
	}
	b.sleep()
	if err := injected(&d.failLaunch, "launch", d.caps); err != nil {
		return err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	ctx := &KernelContext{Capabilities: d.caps, args: args, views: make([][]byte, len(args)), pool: d.pool}
	for ii, arg := range args {
		if arg.Kind != backends.BufferArg {
			continue
		}
		ctx.views[ii], err = d.lockedRange(arg.Offset, arg.Size)
		if err != nil {
			return errors.WithMessagef(err, "argument #%d of %q", ii, p.entry)
		}
	}
	d.launches.Add(1)
	klog.V(2).Infof("%s: launching %q with %d arguments", d.caps.DeviceName, p.entry, len(args))
	return p.kernel(ctx)
}

// Finalize implements backends.Backend.
func (b *Backend) Finalize() {
	if b.finalized.Swap(true) {
		return
	}
	for _, d := range b.devices {
		d.mu.Lock()
		d.heap = nil
		d.mu.Unlock()
	}
}

// IsFinalized implements backends.Backend.
func (b *Backend) IsFinalized() bool { return b.finalized.Load() }
