// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"github.com/gomlx/accelrt/backends"
)

// ID of the device, "<backend>:<device number>". Installed code is keyed by it.
func (d *Device) ID() string { return d.id }

// InstanceID is a unique id of this Device object.
func (d *Device) InstanceID() string { return d.instanceID }

// Backend returns the backend of the device.
func (d *Device) Backend() backends.Backend { return d.backend }

// DeviceNum returns the number of the device in its backend.
func (d *Device) DeviceNum() backends.DeviceNum { return d.num }

// Name of the device.
func (d *Device) Name() string { return d.caps.DeviceName }

// Description of the device.
func (d *Device) Description() string { return d.caps.Description }

// DeviceType is the kind of device, e.g. "gpu".
func (d *Device) DeviceType() string { return d.caps.DeviceType }

// PlatformName of the device.
func (d *Device) PlatformName() string { return d.caps.Platform }

// PreferredSchedule of the device.
func (d *Device) PreferredSchedule() backends.Schedule { return d.caps.Schedule }

// IsDistributedMemory returns whether the device memory is distinct from the host's.
func (d *Device) IsDistributedMemory() bool { return d.caps.DistributedMemory }

// Capabilities returns a copy of the device capabilities.
func (d *Device) Capabilities() backends.Capabilities { return d.caps.Clone() }

// Config returns the configuration of the device.
func (d *Device) Config() Config { return d.config }

// MemoryInfo describes the memory provider of a device.
type MemoryInfo struct {
	HeapSize, Used, Remaining uint64
	Alignment                 uint64
	NumAllocations            int
	CallStackLimit            int
}

// MemoryProvider returns the current state of the device heap.
func (d *Device) MemoryProvider() MemoryInfo {
	region := d.mem.Region()
	return MemoryInfo{
		HeapSize:       region.Capacity,
		Used:           region.Top,
		Remaining:      region.Capacity - region.Top,
		Alignment:      d.config.Alignment,
		NumAllocations: d.mem.NumAllocations(),
		CallStackLimit: d.config.CallStackLimit,
	}
}
