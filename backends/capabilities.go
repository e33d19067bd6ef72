// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"maps"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
)

// Schedule is the preferred way of mapping the iteration space of a kernel onto a device.
type Schedule int

const (
	// ScheduleDefault lets the compiler choose.
	ScheduleDefault Schedule = iota

	// PerIteration maps one work item to each iteration: preferred by wide devices (GPUs).
	PerIteration

	// PerBlock maps contiguous blocks of iterations to each compute unit: preferred by CPUs.
	PerBlock
)

var scheduleNames = [...]string{"DEFAULT", "PER_ITERATION", "PER_BLOCK"}

// String implements fmt.Stringer.
func (s Schedule) String() string {
	if s < 0 || int(s) >= len(scheduleNames) {
		return fmt.Sprintf("Schedule(%d)", int(s))
	}
	return scheduleNames[s]
}

// Capabilities holds the identity and limits of a device.
type Capabilities struct {
	// DeviceName of the device, e.g.: "sim-gpu-0".
	DeviceName string

	// DeviceType is the kind of device: "gpu", "cpu", "fpga", ...
	DeviceType string

	// Description of the device, for pretty-printing.
	Description string

	// Platform of the device.
	Platform string

	// Schedule preferred by the device.
	Schedule Schedule

	// DistributedMemory is true if the device has its own memory, distinct from the host's, so
	// that data must be explicitly copied.
	DistributedMemory bool

	// GlobalMemory is the total memory of the device, in bytes.
	GlobalMemory uint64

	// MaxAllocation is the largest single allocation the device accepts, in bytes.
	MaxAllocation uint64

	// ComputeUnits available on the device.
	ComputeUnits int

	// DTypes list the data types supported by the device.
	// If not listed, it's assumed to be false, hence not supported.
	DTypes map[dtypes.DType]bool
}

// Clone makes a deep copy of the Capabilities.
func (c Capabilities) Clone() Capabilities {
	c2 := c
	c2.DTypes = make(map[dtypes.DType]bool, len(c.DTypes))
	maps.Copy(c2.DTypes, c.DTypes)
	return c2
}

// String implements fmt.Stringer.
func (c Capabilities) String() string {
	return fmt.Sprintf("%s (%s on %s, %d compute units, %s global memory, %s max allocation)",
		c.DeviceName, c.DeviceType, c.Platform, c.ComputeUnits,
		humanize.IBytes(c.GlobalMemory), humanize.IBytes(c.MaxAllocation))
}
