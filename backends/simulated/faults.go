// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import "github.com/gomlx/accelrt/backends"

// FailNextCopyToDevice makes the next n copies to the device fail.
func (b *Backend) FailNextCopyToDevice(deviceNum backends.DeviceNum, n int) {
	b.devices[deviceNum].failCopyTo.Add(int32(n))
}

// FailNextCopyFromDevice makes the next n copies from the device fail.
func (b *Backend) FailNextCopyFromDevice(deviceNum backends.DeviceNum, n int) {
	b.devices[deviceNum].failCopyFrom.Add(int32(n))
}

// FailNextLaunch makes the next n launches on the device fail.
func (b *Backend) FailNextLaunch(deviceNum backends.DeviceNum, n int) {
	b.devices[deviceNum].failLaunch.Add(int32(n))
}

// Counters of the activity of a device.
type Counters struct {
	Launches, BytesIn, BytesOut int64
}

// Counters returns the activity counters of the device.
func (b *Backend) Counters(deviceNum backends.DeviceNum) Counters {
	d := b.devices[deviceNum]
	return Counters{Launches: d.launches.Load(), BytesIn: d.bytesIn.Load(), BytesOut: d.bytesOut.Load()}
}
