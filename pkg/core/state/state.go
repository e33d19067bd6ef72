// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package state tracks, per (DataObject, device), where the valid copy of each object lives, and issues
// the transfers that move it.
//
// Every operation is idempotent: asking for residency that already holds issues no command. Ordering is
// never inferred from object identity: callers pass the wait lists that order transfers against their
// kernels, and get back the events the tracker issued.
package state

import (
	"fmt"

	"github.com/gomlx/accelrt/pkg/core/events"
	"github.com/gomlx/accelrt/pkg/core/memory"
)

// Residency of an object on one device.
type Residency int

const (
	// Absent means the object is not tracked on the device.
	Absent Residency = iota

	// HostOnly means the device holds no valid copy.
	HostOnly

	// DeviceOnly means the device copy is authoritative, or is being uploaded.
	DeviceOnly

	// ValidBoth means host and device hold the same contents.
	ValidBoth

	// StaleOnDevice means the device keeps an allocation whose contents are not valid.
	StaleOnDevice
)

var residencyNames = [...]string{"ABSENT", "HOST_ONLY", "DEVICE_ONLY", "VALID_BOTH", "STALE_ON_DEVICE"}

// String implements fmt.Stringer.
func (r Residency) String() string {
	if r < 0 || int(r) >= len(residencyNames) {
		return fmt.Sprintf("Residency(%d)", int(r))
	}
	return residencyNames[r]
}

// OnDevice returns whether the device holds a valid copy.
func (r Residency) OnDevice() bool { return r == DeviceOnly || r == ValidBoth }

// ObjectState of one object on one device.
type ObjectState struct {
	Residency Residency

	// Buffer holding the device copy. Invalid (zero) for HostOnly.
	Buffer memory.Buffer

	// SizeBytes of the object when it was last synchronized.
	SizeBytes int

	// LastWrite is the last event that wrote the device copy, or 0.
	LastWrite events.ID

	// SyncedVersion is the host version the device copy was last synchronized with.
	SyncedVersion uint64
}

// String implements fmt.Stringer.
func (s ObjectState) String() string {
	return fmt.Sprintf("%s %s lastWrite=#%d version=%d", s.Residency, s.Buffer, s.LastWrite, s.SyncedVersion)
}
