// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package state

import (
	"github.com/gomlx/accelrt/pkg/core/objects"
	"k8s.io/klog/v2"
)

// Snapshot is the last known good state of a set of objects, used to roll back a failed execution.
type Snapshot struct {
	states map[objects.DataObject]ObjectState
}

// Snapshot captures the current state of the given objects.
func (t *Tracker) Snapshot(objs ...objects.DataObject) *Snapshot {
	snap := &Snapshot{states: make(map[objects.DataObject]ObjectState, len(objs))}
	for _, obj := range objs {
		snap.states[obj] = t.State(obj)
	}
	return snap
}

// Restore the objects of the snapshot to their captured state. Objects that were Absent stop being tracked.
//
// The device copies of clobbered objects (outputs of a failed kernel) may have been partially written:
// those captured as ValidBoth become StaleOnDevice, and those captured as DeviceOnly keep their
// residency, since the device held the only copy, with a warning.
//
// Pending events of the objects must have resolved before calling Restore.
func (t *Tracker) Restore(snap *Snapshot, clobbered ...objects.DataObject) {
	isClobbered := make(map[objects.DataObject]bool, len(clobbered))
	for _, obj := range clobbered {
		isClobbered[obj] = true
	}
	for obj, saved := range snap.states {
		if saved.Residency == Absent {
			t.mu.Lock()
			delete(t.entries, obj)
			t.mu.Unlock()
			continue
		}
		if isClobbered[obj] {
			switch saved.Residency {
			case ValidBoth:
				saved.Residency = StaleOnDevice
			case DeviceOnly:
				klog.Warningf("%s: device-only copy of %T may have been corrupted by a failed kernel", t.name, obj)
			}
		}
		e := t.entry(obj, true)
		e.mu.Lock()
		e.ObjectState = saved
		e.mu.Unlock()
	}
}
