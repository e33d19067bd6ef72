// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memory implements the device-side memory manager: a single region reserved once at device
// initialization, sub-allocated with an O(1) bump allocator.
//
// There is no fine-grained free: Reset rewinds the bump pointer and is the only way to reclaim space.
// Each Reset starts a new epoch, and every Buffer issued in a previous epoch fails Check
// deterministically afterward, so stale addresses are never silently reused.
package memory

import (
	"fmt"
	"io"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/pkg/core/failures"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultAlignment of sub-allocations, in bytes.
const DefaultAlignment = 64

// Reserver is the device primitive that backs a region with real device memory.
type Reserver interface {
	// ReserveHeap allocates sizeBytes of device memory. It must fail rather than allocate less.
	ReserveHeap(sizeBytes uint64) error

	// ReleaseHeap frees the memory reserved by ReserveHeap.
	ReleaseHeap() error
}

// Buffer is a sub-allocation of the region: an offset and size in device memory, valid only during
// the epoch it was allocated in.
type Buffer struct {
	Offset uint64
	Size   uint64
	Epoch  uint64
}

// IsValid returns false for the zero Buffer, which is never issued by Allocate.
func (b Buffer) IsValid() bool { return b.Epoch != 0 }

// End returns the first offset after the buffer.
func (b Buffer) End() uint64 { return b.Offset + b.Size }

// String implements fmt.Stringer.
func (b Buffer) String() string {
	if !b.IsValid() {
		return "Buffer(nil)"
	}
	return fmt.Sprintf("Buffer(0x%x+%d, epoch=%d)", b.Offset, b.Size, b.Epoch)
}

// Region describes the reserved device range.
type Region struct {
	Capacity uint64
	Top      uint64 // Bump pointer: first free offset.
	Epoch    uint64
}

// Manager owns the region of one device. It is safe for concurrent use.
type Manager struct {
	name      string
	reserver  Reserver
	alignment uint64

	mu          sync.Mutex
	reserved    bool
	region      Region
	allocations []Buffer // Live allocations of the current epoch, in allocation order.
}

// NewManager creates a manager for the device named name, with the given alignment (0 for DefaultAlignment).
// The alignment must be a power of 2.
func NewManager(name string, reserver Reserver, alignment uint64) (*Manager, error) {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if alignment&(alignment-1) != 0 {
		return nil, errors.Errorf("memory manager for %q: alignment %d is not a power of 2", name, alignment)
	}
	return &Manager{name: name, reserver: reserver, alignment: alignment}, nil
}

// AllocateRegion reserves the device region. It can only be called once (until Release), and it is
// never resized: if the device refuses the size, it fails fast with RESOURCE_EXHAUSTION.
func (m *Manager) AllocateRegion(sizeBytes uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved {
		return failures.New(failures.InconsistentState,
			"memory manager for %q: region already allocated (%s)", m.name, humanize.IBytes(m.region.Capacity))
	}
	if sizeBytes == 0 {
		return failures.New(failures.ResourceExhaustion, "memory manager for %q: cannot allocate an empty region", m.name)
	}
	if err := m.reserver.ReserveHeap(sizeBytes); err != nil {
		return failures.Wrap(err, failures.ResourceExhaustion,
			"memory manager for %q: failed to reserve region of %s", m.name, humanize.IBytes(sizeBytes))
	}
	m.reserved = true
	m.region = Region{Capacity: sizeBytes, Epoch: m.region.Epoch + 1}
	m.allocations = m.allocations[:0]
	klog.V(1).Infof("%s: allocated %s of heap space", m.name, humanize.IBytes(sizeBytes))
	return nil
}

// IsAllocated returns whether the region has been reserved.
func (m *Manager) IsAllocated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

func (m *Manager) alignUp(offset uint64) uint64 {
	return (offset + m.alignment - 1) &^ (m.alignment - 1)
}

// Allocate sizeBytes in the region. It fails with RESOURCE_EXHAUSTION, leaving the region unchanged,
// if the remaining capacity is insufficient.
func (m *Manager) Allocate(sizeBytes uint64) (Buffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reserved {
		return Buffer{}, failures.New(failures.InconsistentState,
			"memory manager for %q: allocation of %d bytes before the region was allocated", m.name, sizeBytes)
	}
	offset := m.alignUp(m.region.Top)
	if offset > m.region.Capacity || sizeBytes > m.region.Capacity-offset {
		available := uint64(0)
		if offset < m.region.Capacity {
			available = m.region.Capacity - offset
		}
		return Buffer{}, failures.New(failures.ResourceExhaustion,
			"memory manager for %q: OUT_OF_MEMORY, requested %s but only %s of %s available",
			m.name, humanize.IBytes(sizeBytes), humanize.IBytes(available), humanize.IBytes(m.region.Capacity))
	}
	buf := Buffer{Offset: offset, Size: sizeBytes, Epoch: m.region.Epoch}
	m.region.Top = offset + sizeBytes
	m.allocations = append(m.allocations, buf)
	klog.V(2).Infof("%s: allocated %s", m.name, buf)
	return buf, nil
}

// Check returns an INCONSISTENT_STATE error if buf wasn't issued in the current epoch or is out of range.
func (m *Manager) Check(buf Buffer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedCheck(buf)
}

func (m *Manager) lockedCheck(buf Buffer) error {
	if !buf.IsValid() {
		return failures.New(failures.InconsistentState, "memory manager for %q: use of an unallocated buffer", m.name)
	}
	if !m.reserved || buf.Epoch != m.region.Epoch {
		return failures.New(failures.InconsistentState,
			"memory manager for %q: %s was issued before the region was reset (current epoch %d)",
			m.name, buf, m.region.Epoch)
	}
	if buf.End() > m.region.Top {
		return failures.New(failures.InconsistentState,
			"memory manager for %q: %s is beyond the allocated top 0x%x", m.name, buf, m.region.Top)
	}
	return nil
}

// CheckRange verifies that [offset, offset+size) lies within buf, which must be valid.
func (m *Manager) CheckRange(buf Buffer, offset, size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.lockedCheck(buf); err != nil {
		return err
	}
	if offset > buf.Size || size > buf.Size-offset {
		return failures.New(failures.InconsistentState,
			"memory manager for %q: range [%d, %d) out of bounds for %s", m.name, offset, offset+size, buf)
	}
	return nil
}

// Reset rewinds the bump pointer to the start of the region and starts a new epoch:
// every previously issued Buffer becomes invalid.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.region.Top = 0
	m.region.Epoch++
	m.allocations = m.allocations[:0]
	klog.V(1).Infof("%s: memory region reset (epoch %d)", m.name, m.region.Epoch)
}

// Release frees the device region. A new AllocateRegion is needed before further allocations.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.reserved {
		return nil
	}
	m.reserved = false
	m.region.Top = 0
	m.region.Capacity = 0
	m.allocations = m.allocations[:0]
	if err := m.reserver.ReleaseHeap(); err != nil {
		return errors.WithMessagef(err, "memory manager for %q: failed to release region", m.name)
	}
	return nil
}

// Region returns a copy of the region state.
func (m *Manager) Region() Region {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.region
}

// Capacity of the region in bytes.
func (m *Manager) Capacity() uint64 { return m.Region().Capacity }

// Used returns the bytes consumed in the region, including alignment padding.
func (m *Manager) Used() uint64 { return m.Region().Top }

// Remaining returns the bytes still available, ignoring alignment of the next allocation.
func (m *Manager) Remaining() uint64 {
	r := m.Region()
	return r.Capacity - r.Top
}

// NumAllocations returns the number of live allocations in the current epoch.
func (m *Manager) NumAllocations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allocations)
}

// Dump writes a human-readable listing of the region and its allocations to w.
func (m *Manager) Dump(w io.Writer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := fmt.Fprintf(w, "Region %q: capacity=%s used=%s epoch=%d allocations=%d\n",
		m.name, humanize.IBytes(m.region.Capacity), humanize.IBytes(m.region.Top), m.region.Epoch, len(m.allocations))
	if err != nil {
		return err
	}
	for ii, buf := range m.allocations {
		if _, err = fmt.Fprintf(w, "\t#%d: [0x%08x, 0x%08x) %s\n", ii, buf.Offset, buf.End(), humanize.IBytes(buf.Size)); err != nil {
			return err
		}
	}
	return nil
}
