// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package objects defines DataObject, the host-side values the runtime moves to and from devices.
//
// The identity of a DataObject is its reference identity (the pointer), never its value: two arrays
// with the same contents are tracked separately on every device. The runtime never frees a DataObject,
// its lifetime is owned by the caller.
//
// Every host modification made through the objects' API increments its Version, which is how the
// runtime knows a device copy went stale. Code that mutates the host storage by other means must call
// MarkModified.
package objects

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DataObject is a host-side value: an array, a structured buffer or a scalar holder.
type DataObject interface {
	// DType of the elements. Raw buffers report dtypes.Uint8.
	DType() dtypes.DType

	// Len is the number of elements.
	Len() int

	// SizeBytes is the size of the host value in bytes.
	SizeBytes() int

	// ConstBytes calls fn with a read-only view of the host value.
	// The object is locked for reading until fn returns.
	ConstBytes(fn func(data []byte))

	// Version is incremented on every host modification.
	Version() uint64

	// Refresh overwrites the host value with data read back from a device.
	// It is not a host modification: Version is not changed.
	Refresh(data []byte) error
}

// base implements the locking and versioning shared by all objects.
type base struct {
	mu      sync.RWMutex
	version atomic.Uint64
}

// Version implements DataObject.
func (b *base) Version() uint64 { return b.version.Load() }

// MarkModified records a host modification done outside the object's API.
func (b *base) MarkModified() { b.version.Add(1) }

// bytesOf returns a byte view over the flat slice.
func bytesOf[T dtypes.Supported](flat []T) []byte {
	if len(flat) == 0 {
		return []byte{}
	}
	var t T
	return unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*int(unsafe.Sizeof(t)))
}

// Array is a flat array of elements of type T.
type Array[T dtypes.Supported] struct {
	base
	flat []T
}

// Compile-time check that Array implements DataObject.
var _ DataObject = (*Array[float32])(nil)

// FromFlat creates an Array that takes ownership of flat.
func FromFlat[T dtypes.Supported](flat []T) *Array[T] {
	return &Array[T]{flat: flat}
}

// Zeros creates an Array with n zero elements.
func Zeros[T dtypes.Supported](n int) *Array[T] {
	return FromFlat(make([]T, n))
}

// DType implements DataObject.
func (a *Array[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// Len implements DataObject.
func (a *Array[T]) Len() int { return len(a.flat) }

// SizeBytes implements DataObject.
func (a *Array[T]) SizeBytes() int {
	var t T
	return len(a.flat) * int(unsafe.Sizeof(t))
}

// String implements fmt.Stringer.
func (a *Array[T]) String() string {
	return fmt.Sprintf("Array[%s](len=%d)", a.DType(), len(a.flat))
}

// ConstBytes implements DataObject.
func (a *Array[T]) ConstBytes(fn func(data []byte)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn(bytesOf(a.flat))
}

// ConstFlat calls fn with the read-only flat data. Don't modify it, use MutableFlat instead.
func (a *Array[T]) ConstFlat(fn func(flat []T)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn(a.flat)
}

// MutableFlat calls fn with the flat data to be modified, and counts it as a host modification.
func (a *Array[T]) MutableFlat(fn func(flat []T)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fn(a.flat)
	a.version.Add(1)
}

// Values returns a copy of the host values.
func (a *Array[T]) Values() []T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	values := make([]T, len(a.flat))
	copy(values, a.flat)
	return values
}

// Get returns the element at index i.
func (a *Array[T]) Get(i int) T {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.flat[i]
}

// Set the element at index i. It is a host modification.
func (a *Array[T]) Set(i int, value T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.flat[i] = value
	a.version.Add(1)
}

// Refresh implements DataObject.
func (a *Array[T]) Refresh(data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	dst := bytesOf(a.flat)
	if len(data) != len(dst) {
		return errors.Errorf("%s: refresh with %d bytes, expected %d", a, len(data), len(dst))
	}
	copy(dst, data)
	return nil
}

// Scalar holds a single value of type T.
type Scalar[T dtypes.Supported] struct {
	Array[T]
}

// NewScalar returns a scalar holder initialized with value.
func NewScalar[T dtypes.Supported](value T) *Scalar[T] {
	return &Scalar[T]{Array: Array[T]{flat: []T{value}}}
}

// Value returns the current host value.
func (s *Scalar[T]) Value() T { return s.Get(0) }

// SetValue sets the host value. It is a host modification.
func (s *Scalar[T]) SetValue(value T) { s.Set(0, value) }

// String implements fmt.Stringer.
func (s *Scalar[T]) String() string {
	return fmt.Sprintf("Scalar[%s](%v)", s.DType(), s.Value())
}
