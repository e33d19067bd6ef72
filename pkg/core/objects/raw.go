// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package objects

import (
	"fmt"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Raw is an untyped, structured byte buffer, e.g. an array of structs laid out by the caller.
type Raw struct {
	base
	data []byte
}

var _ DataObject = (*Raw)(nil)

// NewRaw returns a zeroed Raw buffer of the given size.
func NewRaw(sizeBytes int) *Raw {
	return &Raw{data: make([]byte, sizeBytes)}
}

// RawFromBytes creates a Raw buffer that takes ownership of data.
func RawFromBytes(data []byte) *Raw {
	return &Raw{data: data}
}

// DType implements DataObject: raw buffers are bytes.
func (r *Raw) DType() dtypes.DType { return dtypes.Uint8 }

// Len implements DataObject.
func (r *Raw) Len() int { return len(r.data) }

// SizeBytes implements DataObject.
func (r *Raw) SizeBytes() int { return len(r.data) }

// String implements fmt.Stringer.
func (r *Raw) String() string { return fmt.Sprintf("Raw(%d bytes)", len(r.data)) }

// ConstBytes implements DataObject.
func (r *Raw) ConstBytes(fn func(data []byte)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(r.data)
}

// MutableBytes calls fn with the buffer to be modified, and counts it as a host modification.
func (r *Raw) MutableBytes(fn func(data []byte)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.data)
	r.version.Add(1)
}

// Refresh implements DataObject.
func (r *Raw) Refresh(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(data) != len(r.data) {
		return errors.Errorf("%s: refresh with %d bytes, expected %d", r, len(data), len(r.data))
	}
	copy(r.data, data)
	return nil
}

// Snapshot returns a copy of the host bytes of obj.
func Snapshot(obj DataObject) []byte {
	var data []byte
	obj.ConstBytes(func(b []byte) {
		data = make([]byte, len(b))
		copy(data, b)
	})
	return data
}
