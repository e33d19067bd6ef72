// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package objects

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArray(t *testing.T) {
	a := FromFlat([]float32{1, 2, 3})
	require.Equal(t, dtypes.Float32, a.DType())
	require.Equal(t, 3, a.Len())
	require.Equal(t, 12, a.SizeBytes())
	require.Equal(t, uint64(0), a.Version())

	data := Snapshot(a)
	require.Len(t, data, 12)
	require.Equal(t, float32(2), math.Float32frombits(binary.LittleEndian.Uint32(data[4:8])))

	a.Set(0, 7)
	require.Equal(t, uint64(1), a.Version())
	a.MutableFlat(func(flat []float32) { flat[2] = 11 })
	require.Equal(t, uint64(2), a.Version())
	require.Equal(t, []float32{7, 2, 11}, a.Values())

	// Refresh is not a host modification.
	other := FromFlat([]float32{-1, -2, -3})
	require.NoError(t, a.Refresh(Snapshot(other)))
	require.Equal(t, []float32{-1, -2, -3}, a.Values())
	require.Equal(t, uint64(2), a.Version())
	require.Error(t, a.Refresh([]byte{1, 2}))

	a.MarkModified()
	require.Equal(t, uint64(3), a.Version())
}

func TestScalarAndRaw(t *testing.T) {
	s := NewScalar(int64(42))
	assert.Equal(t, int64(42), s.Value())
	assert.Equal(t, 8, s.SizeBytes())
	s.SetValue(43)
	assert.Equal(t, int64(43), s.Value())
	assert.Equal(t, uint64(1), s.Version())
	assert.Contains(t, s.String(), "43")

	r := NewRaw(16)
	assert.Equal(t, dtypes.Uint8, r.DType())
	r.MutableBytes(func(data []byte) { data[3] = 9 })
	assert.Equal(t, byte(9), Snapshot(r)[3])
	assert.Equal(t, uint64(1), r.Version())

	empty := Zeros[int32](0)
	assert.Equal(t, 0, empty.SizeBytes())
	assert.Len(t, Snapshot(empty), 0)
}
