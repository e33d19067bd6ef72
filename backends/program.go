// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"fmt"
	"reflect"

	"github.com/gomlx/gopjrt/dtypes"
)

// Program is a compiled, device-specific executable artifact. Its contents are opaque to the runtime:
// it's produced by a compiler and handed back to the backend that can launch it.
type Program interface {
	// Name of the entry point.
	Name() string
}

// ArgKind differentiates the arguments of a launch.
type ArgKind int

const (
	// BufferArg is a range of the device heap.
	BufferArg ArgKind = iota

	// ScalarArg is a value passed by copy.
	ScalarArg
)

// Arg of a program launch.
type Arg struct {
	Kind ArgKind

	// Offset and Size of the device heap range, for BufferArg.
	Offset, Size uint64

	// Value of a ScalarArg, a Go value of one of the supported dtypes.
	Value any
}

// BufferArgument returns an Arg referring to a range of the device heap.
func BufferArgument(offset, size uint64) Arg {
	return Arg{Kind: BufferArg, Offset: offset, Size: size}
}

// ScalarArgument returns an Arg passing value by copy.
func ScalarArgument(value any) Arg {
	return Arg{Kind: ScalarArg, Value: value}
}

// DType of a ScalarArg, or dtypes.InvalidDType for buffers and unsupported values.
func (a Arg) DType() dtypes.DType {
	if a.Kind != ScalarArg {
		return dtypes.InvalidDType
	}
	if a.Value == nil {
		return dtypes.InvalidDType
	}
	return dtypes.FromGoType(reflect.TypeOf(a.Value))
}

// String implements fmt.Stringer.
func (a Arg) String() string {
	if a.Kind == BufferArg {
		return fmt.Sprintf("buffer(0x%x+%d)", a.Offset, a.Size)
	}
	return fmt.Sprintf("%s(%v)", a.DType(), a.Value)
}
