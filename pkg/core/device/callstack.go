// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"reflect"

	"github.com/gomlx/accelrt/pkg/core/failures"
	"github.com/gomlx/accelrt/pkg/core/objects"
	"github.com/gomlx/gopjrt/dtypes"
)

type stackArg struct {
	obj    objects.DataObject
	scalar any
}

// CallStack holds the positional arguments of one kernel launch. It has a fixed capacity, and belongs
// to a single invocation: it's not safe for concurrent use.
type CallStack struct {
	limit int
	args  []stackArg
}

// Len returns the number of arguments pushed.
func (s *CallStack) Len() int { return len(s.args) }

// Capacity returns the maximum number of arguments.
func (s *CallStack) Capacity() int { return s.limit }

// Reset removes all arguments, so the stack can be reused.
func (s *CallStack) Reset() { s.args = s.args[:0] }

func (s *CallStack) push(arg stackArg) error {
	if len(s.args) >= s.limit {
		return failures.New(failures.ResourceExhaustion, "call stack overflow: capacity of %d arguments", s.limit)
	}
	s.args = append(s.args, arg)
	return nil
}

// PushObject pushes a DataObject argument, passed to the kernel as its device buffer.
// The object must be allocated on the device when the kernel is enqueued.
func (s *CallStack) PushObject(obj objects.DataObject) error {
	if obj == nil {
		return failures.New(failures.InconsistentState, "nil DataObject pushed to the call stack")
	}
	return s.push(stackArg{obj: obj})
}

// PushScalar pushes a scalar argument passed by copy. It must be a Go value of a supported dtype.
func (s *CallStack) PushScalar(value any) error {
	if value == nil || dtypes.FromGoType(reflect.TypeOf(value)) == dtypes.InvalidDType {
		return failures.New(failures.InconsistentState, "scalar argument of unsupported type %T", value)
	}
	return s.push(stackArg{scalar: value})
}

// Objects returns the DataObject arguments, in order.
func (s *CallStack) Objects() []objects.DataObject {
	objs := make([]objects.DataObject, 0, len(s.args))
	for _, arg := range s.args {
		if arg.obj != nil {
			objs = append(objs, arg.obj)
		}
	}
	return objs
}

// String implements fmt.Stringer.
func (s *CallStack) String() string {
	return fmt.Sprintf("CallStack(%d/%d)", len(s.args), s.limit)
}
