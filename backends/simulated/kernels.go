// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/internal/workerspool"
	"github.com/gomlx/accelrt/pkg/core/codecache"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Kernel is the Go implementation of a device program.
type Kernel func(ctx *KernelContext) error

// KernelContext gives a running kernel access to its arguments and to the compute units of the device.
type KernelContext struct {
	Capabilities backends.Capabilities

	args  []backends.Arg
	views [][]byte
	pool  *workerspool.Pool
}

// NumArgs returns the number of arguments of the launch.
func (k *KernelContext) NumArgs() int { return len(k.args) }

// Bytes returns the device memory of buffer argument i.
func (k *KernelContext) Bytes(i int) ([]byte, error) {
	if i < 0 || i >= len(k.args) {
		return nil, errors.Errorf("argument #%d requested, kernel has %d arguments", i, len(k.args))
	}
	if k.args[i].Kind != backends.BufferArg {
		return nil, errors.Errorf("argument #%d is not a buffer: %s", i, k.args[i])
	}
	return k.views[i], nil
}

// Slice returns buffer argument i as a slice of T, sharing the device memory.
func Slice[T dtypes.Supported](k *KernelContext, i int) ([]T, error) {
	data, err := k.Bytes(i)
	if err != nil {
		return nil, err
	}
	var zero T
	size := int(unsafe.Sizeof(zero))
	if len(data)%size != 0 {
		return nil, errors.Errorf("argument #%d has %d bytes, not a multiple of the %s size %d",
			i, len(data), dtypes.FromGenericsType[T](), size)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), len(data)/size), nil
}

// Scalar returns scalar argument i as a T.
func Scalar[T dtypes.Supported](k *KernelContext, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(k.args) {
		return zero, errors.Errorf("argument #%d requested, kernel has %d arguments", i, len(k.args))
	}
	v, ok := k.args[i].Value.(T)
	if !ok || k.args[i].Kind != backends.ScalarArg {
		return zero, errors.Errorf("argument #%d is %s, wanted a %s scalar", i, k.args[i], dtypes.FromGenericsType[T]())
	}
	return v, nil
}

// ParallelFor calls fn over disjoint chunks of [0, n), spread over the compute units of the device
// according to its kind. A panic in fn is returned as an error.
func (k *KernelContext) ParallelFor(n int, fn func(start, end int) error) error {
	return k.pool.ParallelFor(n, func(start, end int) (err error) {
		if exception := exceptions.Try(func() { err = fn(start, end) }); exception != nil {
			return errors.Errorf("kernel panicked on items [%d, %d): %v", start, end, exception)
		}
		return err
	})
}

// Program compiled by a Library for one kind of device.
type Program struct {
	entry       string
	fingerprint string
	deviceType  string
	kernel      Kernel
}

// Compile-time check that *Program implements backends.Program.
var _ backends.Program = &Program{}

// Name implements backends.Program.
func (p *Program) Name() string { return p.entry }

// String implements fmt.Stringer.
func (p *Program) String() string {
	return fmt.Sprintf("simulated.Program(%s for %s, %.12s)", p.entry, p.deviceType, p.fingerprint)
}

type libraryEntry struct {
	kernel Kernel
	dtypes []dtypes.DType
}

// Library of Go kernels, implementing codecache.Compiler: "compiling" a signature looks up its entry
// point and checks the device supports the dtypes the kernel uses.
type Library struct {
	mu      sync.RWMutex
	kernels map[string]libraryEntry

	// CompileDelay simulates the compiler latency.
	CompileDelay time.Duration

	compilations atomic.Int64
}

// Compile-time check that *Library implements codecache.Compiler.
var _ codecache.Compiler = &Library{}

// NewLibrary creates an empty Library.
func NewLibrary() *Library {
	return &Library{kernels: make(map[string]libraryEntry)}
}

// Register kernel under the entry name. The dtypes it operates on are checked against the device
// capabilities at compilation.
func (l *Library) Register(entry string, kernel Kernel, usesDTypes ...dtypes.DType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kernels[entry] = libraryEntry{kernel: kernel, dtypes: slices.Clone(usesDTypes)}
}

// Compilations returns the number of successful compilations.
func (l *Library) Compilations() int64 { return l.compilations.Load() }

// Compile implements codecache.Compiler.
func (l *Library) Compile(sig codecache.Signature, caps backends.Capabilities) (backends.Program, error) {
	if l.CompileDelay > 0 {
		time.Sleep(l.CompileDelay)
	}
	l.mu.RLock()
	e, found := l.kernels[sig.Entry]
	l.mu.RUnlock()
	if !found {
		return nil, errors.Errorf("entry point %q not found in the kernel library", sig.Entry)
	}
	for _, dtype := range e.dtypes {
		if !caps.DTypes[dtype] {
			return nil, errors.Errorf("kernel %q uses %s, not supported by %s (%s)", sig.Entry, dtype, caps.DeviceName, caps.DeviceType)
		}
	}
	l.compilations.Add(1)
	return &Program{
		entry:       sig.Entry,
		fingerprint: sig.Fingerprint(),
		deviceType:  caps.DeviceType,
		kernel:      e.kernel,
	}, nil
}
