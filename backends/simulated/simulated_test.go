// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/pkg/core/codecache"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, GPU, c.Kind)
	assert.Equal(t, 1, c.NumDevices)
	assert.Equal(t, uint64(DefaultMemory), c.Memory)
	assert.Equal(t, uint64(DefaultMemory/4), c.MaxAllocation)
	assert.Equal(t, 16, c.ComputeUnits)

	c, err = ParseConfig("kind=fpga, devices=3,memory=64MiB,maxalloc=32MiB,latency=200us")
	require.NoError(t, err)
	assert.Equal(t, FPGA, c.Kind)
	assert.Equal(t, 3, c.NumDevices)
	assert.Equal(t, uint64(64<<20), c.Memory)
	assert.Equal(t, uint64(32<<20), c.MaxAllocation)
	assert.Equal(t, 200*time.Microsecond, c.Latency)
	assert.Equal(t, 1, c.ComputeUnits)

	c, err = ParseConfig("cpu,units=3")
	require.NoError(t, err)
	assert.Equal(t, CPU, c.Kind)
	assert.Equal(t, 3, c.ComputeUnits)

	for _, bad := range []string{"kind=tpu", "devices=0", "memory=lots", "latency=soon", "colour=blue", "dsp"} {
		_, err = ParseConfig(bad)
		assert.Error(t, err, "config %q should fail", bad)
	}
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, backends.List(), BackendName)
	b, err := backends.NewWithConfig("sim:kind=cpu,devices=2")
	require.NoError(t, err)
	defer b.Finalize()
	assert.Equal(t, BackendName, b.Name())
	assert.Equal(t, backends.DeviceNum(2), b.NumDevices())
	caps := must.M1(b.DeviceCapabilities(1))
	assert.Equal(t, "sim-cpu-1", caps.DeviceName)
	assert.Equal(t, backends.PerBlock, caps.Schedule)
	assert.False(t, caps.DistributedMemory)

	_, err = backends.NewWithConfig("sim:kind=tpu")
	assert.Error(t, err)
	_, err = backends.NewWithConfig("nonexistent:foo")
	assert.Error(t, err)

	t.Setenv(backends.ConfigEnvVar, "sim:fpga")
	b2 := backends.MustNew()
	defer b2.Finalize()
	caps = must.M1(b2.DeviceCapabilities(0))
	assert.Equal(t, "fpga", caps.DeviceType)
	assert.False(t, caps.DTypes[dtypes.Float64])
}

func TestHeapAndCopies(t *testing.T) {
	b := must.M1(New("memory=1MiB,maxalloc=256KiB"))
	defer b.Finalize()

	assert.Error(t, b.ReserveHeap(0, 512<<10), "exceeds max allocation")
	assert.Error(t, b.CopyToDevice(0, 0, []byte{1}), "no heap yet")
	require.NoError(t, b.ReserveHeap(0, 256<<10))
	assert.Error(t, b.ReserveHeap(0, 1024), "reserved twice")

	require.NoError(t, b.CopyToDevice(0, 128, []byte("accelerate")))
	out := make([]byte, 10)
	require.NoError(t, b.CopyFromDevice(0, 128, out))
	assert.Equal(t, "accelerate", string(out))
	assert.Error(t, b.CopyFromDevice(0, 256<<10-4, out), "out of range")
	assert.Error(t, b.CopyToDevice(1, 0, out), "invalid device")

	b.FailNextCopyToDevice(0, 1)
	assert.Error(t, b.CopyToDevice(0, 0, out))
	assert.NoError(t, b.CopyToDevice(0, 0, out))
	b.FailNextCopyFromDevice(0, 1)
	assert.Error(t, b.CopyFromDevice(0, 0, out))

	counters := b.Counters(0)
	assert.Equal(t, int64(20), counters.BytesIn)
	assert.Equal(t, int64(10), counters.BytesOut)

	require.NoError(t, b.ReleaseHeap(0))
	b.Finalize()
	assert.True(t, b.IsFinalized())
	assert.Error(t, b.ReserveHeap(0, 1024))
}

func saxpy(ctx *KernelContext) error {
	alpha, err := Scalar[float32](ctx, 0)
	if err != nil {
		return err
	}
	x, err := Slice[float32](ctx, 1)
	if err != nil {
		return err
	}
	y, err := Slice[float32](ctx, 2)
	if err != nil {
		return err
	}
	return ctx.ParallelFor(len(y), func(start, end int) error {
		for ii := start; ii < end; ii++ {
			y[ii] += alpha * x[ii]
		}
		return nil
	})
}

func float32Bytes(values ...float32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(v))
	}
	return data
}

func TestLibraryAndLaunch(t *testing.T) {
	for _, kind := range []string{"gpu", "cpu", "fpga"} {
		t.Run(kind, func(t *testing.T) {
			b := must.M1(New("memory=1MiB,kind=" + kind))
			defer b.Finalize()
			lib := NewLibrary()
			lib.Register("saxpy", saxpy, dtypes.Float32)
			caps := must.M1(b.DeviceCapabilities(0))

			program, err := lib.Compile(codecache.Signature{Entry: "saxpy"}, caps)
			require.NoError(t, err)
			assert.Equal(t, "saxpy", program.Name())

			require.NoError(t, b.ReserveHeap(0, 4096))
			require.NoError(t, b.CopyToDevice(0, 0, float32Bytes(1, 2, 3, 4, 5)))
			require.NoError(t, b.CopyToDevice(0, 64, float32Bytes(10, 10, 10, 10, 10)))
			args := []backends.Arg{
				backends.ScalarArgument(float32(2)),
				backends.BufferArgument(0, 20),
				backends.BufferArgument(64, 20),
			}
			require.NoError(t, b.Launch(0, program, args))
			out := make([]byte, 20)
			require.NoError(t, b.CopyFromDevice(0, 64, out))
			assert.Equal(t, float32Bytes(12, 14, 16, 18, 20), out)

			b.FailNextLaunch(0, 1)
			assert.Error(t, b.Launch(0, program, args))
			assert.Equal(t, int64(1), b.Counters(0).Launches)

			// Wrong argument types are reported by the kernel.
			assert.Error(t, b.Launch(0, program, []backends.Arg{backends.ScalarArgument(int32(1))}))
		})
	}
}

func TestCompileErrors(t *testing.T) {
	b := must.M1(New("fpga"))
	defer b.Finalize()
	lib := NewLibrary()
	lib.Register("dgemm", func(*KernelContext) error { return nil }, dtypes.Float64)
	caps := must.M1(b.DeviceCapabilities(0))
	_, err := lib.Compile(codecache.Signature{Entry: "dgemm"}, caps)
	assert.ErrorContains(t, err, "not supported")
	_, err = lib.Compile(codecache.Signature{Entry: "missing"}, caps)
	assert.ErrorContains(t, err, "not found")
	assert.Equal(t, int64(0), lib.Compilations())

	// A program compiled for another kind of device is refused.
	gpu := must.M1(New("gpu"))
	defer gpu.Finalize()
	lib.Register("noop", func(*KernelContext) error { return nil })
	program := must.M1(lib.Compile(codecache.Signature{Entry: "noop"}, must.M1(gpu.DeviceCapabilities(0))))
	require.NoError(t, b.ReserveHeap(0, 1024))
	assert.Error(t, b.Launch(0, program, nil))
}

func TestParallelForPanics(t *testing.T) {
	b := must.M1(New("cpu,units=4"))
	defer b.Finalize()
	lib := NewLibrary()
	lib.Register("panics", func(ctx *KernelContext) error {
		return ctx.ParallelFor(100, func(start, end int) error {
			if start == 0 {
				panic("index out of range")
			}
			return nil
		})
	})
	program := must.M1(lib.Compile(codecache.Signature{Entry: "panics"}, must.M1(b.DeviceCapabilities(0))))
	require.NoError(t, b.ReserveHeap(0, 1024))
	assert.ErrorContains(t, b.Launch(0, program, nil), "panicked")
}
