// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/backends/simulated"
	"github.com/gomlx/accelrt/pkg/core/codecache"
	"github.com/gomlx/accelrt/pkg/core/events"
	"github.com/gomlx/accelrt/pkg/core/failures"
	"github.com/gomlx/accelrt/pkg/core/objects"
	"github.com/gomlx/accelrt/pkg/core/state"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var library = simulated.NewLibrary()

func init() {
	library.Register("saxpy", func(ctx *simulated.KernelContext) error {
		alpha, err := simulated.Scalar[float32](ctx, 0)
		if err != nil {
			return err
		}
		x, err := simulated.Slice[float32](ctx, 1)
		if err != nil {
			return err
		}
		y, err := simulated.Slice[float32](ctx, 2)
		if err != nil {
			return err
		}
		return ctx.ParallelFor(len(y), func(start, end int) error {
			for ii := start; ii < end; ii++ {
				y[ii] += alpha * x[ii]
			}
			return nil
		})
	}, dtypes.Float32)
}

var saxpySig = codecache.Signature{Entry: "saxpy", Bytecode: []byte("saxpy-v1")}

func newTestDevice(t *testing.T, backendConfig string, config Config) (*Device, *simulated.Backend) {
	backend := must.M1(simulated.New(backendConfig))
	t.Cleanup(backend.Finalize)
	d := MustNew(backend, 0, library, config)
	t.Cleanup(func() { _ = d.Finalize() })
	return d, backend
}

func TestConfig(t *testing.T) {
	c := DefaultConfig()
	assert.Equal(t, ByteSize(256<<20), c.HeapSize)
	assert.Equal(t, uint64(64), c.Alignment)
	assert.Equal(t, 1, c.NumQueues)
	assert.Equal(t, 0, c.FlushThreshold)
	assert.Equal(t, 256, c.CallStackLimit)
	assert.False(t, c.FeatureExtraction)
	require.NoError(t, c.Validate())

	c, err := ParseConfig([]byte("heap_size: 64MiB\nqueues: 4\nfeature_extraction: true\n"), YAML)
	require.NoError(t, err)
	assert.Equal(t, ByteSize(64<<20), c.HeapSize)
	assert.Equal(t, 4, c.NumQueues)
	assert.True(t, c.FeatureExtraction)
	assert.Equal(t, uint64(64), c.Alignment, "defaults kept")

	c, err = ParseConfig([]byte("heap_size = \"1 GB\"\nalignment = 128\nflush_threshold = 8\n"), TOML)
	require.NoError(t, err)
	assert.Equal(t, ByteSize(1_000_000_000), c.HeapSize)
	assert.Equal(t, uint64(128), c.Alignment)
	assert.Equal(t, 8, c.FlushThreshold)

	_, err = ParseConfig([]byte("alignment: 48\n"), YAML)
	assert.True(t, failures.Is(err, failures.InconsistentState))
	_, err = ParseConfig([]byte("heap: 1MiB\n"), YAML)
	assert.Error(t, err, "unknown field")
	_, err = ParseConfig([]byte("colour = \"blue\"\n"), TOML)
	assert.Error(t, err, "unknown field")
	_, err = ParseConfig([]byte("heap_size: lots\n"), YAML)
	assert.Error(t, err)

	dir := t.TempDir()
	tomlPath := filepath.Join(dir, "device.toml")
	require.NoError(t, os.WriteFile(tomlPath, []byte("queues = 2\n"), 0o644))
	c, err = LoadConfig(tomlPath)
	require.NoError(t, err)
	assert.Equal(t, 2, c.NumQueues)
	yamlPath := filepath.Join(dir, "device.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(""), 0o644))
	c, err = LoadConfig(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	text, err := ByteSize(3 << 20).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "3.0 MiB", string(text))
}

func TestLifecycle(t *testing.T) {
	d, backend := newTestDevice(t, "kind=gpu,memory=256MiB,maxalloc=64MiB", DefaultConfig())
	assert.False(t, d.IsInitialised())
	x := objects.FromFlat([]float32{1, 2, 3})
	_, err := d.EnsurePresent(x)
	assert.True(t, failures.Is(err, failures.InconsistentState))
	_, err = d.InstallCode(saxpySig)
	assert.True(t, failures.Is(err, failures.InconsistentState))
	assert.Error(t, d.Sync())

	require.NoError(t, d.EnsureLoaded())
	require.NoError(t, d.EnsureLoaded())
	assert.True(t, d.IsInitialised())
	info := d.MemoryProvider()
	assert.Equal(t, uint64(64<<20), info.HeapSize, "heap capped by the maximum allocation")
	assert.Equal(t, uint64(0), info.Used)
	assert.Equal(t, 256, info.CallStackLimit)

	assert.Equal(t, "sim:0", d.ID())
	assert.Equal(t, "sim-gpu-0", d.Name())
	assert.Equal(t, "gpu", d.DeviceType())
	assert.Equal(t, simulated.Platform, d.PlatformName())
	assert.Equal(t, backends.PerIteration, d.PreferredSchedule())
	assert.True(t, d.IsDistributedMemory())
	assert.NotEmpty(t, d.InstanceID())
	assert.Same(t, backend, d.Backend())

	require.NoError(t, d.Finalize())
	assert.False(t, d.IsInitialised())
	_, err = d.EnsurePresent(x)
	assert.True(t, failures.Is(err, failures.InconsistentState))
	assert.Error(t, d.EnsureLoaded())
}

func TestHeapRefused(t *testing.T) {
	backend := must.M1(simulated.New("memory=64MiB"))
	defer backend.Finalize()
	// Someone else holds the heap of the device.
	require.NoError(t, backend.ReserveHeap(0, 1<<20))
	d := MustNew(backend, 0, library, DefaultConfig())
	defer func() { _ = d.Finalize() }()
	err := d.EnsureLoaded()
	require.Error(t, err)
	assert.Equal(t, failures.ResourceExhaustion, failures.KindOf(err))
	assert.False(t, d.IsInitialised())

	assert.Panics(t, func() { d.MustEnsureLoaded() })
	exception := exceptions.Try(func() { MustNew(backend, 7, library, DefaultConfig()) })
	assert.NotNil(t, exception)
}

func TestSaxpy(t *testing.T) {
	d, backend := newTestDevice(t, "kind=cpu,memory=64MiB", DefaultConfig())
	d.MustEnsureLoaded()

	x := objects.FromFlat([]float32{1, 2, 3, 4})
	y := objects.FromFlat([]float32{10, 20, 30, 40})
	evX, err := d.EnsurePresent(x)
	require.NoError(t, err)
	evY, err := d.EnsurePresent(y)
	require.NoError(t, err)

	code, err := d.InstallCode(saxpySig)
	require.NoError(t, err)
	again, err := d.InstallCode(saxpySig)
	require.NoError(t, err)
	assert.Same(t, code, again)

	stack, err := d.CreateStack(3)
	require.NoError(t, err)
	require.NoError(t, stack.PushScalar(float32(0.5)))
	require.NoError(t, stack.PushObject(x))
	require.NoError(t, stack.PushObject(y))
	assert.Error(t, stack.PushScalar(float32(1)), "stack is full")
	assert.Equal(t, []objects.DataObject{x, y}, stack.Objects())

	kernel, err := d.EnqueueKernel(code, stack, append(evX, evY...)...)
	require.NoError(t, err)
	require.NoError(t, d.Tracker().MarkDeviceWrite(y, kernel))
	require.NoError(t, d.StreamOutBlocking(y, kernel))
	assert.Equal(t, []float32{10.5, 21, 31.5, 42}, y.Values())
	assert.Equal(t, state.ValidBoth, d.State(y).Residency)
	assert.Equal(t, state.DeviceOnly, d.State(x).Residency)

	// Second run: inputs are already present.
	evX, err = d.EnsurePresent(x)
	require.NoError(t, err)
	assert.Empty(t, evX)
	assert.Equal(t, 2, d.Scheduler().Count(events.TransferIn))
	assert.Equal(t, int64(1), backend.Counters(0).Launches)

	var buf bytes.Buffer
	require.NoError(t, d.DumpEvents(&buf))
	assert.Contains(t, buf.String(), "saxpy")
}

func TestKernelArgumentsMustBeAllocated(t *testing.T) {
	d, _ := newTestDevice(t, "gpu", DefaultConfig())
	d.MustEnsureLoaded()
	code := must.M1(d.InstallCode(saxpySig))
	stack := must.M1(d.CreateStack(3))
	require.NoError(t, stack.PushScalar(float32(1)))
	require.NoError(t, stack.PushObject(objects.Zeros[float32](4)))
	require.NoError(t, stack.PushObject(objects.Zeros[float32](4)))
	_, err := d.EnqueueKernel(code, stack)
	assert.True(t, failures.Is(err, failures.InconsistentState))

	_, err = d.CreateStack(1000)
	assert.True(t, failures.Is(err, failures.ResourceExhaustion))
	assert.Error(t, stack.PushScalar(struct{}{}))
}

func TestResetInvalidatesEverything(t *testing.T) {
	d, _ := newTestDevice(t, "gpu,memory=64MiB", DefaultConfig())
	d.MustEnsureLoaded()
	a := objects.FromFlat([]int32{1, 2, 3})
	evs, err := d.EnsurePresent(a)
	require.NoError(t, err)
	require.NoError(t, d.Wait(evs...))
	oldBuffer := d.State(a).Buffer
	_ = must.M1(d.InstallCode(saxpySig))
	require.Equal(t, 1, d.CodeCache().Len())

	require.NoError(t, d.Reset())
	assert.Equal(t, state.Absent, d.State(a).Residency)
	assert.Equal(t, uint64(0), d.MemoryProvider().Used)
	assert.True(t, failures.Is(d.Memory().Check(oldBuffer), failures.InconsistentState))
	_, err = d.ResolveEvent(evs[0])
	assert.True(t, failures.Is(err, failures.InconsistentState))
	assert.Equal(t, 0, d.CodeCache().Len())

	// Usable again.
	evs, err = d.EnsurePresent(a)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.NoError(t, d.Wait(evs...))
}

func TestStreams(t *testing.T) {
	config := DefaultConfig()
	config.NumQueues = 2
	d, backend := newTestDevice(t, "gpu,memory=64MiB", config)
	d.MustEnsureLoaded()
	_, err := d.Stream(2)
	assert.Error(t, err)
	s1 := must.M1(d.Stream(1))
	assert.Equal(t, 1, s1.Queue())
	assert.Same(t, d, s1.Device())

	a := objects.FromFlat([]float32{1, 1})
	b := objects.FromFlat([]float32{2, 2})
	evA := must.M1(d.EnsurePresent(a))
	evB := must.M1(s1.EnsurePresent(b))
	code := must.M1(d.InstallCode(saxpySig))
	stack := must.M1(d.CreateStack(3))
	require.NoError(t, stack.PushScalar(float32(3)))
	require.NoError(t, stack.PushObject(a))
	require.NoError(t, stack.PushObject(b))
	kernel, err := s1.EnqueueKernel(code, stack, append(evA, evB...)...)
	require.NoError(t, err)
	require.NoError(t, d.Tracker().MarkDeviceWrite(b, kernel))
	out, err := s1.StreamOut(b, kernel)
	require.NoError(t, err)
	require.NoError(t, d.Wait(out))
	assert.Equal(t, []float32{5, 5}, b.Values())

	ev, err := d.ResolveEvent(kernel)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.Queue)
	require.NoError(t, d.Sync())

	// A failing transfer on one stream fails its dependents on the other.
	backend.FailNextCopyToDevice(0, 1)
	c := objects.FromFlat([]float32{7})
	evC := must.M1(d.StreamIn(c))
	marker, err := s1.EnqueueMarker(evC)
	require.NoError(t, err)
	err = s1.Wait(marker)
	assert.Equal(t, failures.TransferFailure, failures.KindOf(err))
	assert.Equal(t, int64(evC), failures.EventOf(err))
}

func TestDumpMemory(t *testing.T) {
	d, _ := newTestDevice(t, "fpga,memory=64MiB", DefaultConfig())
	d.MustEnsureLoaded()
	a := objects.RawFromBytes([]byte("0123456789abcdef"))
	evs := must.M1(d.EnsurePresent(a))
	require.NoError(t, d.Wait(evs...))
	mark, err := d.MarkEvent()
	require.NoError(t, err)
	require.NoError(t, d.Wait(mark))
	assert.GreaterOrEqual(t, d.FlushEvents(), 1)

	path := filepath.Join(t.TempDir(), "dumps", "memory.txt")
	require.NoError(t, d.DumpMemory(path))
	contents := string(must.M1(os.ReadFile(path)))
	assert.Contains(t, contents, "sim:0")
	assert.Contains(t, contents, "allocations=1")
	assert.Contains(t, contents, "DEVICE_ONLY")
	assert.Contains(t, contents, "0123456789abcdef")
}
