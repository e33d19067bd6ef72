// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package events

import (
	"bytes"
	"context"
	"flag"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/accelrt/pkg/core/failures"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
	_ = flag.Set("v", "2")
}

func sleepFor(d time.Duration) func() error {
	return func() error {
		time.Sleep(d)
		return nil
	}
}

func TestSameQueueOrder(t *testing.T) {
	s := New("test", Config{NumQueues: 1})
	defer s.Close()

	var order []int
	var mu sync.Mutex
	record := func(i int, d time.Duration) func() error {
		return func() error {
			time.Sleep(d)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}
	}
	e1, err := s.EnqueueKernel(0, "first", record(1, 20*time.Millisecond))
	require.NoError(t, err)
	e2, err := s.EnqueueKernel(0, "second", record(2, 0))
	require.NoError(t, err)
	require.Less(t, e1, e2)
	require.NoError(t, s.Wait(e2))

	ev1, err := s.Resolve(e1)
	require.NoError(t, err)
	ev2, err := s.Resolve(e2)
	require.NoError(t, err)
	assert.Equal(t, Complete, ev1.Status)
	assert.Equal(t, Complete, ev2.Status)
	assert.False(t, ev1.Completed.After(ev2.Completed))
	assert.False(t, ev2.Started.Before(ev1.Completed))
	assert.Equal(t, []int{1, 2}, order)
}

func TestCrossQueueWaitList(t *testing.T) {
	s := New("test", Config{NumQueues: 2})
	defer s.Close()

	var produced atomic.Bool
	e1, err := s.EnqueueTransferIn(0, "produce", 16, func() error {
		time.Sleep(20 * time.Millisecond)
		produced.Store(true)
		return nil
	})
	require.NoError(t, err)
	var sawProduced bool
	e2, err := s.EnqueueKernel(1, "consume", func() error {
		sawProduced = produced.Load()
		return nil
	}, e1)
	require.NoError(t, err)
	require.NoError(t, s.Wait(e2))
	assert.True(t, sawProduced)
	ev, err := s.Resolve(e2)
	require.NoError(t, err)
	assert.Equal(t, []ID{e1}, ev.WaitList)
}

func TestFailurePropagation(t *testing.T) {
	s := New("test", Config{NumQueues: 2})
	defer s.Close()

	eIn, err := s.EnqueueTransferIn(0, "broken transfer", 1024, func() error {
		return errors.New("bus error")
	})
	require.NoError(t, err)
	var kernelRan atomic.Bool
	eKernel, err := s.EnqueueKernel(1, "kernel", func() error {
		kernelRan.Store(true)
		return nil
	}, eIn)
	require.NoError(t, err)
	eOut, err := s.EnqueueTransferOut(1, "read back", 1024, func() error { return nil }, eKernel)
	require.NoError(t, err)

	// Independent command on the same queue as the failure keeps running.
	eIndependent, err := s.EnqueueKernel(0, "independent", func() error { return nil })
	require.NoError(t, err)

	err = s.Wait(eOut)
	require.Error(t, err)
	assert.Equal(t, failures.TransferFailure, failures.KindOf(err))
	assert.Equal(t, int64(eIn), failures.EventOf(err))
	assert.False(t, kernelRan.Load())

	ev, err := s.Resolve(eKernel)
	require.NoError(t, err)
	assert.Equal(t, Failed, ev.Status)
	assert.Equal(t, eIn, ev.Origin)
	assert.True(t, ev.Started.IsZero(), "kernel with a failed dependency must never start")

	require.NoError(t, s.Wait(eIndependent))

	// Submitting with an already failed event in the wait list also fails.
	eLate, err := s.EnqueueKernel(0, "late", func() error { return nil }, eKernel)
	require.NoError(t, err)
	err = s.Wait(eLate)
	assert.Equal(t, int64(eIn), failures.EventOf(err))
}

func TestLaunchFailureAndPanic(t *testing.T) {
	s := New("test", Config{})
	defer s.Close()
	e1, err := s.EnqueueKernel(0, "panics", func() error { panic("boom") })
	require.NoError(t, err)
	err = s.Wait(e1)
	require.Error(t, err)
	assert.Equal(t, failures.LaunchFailure, failures.KindOf(err))

	// A classified error keeps its kind.
	e2, err := s.EnqueueKernel(0, "stale", func() error {
		return failures.New(failures.InconsistentState, "stale buffer")
	})
	require.NoError(t, err)
	assert.True(t, failures.Is(s.Wait(e2), failures.InconsistentState))
}

func TestBarrierAndMarker(t *testing.T) {
	s := New("test", Config{NumQueues: 2})
	defer s.Close()

	release := make(chan struct{})
	eSlow, err := s.EnqueueKernel(1, "slow", func() error {
		<-release
		return nil
	})
	require.NoError(t, err)

	// A marker on queue 0 waiting on eSlow doesn't stall queue 0.
	eMarker, err := s.EnqueueMarker(0, eSlow)
	require.NoError(t, err)
	eAfterMarker, err := s.EnqueueKernel(0, "after marker", func() error { return nil })
	require.NoError(t, err)
	require.NoError(t, s.Wait(eAfterMarker))
	assert.Equal(t, Submitted, s.Status(eMarker))

	// A barrier on queue 0 waiting on eSlow stalls later commands of queue 0.
	eBarrier, err := s.EnqueueBarrier(0, eSlow)
	require.NoError(t, err)
	var afterBarrierRan atomic.Bool
	eAfterBarrier, err := s.EnqueueKernel(0, "after barrier", func() error {
		afterBarrierRan.Store(true)
		return nil
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.False(t, afterBarrierRan.Load())
	assert.False(t, s.Status(eBarrier).IsResolved())

	close(release)
	require.NoError(t, s.Wait(eAfterBarrier, eMarker))
	assert.True(t, afterBarrierRan.Load())
	marker, err := s.Resolve(eMarker)
	require.NoError(t, err)
	assert.Contains(t, marker.WaitList, eSlow)
}

func TestMarkerKeepsQueueOrder(t *testing.T) {
	s := New("test", Config{NumQueues: 2})
	defer s.Close()
	e0, err := s.EnqueueKernel(0, "first", func() error { return nil })
	require.NoError(t, err)
	require.NoError(t, s.Wait(e0))

	release := make(chan struct{})
	eSlow, err := s.EnqueueKernel(0, "slow", func() error {
		<-release
		return nil
	})
	require.NoError(t, err)
	eOther, err := s.EnqueueKernel(1, "other queue", func() error { return nil })
	require.NoError(t, err)

	// The marker only lists e0, but it was submitted after eSlow on the same queue.
	eMarker, err := s.EnqueueMarker(0, e0)
	require.NoError(t, err)
	marker, err := s.Resolve(eMarker)
	require.NoError(t, err)
	assert.Contains(t, marker.WaitList, eSlow)
	assert.NotContains(t, marker.WaitList, eOther)

	// A second marker orders after the first.
	eMarker2, err := s.EnqueueMarker(0, eOther)
	require.NoError(t, err)
	require.NoError(t, s.Wait(eOther))
	time.Sleep(20 * time.Millisecond)
	assert.False(t, s.Status(eMarker).IsResolved())
	assert.False(t, s.Status(eMarker2).IsResolved())

	close(release)
	require.NoError(t, s.Wait(eMarker, eMarker2))
	slow, err := s.Resolve(eSlow)
	require.NoError(t, err)
	first, err := s.Resolve(eMarker)
	require.NoError(t, err)
	second, err := s.Resolve(eMarker2)
	require.NoError(t, err)
	assert.False(t, first.Completed.Before(slow.Completed))
	assert.False(t, second.Completed.Before(first.Completed))
}

func TestMarkerWithEmptyWaitList(t *testing.T) {
	s := New("test", Config{})
	defer s.Close()
	var done atomic.Int32
	for range 3 {
		_, err := s.EnqueueKernel(0, "work", func() error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	eMarker, err := s.EnqueueMarker(0)
	require.NoError(t, err)
	require.NoError(t, s.Wait(eMarker))
	assert.Equal(t, int32(3), done.Load())

	eMark, err := s.MarkEvent()
	require.NoError(t, err)
	assert.Equal(t, eMark, s.LastMark())
	require.NoError(t, s.Wait(eMark))
}

func TestFlushThreshold(t *testing.T) {
	s := New("test", Config{NumQueues: 1, FlushThreshold: 3})
	defer s.Close()
	var ran atomic.Int32
	work := func() error {
		ran.Add(1)
		return nil
	}
	e1, err := s.EnqueueKernel(0, "k1", work)
	require.NoError(t, err)
	e2, err := s.EnqueueKernel(0, "k2", work)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, Queued, s.Status(e1))
	assert.Equal(t, Queued, s.Status(e2))

	// Third command reaches the threshold and dispatches everything.
	e3, err := s.EnqueueKernel(0, "k3", work)
	require.NoError(t, err)
	require.NoError(t, s.Wait(e3))
	assert.Equal(t, int32(3), ran.Load())

	// Waiting flushes implicitly.
	e4, err := s.EnqueueKernel(0, "k4", work)
	require.NoError(t, err)
	require.NoError(t, s.Wait(e4))

	// Sync flushes too.
	_, err = s.EnqueueKernel(0, "k5", work)
	require.NoError(t, err)
	s.Sync()
	assert.Equal(t, int32(5), ran.Load())
	assert.Equal(t, 0, s.Outstanding())
}

func TestFlushPullsCrossQueueDependencies(t *testing.T) {
	s := New("test", Config{NumQueues: 2, FlushThreshold: 10})
	defer s.Close()
	e1, err := s.EnqueueTransferIn(0, "in", 8, sleepFor(time.Millisecond))
	require.NoError(t, err)
	e2, err := s.EnqueueKernel(1, "kernel", sleepFor(time.Millisecond), e1)
	require.NoError(t, err)
	s.mu.Lock()
	s.lockedFlush(s.queues[1])
	s.mu.Unlock()
	assert.NotEqual(t, Queued, s.Status(e1))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.WaitContext(ctx, e2))
}

func TestInvalidIDs(t *testing.T) {
	s := New("test", Config{NumQueues: 1})
	defer s.Close()
	_, err := s.EnqueueKernel(0, "bad", nil, 42)
	assert.True(t, failures.Is(err, failures.InconsistentState))
	_, err = s.EnqueueKernel(3, "bad queue", nil)
	assert.True(t, failures.Is(err, failures.InconsistentState))
	_, err = s.Resolve(0)
	assert.Error(t, err)

	e1, err := s.EnqueueKernel(0, "ok", nil)
	require.NoError(t, err)
	require.NoError(t, s.Wait(e1))
	s.Reset()
	_, err = s.Resolve(e1)
	assert.True(t, failures.Is(err, failures.InconsistentState))
	assert.Error(t, s.Wait(e1))
	e2, err := s.EnqueueKernel(0, "after reset", nil)
	require.NoError(t, err)
	assert.Greater(t, e2, e1)
	require.NoError(t, s.Wait(e2))
}

func TestPruning(t *testing.T) {
	s := New("test", Config{NumQueues: 1, RetainResolved: -1})
	defer s.Close()

	eFail, err := s.EnqueueKernel(0, "fails", func() error { return errors.New("kaput") })
	require.NoError(t, err)
	var ids []ID
	for range 10 {
		id, err := s.EnqueueKernel(0, "ok", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	s.Sync()
	assert.Equal(t, 11, s.Len())
	assert.Equal(t, 10, s.FlushEvents())
	assert.Equal(t, 1, s.Len())

	ev, err := s.Resolve(ids[3])
	require.NoError(t, err)
	assert.Equal(t, Complete, ev.Status)
	assert.True(t, ev.Reclaimed)
	require.NoError(t, s.Wait(ids...))

	// Failed records are retained.
	ev, err = s.Resolve(eFail)
	require.NoError(t, err)
	assert.Equal(t, Failed, ev.Status)
	assert.False(t, ev.Reclaimed)

	// A completed record still referenced by a pending wait list is not reclaimed.
	eFirst, err := s.EnqueueKernel(0, "first", nil)
	require.NoError(t, err)
	require.NoError(t, s.Wait(eFirst))
	release := make(chan struct{})
	eBlock, err := s.EnqueueKernel(0, "block", func() error {
		<-release
		return nil
	})
	require.NoError(t, err)
	eDependent, err := s.EnqueueKernel(0, "dependent", nil, eFirst)
	require.NoError(t, err)
	s.FlushEvents()
	ev, err = s.Resolve(eFirst)
	require.NoError(t, err)
	assert.False(t, ev.Reclaimed)
	close(release)
	require.NoError(t, s.Wait(eBlock, eDependent))
	s.FlushEvents()
	assert.Equal(t, 1, s.Len())
}

func TestAutomaticPruning(t *testing.T) {
	s := New("test", Config{NumQueues: 1, RetainResolved: 4})
	defer s.Close()
	for range 20 {
		id, err := s.EnqueueKernel(0, "ok", nil)
		require.NoError(t, err)
		require.NoError(t, s.Wait(id))
	}
	assert.LessOrEqual(t, s.Len(), 8)
	assert.Equal(t, 20, s.Count(Kernel))
}

func TestOnResolveBeforeWaiters(t *testing.T) {
	s := New("test", Config{})
	defer s.Close()
	var resolvedOK atomic.Bool
	id, err := s.Submit(Command{
		Kind: TransferOut, Description: "out",
		Run:       sleepFor(5 * time.Millisecond),
		OnResolve: func(e Event) { resolvedOK.Store(e.Status == Complete) },
	})
	require.NoError(t, err)
	require.NoError(t, s.Wait(id))
	assert.True(t, resolvedOK.Load())
}

func TestDumpEvents(t *testing.T) {
	s := New("dump", Config{NumQueues: 2})
	defer s.Close()
	e1, err := s.EnqueueTransferIn(0, "input", 4096, nil)
	require.NoError(t, err)
	e2, err := s.EnqueueKernel(1, "saxpy", nil, e1)
	require.NoError(t, err)
	require.NoError(t, s.Wait(e2))
	var buf bytes.Buffer
	require.NoError(t, s.DumpEvents(&buf))
	out := buf.String()
	assert.Contains(t, out, "saxpy")
	assert.Contains(t, out, "TransferIn")
	assert.Contains(t, out, "4.0 KiB")
	assert.Contains(t, out, "COMPLETE")
}

func TestCloseRefusesSubmissions(t *testing.T) {
	s := New("test", Config{})
	s.Close()
	_, err := s.EnqueueKernel(0, "late", nil)
	assert.True(t, failures.Is(err, failures.InconsistentState))
	s.Close()
}
