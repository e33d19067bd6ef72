// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/accelrt/pkg/support/xsync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New(2)
	var running, maxRunning atomic.Int32
	release := xsync.NewLatch()
	done := make(chan struct{}, 4)
	for range 4 {
		go pool.WaitToStart(func() {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			release.Wait()
			running.Add(-1)
			done <- struct{}{}
		})
	}
	time.Sleep(20 * time.Millisecond)
	release.Trigger()
	for range 4 {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for tasks")
		}
	}
	assert.LessOrEqual(t, int(maxRunning.Load()), 2)
}

func TestPool_ParallelFor(t *testing.T) {
	for _, parallelism := range []int{-1, 1, 3, 8} {
		pool := New(parallelism)
		const n = 100
		var covered [n]atomic.Int32
		require.NoError(t, pool.ParallelFor(n, func(start, end int) error {
			for i := start; i < end; i++ {
				covered[i].Add(1)
			}
			return nil
		}))
		for i := range n {
			require.Equal(t, int32(1), covered[i].Load(), "parallelism=%d, index %d", parallelism, i)
		}
	}

	pool := New(4)
	err := pool.ParallelFor(10, func(start, end int) error {
		if start > 0 {
			return errors.Errorf("chunk %d failed", start)
		}
		return nil
	})
	require.Error(t, err)

	pool.SetMaxParallelism(0)
	var calls int
	require.NoError(t, pool.ParallelFor(10, func(start, end int) error {
		calls++
		assert.Equal(t, 0, start)
		assert.Equal(t, 10, end)
		return nil
	}))
	assert.Equal(t, 1, calls)
}
