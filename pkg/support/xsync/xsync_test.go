// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	go func() {
		time.Sleep(5 * time.Millisecond)
		l.Trigger()
	}()
	l.Wait()
	require.True(t, l.Test())
	require.False(t, l.Trigger(), "second trigger should be a no-op")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.WaitContext(ctx), "an already triggered latch never reports cancellation")
	require.ErrorIs(t, NewLatch().WaitContext(ctx), context.Canceled)
}

func TestDynamicWaitGroup(t *testing.T) {
	wg := NewDynamicWaitGroup()
	wg.Wait() // Zero counter returns immediately.

	wg.Add(2)
	assert.Equal(t, 2, wg.Count())
	done := NewLatch()
	go func() {
		wg.Wait()
		done.Trigger()
	}()
	wg.Done()
	wg.Add(1) // Work added while someone is waiting.
	wg.Done()
	require.False(t, done.Test())
	wg.Done()
	select {
	case <-done.WaitChan():
	case <-time.After(time.Second):
		t.Fatal("Wait() didn't return after the counter reached zero")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	wg.Add(1)
	require.ErrorIs(t, wg.WaitContext(ctx), context.DeadlineExceeded)
	require.Panics(t, func() { wg.Add(-2) })
}
