// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization primitives used by the command queues: a one-shot
// Latch that events resolve through, and a DynamicWaitGroup that tracks outstanding work.
package xsync

import (
	"context"
	"sync"
)

// Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger the latch. It returns false if the latch had already been triggered.
func (l *Latch) Trigger() bool {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()
	if l.Test() {
		return false
	}
	close(l.wait)
	return true
}

// Wait blocks until the latch is triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// WaitContext blocks until the latch is triggered or ctx is done, in which case it returns ctx.Err().
func (l *Latch) WaitContext(ctx context.Context) error {
	select {
	case <-l.wait:
		return nil
	case <-ctx.Done():
		// A latch triggered concurrently with the cancellation still counts as triggered.
		if l.Test() {
			return nil
		}
		return ctx.Err()
	}
}

// Test checks whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns a channel that is closed when the latch triggers.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}
