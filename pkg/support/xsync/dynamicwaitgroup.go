// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// DynamicWaitGroup is a WaitGroup-like counter that accepts new work (Add) while someone is
// already waiting on it: a Wait returns the first time the counter is observed at zero.
//
// Command queues use it to implement "sync": block until every submitted command resolved,
// while other goroutines keep submitting.
type DynamicWaitGroup struct {
	mu    sync.Mutex
	count int64

	// zero is closed (and replaced) every time the counter drops to zero.
	zero chan struct{}
}

// NewDynamicWaitGroup creates a new DynamicWaitGroup with a zero counter.
func NewDynamicWaitGroup() *DynamicWaitGroup {
	return &DynamicWaitGroup{zero: make(chan struct{})}
}

// Add changes the counter by delta. It panics if the counter would become negative.
func (wg *DynamicWaitGroup) Add(delta int) {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	wg.count += int64(delta)
	if wg.count < 0 {
		panic(errors.Errorf("DynamicWaitGroup: negative counter (%d)", wg.count))
	}
	if wg.count == 0 {
		close(wg.zero)
		wg.zero = make(chan struct{})
	}
}

// Done decrements the counter by one.
func (wg *DynamicWaitGroup) Done() {
	wg.Add(-1)
}

// Count returns the current value of the counter.
func (wg *DynamicWaitGroup) Count() int {
	wg.mu.Lock()
	defer wg.mu.Unlock()
	return int(wg.count)
}

// Wait blocks until the counter is zero.
func (wg *DynamicWaitGroup) Wait() {
	_ = wg.WaitContext(context.Background())
}

// WaitContext blocks until the counter is zero or ctx is done.
func (wg *DynamicWaitGroup) WaitContext(ctx context.Context) error {
	wg.mu.Lock()
	if wg.count == 0 {
		wg.mu.Unlock()
		return nil
	}
	zero := wg.zero
	wg.mu.Unlock()
	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
