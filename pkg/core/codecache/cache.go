// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package codecache caches the device-specific code compiled from kernel signatures.
//
// The cache is keyed by (signature fingerprint, device id) and is populated at most once per key: a
// lookup that misses while another goroutine compiles the same key blocks on that compilation and
// receives the same artifact. Compilation failures are not cached, so a later Install retries.
package codecache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/pkg/core/failures"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Compiler turns a signature into a program for a device with the given capabilities.
// It's the boundary to the external kernel compiler.
type Compiler interface {
	Compile(sig Signature, caps backends.Capabilities) (backends.Program, error)
}

// CompilerFunc adapts a function to the Compiler interface.
type CompilerFunc func(sig Signature, caps backends.Capabilities) (backends.Program, error)

// Compile implements Compiler.
func (fn CompilerFunc) Compile(sig Signature, caps backends.Capabilities) (backends.Program, error) {
	return fn(sig, caps)
}

// InstalledCode is the immutable compiled artifact of a signature on one device.
type InstalledCode struct {
	Key         Key
	Entry       string
	Program     backends.Program
	InstalledAt time.Time
	CompileTime time.Duration
}

// String implements fmt.Stringer.
func (c *InstalledCode) String() string {
	return fmt.Sprintf("InstalledCode(%s %s, compiled in %s)", c.Entry, c.Key, c.CompileTime)
}

// Stats of a Cache.
type Stats struct {
	Hits, Misses, Compilations, Failures int64
}

// Cache of installed code. It is safe for concurrent use.
type Cache struct {
	compiler Compiler

	mu      sync.RWMutex
	entries map[Key]*InstalledCode

	// generations of each device, bumped by Invalidate: compilations started in an older generation
	// are returned to their callers but not stored.
	generations map[string]uint64

	inflight singleflight.Group

	hits, misses, compilations, failed atomic.Int64
}

// New creates an empty cache that compiles with compiler.
func New(compiler Compiler) *Cache {
	return &Cache{
		compiler:    compiler,
		entries:     make(map[Key]*InstalledCode),
		generations: make(map[string]uint64),
	}
}

// Lookup returns the installed code for the signature on the device, if present.
func (c *Cache) Lookup(sig Signature, deviceID string) (*InstalledCode, bool) {
	return c.lookup(sig.Key(deviceID))
}

func (c *Cache) lookup(key Key) (*InstalledCode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	code, found := c.entries[key]
	return code, found
}

// Install returns the code of sig for the device, compiling it on a miss.
// Compilation errors are returned as COMPILATION_FAILURE, with the compiler's output as diagnostics.
func (c *Cache) Install(sig Signature, deviceID string, caps backends.Capabilities) (*InstalledCode, error) {
	key := sig.Key(deviceID)
	if code, found := c.lookup(key); found {
		c.hits.Add(1)
		return code, nil
	}
	c.misses.Add(1)
	c.mu.RLock()
	generation := c.generations[deviceID]
	c.mu.RUnlock()
	flight := fmt.Sprintf("%s@%s#%d", key.Fingerprint, key.DeviceID, generation)
	result, err, shared := c.inflight.Do(flight, func() (any, error) {
		// A concurrent flight may have finished between the lookup and Do.
		if code, found := c.lookup(key); found {
			return code, nil
		}
		start := time.Now()
		program, err := c.compiler.Compile(sig, caps)
		if err != nil {
			c.failed.Add(1)
			fErr, _ := failures.As(failures.Wrap(err, failures.CompilationFailure, "compiling %s for %s", sig, deviceID))
			if fErr.Diagnostics == "" {
				fErr = fErr.WithDiagnostics(err.Error())
			}
			return nil, fErr
		}
		c.compilations.Add(1)
		code := &InstalledCode{
			Key:         key,
			Entry:       sig.Entry,
			Program:     program,
			InstalledAt: time.Now(),
			CompileTime: time.Since(start),
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generations[deviceID] != generation {
			klog.V(1).Infof("%s compiled across an invalidation of %s: not cached", code, deviceID)
			return code, nil
		}
		c.entries[key] = code
		klog.V(1).Infof("installed %s", code)
		return code, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		klog.V(2).Infof("installation of %s shared with a concurrent caller", key)
	}
	return result.(*InstalledCode), nil
}

// Len returns the number of installed entries.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Invalidate drops every entry of the device, and returns how many were dropped.
// Compilations for the device still in flight are not cached when they finish.
func (c *Cache) Invalidate(deviceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[deviceID]++
	count := 0
	for key := range c.entries {
		if key.DeviceID == deviceID {
			delete(c.entries, key)
			count++
		}
	}
	return count
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Compilations: c.compilations.Load(),
		Failures:     c.failed.Load(),
	}
}
