// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/accelrt/pkg/core/codecache"
	"github.com/gomlx/exceptions"
)

// MustNew is like New, but panics on error. Meant for tests and tools.
func MustNew(backend backends.Backend, deviceNum backends.DeviceNum, compiler codecache.Compiler, config Config) *Device {
	d, err := New(backend, deviceNum, compiler, config)
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	return d
}

// MustEnsureLoaded is like EnsureLoaded, but panics on error.
func (d *Device) MustEnsureLoaded() *Device {
	if err := d.EnsureLoaded(); err != nil {
		exceptions.Panicf("%+v", err)
	}
	return d
}
