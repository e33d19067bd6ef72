// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package _default

import (
	"testing"

	"github.com/gomlx/accelrt/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultBackends(t *testing.T) {
	assert.Contains(t, backends.List(), "sim")
	t.Setenv(backends.ConfigEnvVar, "sim:kind=fpga,devices=2,memory=8MiB")
	backend, err := backends.New()
	require.NoError(t, err)
	defer backend.Finalize()
	assert.Equal(t, "sim", backend.Name())
	assert.Equal(t, backends.DeviceNum(2), backend.NumDevices())
	caps, err := backend.DeviceCapabilities(1)
	require.NoError(t, err)
	assert.Equal(t, "fpga", caps.DeviceType)
}
