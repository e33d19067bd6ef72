// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/backends"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Kind of simulated device.
type Kind int

const (
	GPU Kind = iota
	CPU
	FPGA
)

var kindNames = [...]string{"gpu", "cpu", "fpga"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// ParseKind converts "gpu", "cpu" or "fpga" (case-insensitive) to a Kind.
func ParseKind(s string) (Kind, error) {
	for ii, name := range kindNames {
		if strings.EqualFold(s, name) {
			return Kind(ii), nil
		}
	}
	return 0, errors.Errorf("unknown simulated device kind %q, valid kinds are %v", s, kindNames)
}

// Config of the simulated backend.
type Config struct {
	Kind       Kind
	NumDevices int

	// Memory is the global memory of each device.
	Memory uint64

	// MaxAllocation is the largest single allocation accepted. Defaults to a quarter of Memory.
	MaxAllocation uint64

	// Latency added to every copy and launch.
	Latency time.Duration

	// ComputeUnits of each device. Defaults depend on Kind.
	ComputeUnits int
}

// DefaultMemory of a simulated device.
const DefaultMemory = 1 << 30

// ParseConfig parses a comma separated list of options:
//
//   - kind=gpu|cpu|fpga: defaults to gpu.
//   - devices=<n>: number of devices, defaults to 1.
//   - memory=<size>: global memory per device, e.g. "1GiB". Defaults to 1GiB.
//   - maxalloc=<size>: largest allocation, defaults to memory/4.
//   - latency=<duration>: e.g. "200us", defaults to 0.
//   - units=<n>: compute units per device.
//
// A bare "gpu", "cpu" or "fpga" is accepted as a shortcut for the kind.
func ParseConfig(config string) (Config, error) {
	c := Config{Kind: GPU, NumDevices: 1, Memory: DefaultMemory}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			kind, err := ParseKind(key)
			if err != nil {
				return c, errors.Errorf("unknown configuration option %q for the simulated (%s) backend", part, BackendName)
			}
			c.Kind = kind
			continue
		}
		var err error
		switch strings.ToLower(key) {
		case "kind":
			c.Kind, err = ParseKind(value)
		case "devices":
			c.NumDevices, err = strconv.Atoi(value)
			if err == nil && c.NumDevices <= 0 {
				err = errors.Errorf("number of devices must be positive, got %d", c.NumDevices)
			}
		case "memory":
			c.Memory, err = humanize.ParseBytes(value)
		case "maxalloc":
			c.MaxAllocation, err = humanize.ParseBytes(value)
		case "latency":
			c.Latency, err = time.ParseDuration(value)
		case "units":
			c.ComputeUnits, err = strconv.Atoi(value)
		default:
			err = errors.Errorf("unknown option %q", key)
		}
		if err != nil {
			return c, errors.WithMessagef(err, "invalid configuration %q for the simulated (%s) backend", part, BackendName)
		}
	}
	if c.MaxAllocation == 0 || c.MaxAllocation > c.Memory {
		c.MaxAllocation = c.Memory / 4
	}
	if c.ComputeUnits <= 0 {
		switch c.Kind {
		case GPU:
			c.ComputeUnits = 16
		case CPU:
			c.ComputeUnits = runtime.NumCPU()
		case FPGA:
			c.ComputeUnits = 1
		}
	}
	return c, nil
}

var (
	allDTypes = []dtypes.DType{
		dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float32, dtypes.Float64,
	}
	fpgaDTypes = []dtypes.DType{
		dtypes.Bool, dtypes.Int8, dtypes.Int16, dtypes.Int32,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Float32,
	}
)

// capabilities of device deviceNum for the given config.
func (c Config) capabilities(deviceNum backends.DeviceNum) backends.Capabilities {
	caps := backends.Capabilities{
		DeviceName:    fmt.Sprintf("sim-%s-%d", c.Kind, deviceNum),
		DeviceType:    c.Kind.String(),
		Platform:      Platform,
		GlobalMemory:  c.Memory,
		MaxAllocation: c.MaxAllocation,
		ComputeUnits:  c.ComputeUnits,
		DTypes:        make(map[dtypes.DType]bool),
	}
	supported := allDTypes
	switch c.Kind {
	case GPU:
		caps.Description = fmt.Sprintf("simulated GPU with %d compute units", c.ComputeUnits)
		caps.Schedule = backends.PerIteration
		caps.DistributedMemory = true
	case CPU:
		caps.Description = fmt.Sprintf("simulated multi-core CPU with %d cores", c.ComputeUnits)
		caps.Schedule = backends.PerBlock
		caps.DistributedMemory = false
	case FPGA:
		caps.Description = "simulated FPGA with a single pipelined compute unit"
		caps.Schedule = backends.PerIteration
		caps.DistributedMemory = true
		supported = fpgaDTypes
	}
	for _, dtype := range supported {
		caps.DTypes[dtype] = true
	}
	return caps
}
