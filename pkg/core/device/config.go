// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"bytes"
	"io"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/pkg/core/failures"
	"github.com/gomlx/accelrt/pkg/support/fsutil"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultHeapAllocation is the default size of the device heap, capped by the device maximum allocation.
const DefaultHeapAllocation = 256 << 20

// ByteSize is a number of bytes that reads and writes as a human readable string, e.g. "64MiB".
type ByteSize uint64

// String implements fmt.Stringer.
func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler. It accepts plain numbers and SI or IEC units.
func (b *ByteSize) UnmarshalText(text []byte) error {
	v, err := humanize.ParseBytes(strings.TrimSpace(string(text)))
	if err != nil {
		return errors.Wrapf(err, "invalid byte size %q", text)
	}
	*b = ByteSize(v)
	return nil
}

// Config of a Device.
type Config struct {
	// HeapSize requested for the device heap. The device never reserves more than its maximum allocation.
	HeapSize ByteSize `yaml:"heap_size" toml:"heap_size"`

	// Alignment of the sub-allocations of the heap, a power of 2.
	Alignment uint64 `yaml:"alignment" toml:"alignment"`

	// NumQueues is the number of command queues of the device.
	NumQueues int `yaml:"queues" toml:"queues"`

	// FlushThreshold is the number of buffered commands per queue that triggers dispatch, 0 for immediate dispatch.
	FlushThreshold int `yaml:"flush_threshold" toml:"flush_threshold"`

	// RetainEvents is the number of completed event records kept for diagnostics before pruning.
	// 0 uses the scheduler default, negative disables automatic pruning.
	RetainEvents int `yaml:"retain_events" toml:"retain_events"`

	// CallStackLimit is the maximum number of arguments of a kernel launch.
	CallStackLimit int `yaml:"call_stack_limit" toml:"call_stack_limit"`

	// FeatureExtraction enables the collection of per-task execution features by coordinators.
	FeatureExtraction bool `yaml:"feature_extraction" toml:"feature_extraction"`
}

// DefaultConfig returns the default device configuration.
func DefaultConfig() Config {
	return Config{
		HeapSize:       DefaultHeapAllocation,
		Alignment:      64,
		NumQueues:      1,
		CallStackLimit: 256,
	}
}

// Validate returns an INCONSISTENT_STATE error describing the first invalid field.
func (c Config) Validate() error {
	switch {
	case c.HeapSize == 0:
		return failures.New(failures.InconsistentState, "device config: heap_size must be positive")
	case c.Alignment == 0 || bits.OnesCount64(c.Alignment) != 1:
		return failures.New(failures.InconsistentState, "device config: alignment must be a power of 2, got %d", c.Alignment)
	case c.NumQueues <= 0:
		return failures.New(failures.InconsistentState, "device config: queues must be positive, got %d", c.NumQueues)
	case c.FlushThreshold < 0:
		return failures.New(failures.InconsistentState, "device config: flush_threshold can't be negative, got %d", c.FlushThreshold)
	case c.CallStackLimit <= 0:
		return failures.New(failures.InconsistentState, "device config: call_stack_limit must be positive, got %d", c.CallStackLimit)
	}
	return nil
}

// Format of a configuration file.
type Format int

const (
	YAML Format = iota
	TOML
)

// ParseConfig parses data in the given format on top of DefaultConfig. Unknown fields are an error.
func ParseConfig(data []byte, format Format) (Config, error) {
	c := DefaultConfig()
	var err error
	switch format {
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&c)
		if errors.Is(err, io.EOF) {
			err = nil // Empty document.
		}
	case TOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&c)
	default:
		err = errors.Errorf("unknown config format %d", format)
	}
	if err != nil {
		return c, errors.Wrap(err, "parsing device config")
	}
	return c, c.Validate()
}

// LoadConfig reads a configuration file, in TOML if the extension is ".toml", YAML otherwise.
func LoadConfig(path string) (Config, error) {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading device config")
	}
	format := YAML
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = TOML
	}
	c, err := ParseConfig(data, format)
	if err != nil {
		return c, errors.WithMessagef(err, "config file %q", path)
	}
	return c, nil
}
