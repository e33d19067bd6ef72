// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the per-device primitives an accelerator platform needs to implement to be
// driven by the runtime: reserving the device heap, copying bytes in and out of it, and launching
// compiled programs.
//
// Everything above these primitives (memory sub-allocation, residency tracking, command queues, code
// caching) is implemented once in pkg/core and is shared by all backends.
//
// Backends register themselves by name, usually in an init function, and are created with a
// configuration string formatted as "<backend_name>:<backend_configuration>".
package backends

import (
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// DeviceNum represents which device of a backend holds a buffer or executes a program.
// It's between 0 and Backend.NumDevices()-1.
type DeviceNum int

// Backend is the API that needs to be implemented by an accelerator platform.
//
// All methods must be safe for concurrent use. Copies and launches are called from the command queue
// goroutines and block until the operation finished on the device.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "sim" for the simulated backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Platform returns the name of the platform (driver or vendor stack) of the devices.
	Platform() string

	// NumDevices return the number of devices available for this Backend.
	NumDevices() DeviceNum

	// DeviceCapabilities returns the identity and limits of the given device.
	DeviceCapabilities(deviceNum DeviceNum) (Capabilities, error)

	// ReserveHeap allocates sizeBytes of memory on the device, all at once. It must fail rather than
	// allocate less, and it's an error to reserve twice without ReleaseHeap.
	ReserveHeap(deviceNum DeviceNum, sizeBytes uint64) error

	// ReleaseHeap frees the device heap.
	ReleaseHeap(deviceNum DeviceNum) error

	// CopyToDevice copies data to the device heap, starting at offset.
	CopyToDevice(deviceNum DeviceNum, offset uint64, data []byte) error

	// CopyFromDevice fills data with the contents of the device heap, starting at offset.
	CopyFromDevice(deviceNum DeviceNum, offset uint64, data []byte) error

	// Launch executes program on the device with the given arguments, and returns when it finished.
	Launch(deviceNum DeviceNum, program Program, args []Arg) error

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()

	// IsFinalized returns true if the backend is finalized.
	IsFinalized() bool
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registryMu             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "sim") and
// "<backend_configuration>" is backend specific.
const ConfigEnvVar = "ACCELRT_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment ACCELRT_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New, but panics on error.
func MustNew() Backend {
	return must.M1(New())
}

// NewWithConfig takes a configurations string formated as
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "sim") and
// "<backend_configuration>" is backend specific.
// A config without ":" is taken as a backend name if it is registered, otherwise as the configuration
// of the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	registryMu.Lock()
	if len(registeredConstructors) == 0 {
		registryMu.Unlock()
		return nil, errors.New(`no registered backends -- maybe import the default ones with import _ "github.com/gomlx/accelrt/backends/default"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName = config
		backendConfig = ""
	}
	constructor, found := registeredConstructors[backendName]
	registryMu.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q with configuration %q", backendName, backendConfig)
	}
	return backend, nil
}
