// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package codecache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
)

// Signature identifies a kernel by content: its entry point, its device-independent bytecode and the
// compilation options. Two signatures with the same content share their compiled code.
type Signature struct {
	Entry    string
	Bytecode []byte
	Options  map[string]string
}

// Fingerprint returns a hex encoded SHA-256 of the signature contents, with options in sorted order.
func (s Signature) Fingerprint() string {
	h := sha256.New()
	_, _ = fmt.Fprintf(h, "%d:%s", len(s.Entry), s.Entry)
	_, _ = fmt.Fprintf(h, "%d:", len(s.Bytecode))
	h.Write(s.Bytecode)
	for _, key := range slices.Sorted(maps.Keys(s.Options)) {
		value := s.Options[key]
		_, _ = fmt.Fprintf(h, "%d:%s=%d:%s", len(key), key, len(value), value)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Key of the compiled code of the signature for the given device.
func (s Signature) Key(deviceID string) Key {
	return Key{Fingerprint: s.Fingerprint(), DeviceID: deviceID}
}

// String implements fmt.Stringer.
func (s Signature) String() string {
	return fmt.Sprintf("%s[%d bytes, %d options]", s.Entry, len(s.Bytecode), len(s.Options))
}

// Key of an entry of the Cache.
type Key struct {
	Fingerprint string
	DeviceID    string
}

// String implements fmt.Stringer.
func (k Key) String() string {
	fp := k.Fingerprint
	if len(fp) > 12 {
		fp = fp[:12]
	}
	return fmt.Sprintf("%s@%s", fp, k.DeviceID)
}
