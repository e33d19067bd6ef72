// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/accelrt/pkg/support/fsutil"
	"github.com/pkg/errors"
)

// DumpEvents writes the event DAG of the device to w.
func (d *Device) DumpEvents(w io.Writer) error { return d.scheduler.DumpEvents(w) }

// DumpMemory writes a report of the device memory to the file at path: identity, region and
// allocations, tracked objects and a hex dump of the used part of the heap.
// Outstanding commands are waited for first.
func (d *Device) DumpMemory(path string) (err error) {
	if err = d.checkLoaded("DumpMemory"); err != nil {
		return err
	}
	d.scheduler.Sync()
	f, err := fsutil.CreateWithDirs(path)
	if err != nil {
		return errors.WithMessagef(err, "%s: creating memory dump", d)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "%s: closing memory dump", d)
		}
	}()
	w := bufio.NewWriter(f)
	if err = d.writeMemoryReport(w); err != nil {
		return errors.WithMessagef(err, "%s: writing memory dump to %q", d, path)
	}
	return w.Flush()
}

func (d *Device) writeMemoryReport(w io.Writer) error {
	if _, err := fmt.Fprintf(w, "Device %s (%s, instance %s)\n%s\n\n", d.id, d, d.instanceID, d.caps); err != nil {
		return err
	}
	if err := d.mem.Dump(w); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(w); err != nil {
		return err
	}
	if err := d.tracker.Dump(w); err != nil {
		return err
	}
	used := d.mem.Used()
	if _, err := fmt.Fprintf(w, "\nHeap contents (%s):\n", humanize.IBytes(used)); err != nil {
		return err
	}
	if used == 0 {
		return nil
	}
	heap := make([]byte, used)
	if err := d.backend.CopyFromDevice(d.num, 0, heap); err != nil {
		return err
	}
	dumper := hex.Dumper(w)
	if _, err := dumper.Write(heap); err != nil {
		return err
	}
	return dumper.Close()
}
