// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/lib/clock"
	"github.com/openfpc/fpcd/transport/sim"
)

func TestAttachedSetMissing(t *testing.T) {
	dir := t.TempDir()
	present := filepath.Join(dir, "1-3")
	if err := os.Mkdir(present, 0o755); err != nil {
		t.Fatal(err)
	}

	attached := newAttachedSet()
	attached.add(0, &attachedDevice{transport: sim.New(), sysfsPath: present})
	attached.add(1, &attachedDevice{transport: sim.New(), sysfsPath: filepath.Join(dir, "1-4")})
	attached.add(2, &attachedDevice{transport: sim.New()}) // simulated, no sysfs

	gone := attached.missing()
	if len(gone) != 1 || gone[0] != 1 {
		t.Fatalf("missing() = %v, want [1]", gone)
	}
}

func TestWatchPresenceDetachesUnpluggedSensor(t *testing.T) {
	registry := device.NewRegistry(clock.Real(), nil)
	defer registry.Close()
	handle := registry.Attach()

	dir := t.TempDir()
	sysfs := filepath.Join(dir, "1-3")
	if err := os.Mkdir(sysfs, 0o755); err != nil {
		t.Fatal(err)
	}
	attached := newAttachedSet()
	attached.add(handle.Slot, &attachedDevice{transport: sim.New(), sysfsPath: sysfs})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go watchPresence(ctx, time.Millisecond, registry, attached, logger)

	// While the sysfs directory exists the device stays attached.
	time.Sleep(20 * time.Millisecond)
	if _, ok := registry.Get(handle.Slot); !ok {
		t.Fatal("device detached while its sysfs directory was present")
	}

	if err := os.RemoveAll(sysfs); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := registry.Get(handle.Slot); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("device never detached after its sysfs directory vanished")
		}
		time.Sleep(time.Millisecond)
	}
	if handle.State() != device.StateDisconnected {
		t.Errorf("state = %s, want disconnected", handle.State())
	}
}
