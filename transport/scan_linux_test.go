// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"os"
	"path/filepath"
	"testing"
)

// writeSysfsDevice lays out a fake sysfs device directory with the
// attribute files Scan reads.
func writeSysfsDevice(t *testing.T, root, name, vendor, product, bus, dev string) {
	t.Helper()
	directory := filepath.Join(root, name)
	if err := os.MkdirAll(directory, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	attributes := map[string]string{
		"idVendor":  vendor,
		"idProduct": product,
		"busnum":    bus,
		"devnum":    dev,
	}
	for attribute, value := range attributes {
		if err := os.WriteFile(filepath.Join(directory, attribute), []byte(value+"\n"), 0644); err != nil {
			t.Fatalf("WriteFile %s: %v", attribute, err)
		}
	}
}

func TestScanFindsSupportedDevices(t *testing.T) {
	root := t.TempDir()
	writeSysfsDevice(t, root, "1-2", "10a5", "9201", "1", "4")
	writeSysfsDevice(t, root, "1-3", "2717", "036a", "1", "5")
	writeSysfsDevice(t, root, "2-1", "046d", "c52b", "2", "3") // unrelated device

	// Interface directory without id attributes must be skipped.
	if err := os.MkdirAll(filepath.Join(root, "1-2:1.0"), 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	found, err := scanSysfs(root)
	if err != nil {
		t.Fatalf("scanSysfs: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("found %d devices, want 2", len(found))
	}

	paths := map[string]bool{}
	for _, device := range found {
		paths[device.Path] = true
	}
	if !paths["/dev/bus/usb/001/004"] || !paths["/dev/bus/usb/001/005"] {
		t.Errorf("unexpected device paths: %v", paths)
	}
}

func TestScanMissingSysfsTree(t *testing.T) {
	found, err := scanSysfs(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("scanSysfs: %v", err)
	}
	if len(found) != 0 {
		t.Errorf("found %d devices in a missing tree, want 0", len(found))
	}
}

func TestIsSupported(t *testing.T) {
	if !IsSupported(0x10A5, 0x9201) {
		t.Error("current FPC part not recognized")
	}
	if !IsSupported(0x2717, 0x0368) || !IsSupported(0x2717, 0x036B) {
		t.Error("legacy variant range not recognized")
	}
	if IsSupported(0x2717, 0x036C) {
		t.Error("id past the legacy range recognized")
	}
	if IsSupported(0x046D, 0xC52B) {
		t.Error("unrelated device recognized")
	}
}
