// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package transport

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DiscoveredDevice describes one attached, supported sensor found by
// a sysfs scan.
type DiscoveredDevice struct {
	// ID is the matched vendor/product pair.
	ID DeviceID

	// Path is the usbdevfs node (/dev/bus/usb/BBB/DDD) to open.
	Path string

	// SysfsPath is the sysfs device directory the match came from.
	SysfsPath string
}

// Scan walks the USB sysfs tree and returns every attached device
// whose vendor/product pair is in SupportedDevices. A missing sysfs
// tree (non-USB systems, containers) yields an empty slice, not an
// error.
func Scan() ([]DiscoveredDevice, error) {
	return scanSysfs("/sys/bus/usb/devices")
}

func scanSysfs(root string) ([]DiscoveredDevice, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", root, err)
	}

	var found []DiscoveredDevice
	for _, entry := range entries {
		// Interface directories (1-1:1.0) have no idVendor; device
		// directories (1-1) do. Non-device entries are skipped by the
		// read failure below.
		sysfsPath := filepath.Join(root, entry.Name())

		vendor, err := readHexAttribute(sysfsPath, "idVendor")
		if err != nil {
			continue
		}
		product, err := readHexAttribute(sysfsPath, "idProduct")
		if err != nil {
			continue
		}
		if !IsSupported(vendor, product) {
			continue
		}

		busNumber, err := readDecimalAttribute(sysfsPath, "busnum")
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", entry.Name(), err)
		}
		deviceNumber, err := readDecimalAttribute(sysfsPath, "devnum")
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", entry.Name(), err)
		}

		found = append(found, DiscoveredDevice{
			ID:        DeviceID{Vendor: vendor, Product: product},
			Path:      fmt.Sprintf("/dev/bus/usb/%03d/%03d", busNumber, deviceNumber),
			SysfsPath: sysfsPath,
		})
	}
	return found, nil
}

func readHexAttribute(directory, name string) (uint16, error) {
	raw, err := os.ReadFile(filepath.Join(directory, name))
	if err != nil {
		return 0, err
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 16, 16)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return uint16(value), nil
}

func readDecimalAttribute(directory, name string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(directory, name))
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", name, err)
	}
	value, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return value, nil
}
