// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "fmt"

// DeviceID is a USB vendor/product pair.
type DeviceID struct {
	Vendor  uint16
	Product uint16
}

// String formats the id in the conventional vvvv:pppp form.
func (id DeviceID) String() string {
	return fmt.Sprintf("%04x:%04x", id.Vendor, id.Product)
}

// Current FPC part.
const (
	VendorFPC      uint16 = 0x10A5
	ProductFPC9201 uint16 = 0x9201
)

// SupportedDevices lists the sensor hardware this engine drives: the
// current FPC part plus the legacy variants. Identification happens
// at attach time; only matching devices get a registry handle.
var SupportedDevices = []DeviceID{
	{Vendor: VendorFPC, Product: ProductFPC9201},
	{Vendor: 0x2717, Product: 0x0368},
	{Vendor: 0x2717, Product: 0x0369},
	{Vendor: 0x2717, Product: 0x036A},
	{Vendor: 0x2717, Product: 0x036B},
}

// IsSupported reports whether the vendor/product pair identifies a
// supported sensor.
func IsSupported(vendor, product uint16) bool {
	for _, id := range SupportedDevices {
		if id.Vendor == vendor && id.Product == product {
			return true
		}
	}
	return false
}
