// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package device

// Device limits. These are properties of the FPC sensor family, not
// tunables: exceeding them on the wire is a protocol error.
const (
	// MaxImageSize is the largest pixel buffer any supported sensor
	// produces (200×200 grayscale).
	MaxImageSize = 200 * 200

	// MaxTemplateSize is the largest opaque template payload the
	// sensor stores per slot.
	MaxTemplateSize = 1024

	// MaxTemplates is the number of template slots. Slot ids are
	// 1..MaxTemplates, externally visible and unique per device.
	MaxTemplates = 10

	// MaxNameLength is the longest human-readable template name, in
	// bytes, as stored in the fixed-width wire field.
	MaxNameLength = 32
)

// Capability is the device capability bitset reported by GetDeviceInfo.
type Capability uint32

const (
	CapCapture         Capability = 0x0001
	CapVerify          Capability = 0x0002
	CapIdentify        Capability = 0x0004
	CapTemplateStorage Capability = 0x0008
	CapLiveDetection   Capability = 0x0010
	CapNavigation      Capability = 0x0020
)

// Has reports whether every capability in want is present.
func (c Capability) Has(want Capability) bool { return c&want == want }

// ImageFormat identifies the pixel encoding of a captured image.
type ImageFormat uint8

const (
	ImageFormatRaw        ImageFormat = 0
	ImageFormatGray8      ImageFormat = 1
	ImageFormatRGB24      ImageFormat = 2
	ImageFormatCompressed ImageFormat = 3
)

// Image is one captured fingerprint frame. The buffer is caller-owned
// once returned; the engine never retains a copy after handoff.
type Image struct {
	Width   uint16
	Height  uint16
	Format  ImageFormat
	Quality uint8 // 0–100
	Data    []byte
}

// TemplateType tags the encoding of a stored template.
type TemplateType uint8

const (
	TemplateProprietary TemplateType = 0
	TemplateISO19794_2  TemplateType = 1
	TemplateANSI378     TemplateType = 2
)

// Template is one enrolled fingerprint in its opaque, matcher-specific
// representation. Templates persist in the device's secure store until
// explicitly deleted or cleared.
type Template struct {
	// Slot is the storage slot id, 1..MaxTemplates.
	Slot uint8

	Type    TemplateType
	Quality uint8 // 0–100

	// Name is the human-readable label, at most MaxNameLength bytes.
	Name string

	// Data is the opaque template payload, at most MaxTemplateSize
	// bytes. The engine treats it as a byte blob; only the external
	// matcher interprets it.
	Data []byte
}

// Info is the device descriptor reported by GetDeviceInfo.
type Info struct {
	VendorID         uint16
	ProductID        uint16
	FirmwareVersion  string
	ImageWidth       uint16
	ImageHeight      uint16
	TemplateCapacity uint8
	Capabilities     Capability
}

// PowerMode is the sensor power state.
type PowerMode uint8

const (
	PowerActive    PowerMode = 0
	PowerIdle      PowerMode = 1
	PowerSleep     PowerMode = 2
	PowerDeepSleep PowerMode = 3
)

// String returns the mode name used on the control channel and in logs.
func (m PowerMode) String() string {
	switch m {
	case PowerActive:
		return "active"
	case PowerIdle:
		return "idle"
	case PowerSleep:
		return "sleep"
	case PowerDeepSleep:
		return "deep-sleep"
	}
	return "unknown"
}

// CalibrationMode selects the sensor calibration procedure.
type CalibrationMode uint8

const (
	CalibrateFactory CalibrationMode = 0
	CalibrateUser    CalibrationMode = 1
	CalibrateAuto    CalibrationMode = 2
)

// Quality score bands, matching the sensor's 0–100 scale.
const (
	QualityMin    = 0
	QualityLow    = 25
	QualityMedium = 50
	QualityHigh   = 75
	QualityMax    = 100
)

// Default timeouts in milliseconds for blocking operations. Callers
// may override per call; zero means the default.
const (
	TimeoutDefaultMillis = 5000
	TimeoutQuickMillis   = 1000
	TimeoutLongMillis    = 10000
)
