// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package fpproto

import (
	"bytes"
	"testing"

	"github.com/openfpc/fpcd/device"
)

func TestInfoRoundTrip(t *testing.T) {
	info := device.Info{
		VendorID:         0x10A5,
		ProductID:        0x9201,
		FirmwareVersion:  "021.26.2.031",
		ImageWidth:       192,
		ImageHeight:      192,
		TemplateCapacity: 10,
		Capabilities:     device.CapCapture | device.CapVerify,
	}
	parsed, err := ParseInfo(EncodeInfo(info))
	if err != nil {
		t.Fatalf("ParseInfo: %v", err)
	}
	if parsed != info {
		t.Fatalf("parsed %+v, want %+v", parsed, info)
	}
}

func TestImageCompressedRoundTrip(t *testing.T) {
	data := make([]byte, 192*192)
	for i := range data {
		data[i] = byte(i % 32)
	}
	image := device.Image{Width: 192, Height: 192, Format: device.ImageFormatGray8, Quality: 80, Data: data}

	payload, err := EncodeImage(image, true)
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}
	if len(payload) >= len(data) {
		t.Fatalf("compressed payload %d bytes, not smaller than %d raw", len(payload), len(data))
	}

	parsed, err := ParseImage(payload)
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if parsed.Format != device.ImageFormatGray8 {
		t.Errorf("format = %v, want Gray8 after decompression", parsed.Format)
	}
	if parsed.Width != 192 || parsed.Height != 192 || parsed.Quality != 80 {
		t.Errorf("header mismatch: %+v", parsed)
	}
	if !bytes.Equal(parsed.Data, data) {
		t.Error("pixel data does not survive the compression round trip")
	}
}

func TestImageRawRoundTrip(t *testing.T) {
	image := device.Image{Width: 8, Height: 8, Format: device.ImageFormatGray8, Quality: 55, Data: make([]byte, 64)}
	payload, err := EncodeImage(image, false)
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}
	parsed, err := ParseImage(payload)
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if !bytes.Equal(parsed.Data, image.Data) || parsed.Format != device.ImageFormatGray8 {
		t.Fatalf("parsed %+v, want %+v", parsed, image)
	}
}

func TestParseImageTruncated(t *testing.T) {
	if _, err := ParseImage([]byte{1, 2, 3}); !device.HasCode(err, device.CodeProtocol) {
		t.Fatalf("truncated image = %v, want %s", err, device.CodeProtocol)
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	template := device.Template{
		Slot:    3,
		Type:    device.TemplateProprietary,
		Quality: 72,
		Name:    "right-index",
		Data:    bytes.Repeat([]byte{0xA5, 0x5A}, 128),
	}
	payload, err := EncodeTemplate(template)
	if err != nil {
		t.Fatalf("EncodeTemplate: %v", err)
	}
	parsed, err := ParseTemplate(payload)
	if err != nil {
		t.Fatalf("ParseTemplate: %v", err)
	}
	if parsed.Slot != template.Slot || parsed.Name != template.Name || parsed.Quality != template.Quality {
		t.Errorf("header mismatch: %+v", parsed)
	}
	if !bytes.Equal(parsed.Data, template.Data) {
		t.Error("template data does not survive the round trip")
	}
}

func TestTemplateChecksumMismatch(t *testing.T) {
	payload, err := EncodeTemplate(device.Template{Slot: 1, Name: "x", Data: []byte{1, 2, 3, 4}})
	if err != nil {
		t.Fatalf("EncodeTemplate: %v", err)
	}
	// Flip one data bit; the trailer no longer matches.
	payload[templateHeaderLength] ^= 0x01
	if _, err := ParseTemplate(payload); !device.HasCode(err, device.CodeProtocol) {
		t.Fatalf("corrupted template = %v, want %s", err, device.CodeProtocol)
	}
}

func TestEncodeTemplateRejectsOversizedData(t *testing.T) {
	template := device.Template{Slot: 1, Data: make([]byte, device.MaxTemplateSize+1)}
	if _, err := EncodeTemplate(template); !device.HasCode(err, device.CodeInvalidParam) {
		t.Fatalf("oversized template = %v, want %s", err, device.CodeInvalidParam)
	}
}

func TestEnrollStartRoundTrip(t *testing.T) {
	params := EnrollStartParams{
		Slot:             7,
		QualityThreshold: 50,
		MaxAttempts:      3,
		Name:             "left-thumb",
		TimeoutMillis:    10000,
	}
	parsed, err := ParseEnrollStart(EncodeEnrollStart(params))
	if err != nil {
		t.Fatalf("ParseEnrollStart: %v", err)
	}
	if parsed != params {
		t.Fatalf("parsed %+v, want %+v", parsed, params)
	}
}

func TestMatchResultConfidenceRange(t *testing.T) {
	if _, err := ParseMatchResult([]byte{1, 101}); !device.HasCode(err, device.CodeProtocol) {
		t.Fatalf("confidence 101 = %v, want %s", err, device.CodeProtocol)
	}
	result, err := ParseMatchResult([]byte{4, 100})
	if err != nil {
		t.Fatalf("ParseMatchResult: %v", err)
	}
	if result.Slot != 4 || result.Confidence != 100 {
		t.Fatalf("result = %+v", result)
	}
}

func TestPowerRoundTrip(t *testing.T) {
	params := PowerParams{Mode: device.PowerSleep, AutoSuspendDelay: 30}
	parsed, err := ParsePower(EncodePower(params))
	if err != nil {
		t.Fatalf("ParsePower: %v", err)
	}
	if parsed != params {
		t.Fatalf("parsed %+v, want %+v", parsed, params)
	}
	if _, err := ParsePower([]byte{0x09, 0, 0, 0}); !device.HasCode(err, device.CodeProtocol) {
		t.Fatalf("unknown power mode = %v, want %s", err, device.CodeProtocol)
	}
}
