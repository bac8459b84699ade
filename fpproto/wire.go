// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package fpproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/openfpc/fpcd/device"
)

// Payload layouts for the command set. Everything is little-endian
// and tightly packed; fixed-width string fields are NUL-padded. The
// helpers here are shared with the simulated sensor, which plays the
// firmware side of the same wire format.

// infoPayloadLength: vendor(2) product(2) firmware(16) width(2)
// height(2) templateCount(1) capabilities(4).
const infoPayloadLength = 29

// EncodeInfo frames a device descriptor (firmware side).
func EncodeInfo(info device.Info) []byte {
	payload := make([]byte, infoPayloadLength)
	binary.LittleEndian.PutUint16(payload[0:2], info.VendorID)
	binary.LittleEndian.PutUint16(payload[2:4], info.ProductID)
	copy(payload[4:20], info.FirmwareVersion)
	binary.LittleEndian.PutUint16(payload[20:22], info.ImageWidth)
	binary.LittleEndian.PutUint16(payload[22:24], info.ImageHeight)
	payload[24] = info.TemplateCapacity
	binary.LittleEndian.PutUint32(payload[25:29], uint32(info.Capabilities))
	return payload
}

// ParseInfo validates and parses a GetInfo response payload.
func ParseInfo(payload []byte) (device.Info, error) {
	if len(payload) < infoPayloadLength {
		return device.Info{}, device.Errorf(device.CodeProtocol,
			"device info payload %d bytes, need %d", len(payload), infoPayloadLength)
	}
	return device.Info{
		VendorID:         binary.LittleEndian.Uint16(payload[0:2]),
		ProductID:        binary.LittleEndian.Uint16(payload[2:4]),
		FirmwareVersion:  cString(payload[4:20]),
		ImageWidth:       binary.LittleEndian.Uint16(payload[20:22]),
		ImageHeight:      binary.LittleEndian.Uint16(payload[22:24]),
		TemplateCapacity: payload[24],
		Capabilities:     device.Capability(binary.LittleEndian.Uint32(payload[25:29])),
	}, nil
}

// imageHeaderLength: width(2) height(2) format(1) quality(1) flags(2)
// size(4).
const imageHeaderLength = 12

// EncodeImage frames a captured image (firmware side). When compress
// is set the pixel data is LZ4-compressed and the format is marked
// Compressed; the caller must then also set FlagCompressed on the
// response packet.
func EncodeImage(image device.Image, compress bool) ([]byte, error) {
	data := image.Data
	format := image.Format
	if compress {
		compressed, err := lz4Compress(data)
		if err != nil {
			return nil, fmt.Errorf("compressing image payload: %w", err)
		}
		data = compressed
		format = device.ImageFormatCompressed
	}
	payload := make([]byte, imageHeaderLength+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], image.Width)
	binary.LittleEndian.PutUint16(payload[2:4], image.Height)
	payload[4] = byte(format)
	payload[5] = image.Quality
	binary.LittleEndian.PutUint16(payload[6:8], 0)
	binary.LittleEndian.PutUint32(payload[8:12], uint32(len(data)))
	copy(payload[imageHeaderLength:], data)
	return payload, nil
}

// ParseImage validates and parses a Capture response payload,
// decompressing LZ4 data when the sensor sent the Compressed format.
// The returned buffer is freshly allocated and caller-owned.
func ParseImage(payload []byte) (device.Image, error) {
	if len(payload) < imageHeaderLength {
		return device.Image{}, device.Errorf(device.CodeProtocol,
			"image payload %d bytes, need at least %d", len(payload), imageHeaderLength)
	}
	size := int(binary.LittleEndian.Uint32(payload[8:12]))
	if imageHeaderLength+size > len(payload) {
		return device.Image{}, device.Errorf(device.CodeProtocol,
			"image declares %d data bytes but only %d present", size, len(payload)-imageHeaderLength)
	}

	image := device.Image{
		Width:   binary.LittleEndian.Uint16(payload[0:2]),
		Height:  binary.LittleEndian.Uint16(payload[2:4]),
		Format:  device.ImageFormat(payload[4]),
		Quality: payload[5],
	}
	data := payload[imageHeaderLength : imageHeaderLength+size]

	if image.Format == device.ImageFormatCompressed {
		decompressed, err := lz4Decompress(data, device.MaxImageSize)
		if err != nil {
			return device.Image{}, device.WrapError(device.CodeProtocol, err,
				"decompressing image payload")
		}
		image.Format = device.ImageFormatGray8
		image.Data = decompressed
		return image, nil
	}

	if size > device.MaxImageSize {
		return device.Image{}, device.Errorf(device.CodeProtocol,
			"image data %d bytes exceeds device maximum %d", size, device.MaxImageSize)
	}
	image.Data = append([]byte(nil), data...)
	return image, nil
}

// templateHeaderLength: slot(1) type(1) quality(1) flags(1) size(4)
// name(32). A 32-byte BLAKE3 checksum of the opaque data trails the
// payload; Store computes it and Load verifies it, so a template that
// survives a power cycle in device storage is known intact.
const (
	templateHeaderLength   = 8 + device.MaxNameLength
	templateChecksumLength = 32
)

// EncodeTemplate frames a template with its integrity checksum.
func EncodeTemplate(template device.Template) ([]byte, error) {
	if len(template.Data) > device.MaxTemplateSize {
		return nil, device.Errorf(device.CodeInvalidParam,
			"template data %d bytes exceeds maximum %d", len(template.Data), device.MaxTemplateSize)
	}
	if len(template.Name) > device.MaxNameLength {
		return nil, device.Errorf(device.CodeInvalidParam,
			"template name %d bytes exceeds maximum %d", len(template.Name), device.MaxNameLength)
	}
	payload := make([]byte, templateHeaderLength+len(template.Data)+templateChecksumLength)
	payload[0] = template.Slot
	payload[1] = byte(template.Type)
	payload[2] = template.Quality
	payload[3] = 0
	binary.LittleEndian.PutUint32(payload[4:8], uint32(len(template.Data)))
	copy(payload[8:8+device.MaxNameLength], template.Name)
	copy(payload[templateHeaderLength:], template.Data)

	checksum := blake3.Sum256(template.Data)
	copy(payload[templateHeaderLength+len(template.Data):], checksum[:])
	return payload, nil
}

// ParseTemplate validates and parses a template payload, verifying
// the BLAKE3 trailer. A checksum mismatch means the payload was
// corrupted in device storage or in transit; both are protocol
// errors for the recovery engine.
func ParseTemplate(payload []byte) (device.Template, error) {
	if len(payload) < templateHeaderLength+templateChecksumLength {
		return device.Template{}, device.Errorf(device.CodeProtocol,
			"template payload %d bytes, need at least %d", len(payload), templateHeaderLength+templateChecksumLength)
	}
	size := int(binary.LittleEndian.Uint32(payload[4:8]))
	if size > device.MaxTemplateSize {
		return device.Template{}, device.Errorf(device.CodeProtocol,
			"template declares %d data bytes, exceeds maximum %d", size, device.MaxTemplateSize)
	}
	if templateHeaderLength+size+templateChecksumLength > len(payload) {
		return device.Template{}, device.Errorf(device.CodeProtocol,
			"template declares %d data bytes but payload is %d bytes", size, len(payload))
	}

	data := payload[templateHeaderLength : templateHeaderLength+size]
	var wantChecksum [templateChecksumLength]byte
	copy(wantChecksum[:], payload[templateHeaderLength+size:])
	if blake3.Sum256(data) != wantChecksum {
		return device.Template{}, device.Errorf(device.CodeProtocol,
			"template payload checksum mismatch")
	}

	return device.Template{
		Slot:    payload[0],
		Type:    device.TemplateType(payload[1]),
		Quality: payload[2],
		Name:    cString(payload[8 : 8+device.MaxNameLength]),
		Data:    append([]byte(nil), data...),
	}, nil
}

// enrollStartLength: slot(1) qualityThreshold(1) maxAttempts(1)
// name(32) timeout(4).
const enrollStartLength = 3 + device.MaxNameLength + 4

// EnrollStartParams are the wire parameters for OpEnrollStart.
type EnrollStartParams struct {
	Slot             uint8
	QualityThreshold uint8
	MaxAttempts      uint8
	Name             string
	TimeoutMillis    uint32
}

// EncodeEnrollStart frames enrollment parameters.
func EncodeEnrollStart(params EnrollStartParams) []byte {
	payload := make([]byte, enrollStartLength)
	payload[0] = params.Slot
	payload[1] = params.QualityThreshold
	payload[2] = params.MaxAttempts
	copy(payload[3:3+device.MaxNameLength], params.Name)
	binary.LittleEndian.PutUint32(payload[3+device.MaxNameLength:], params.TimeoutMillis)
	return payload
}

// ParseEnrollStart parses enrollment parameters (firmware side).
func ParseEnrollStart(payload []byte) (EnrollStartParams, error) {
	if len(payload) < enrollStartLength {
		return EnrollStartParams{}, device.Errorf(device.CodeProtocol,
			"enroll-start payload %d bytes, need %d", len(payload), enrollStartLength)
	}
	return EnrollStartParams{
		Slot:             payload[0],
		QualityThreshold: payload[1],
		MaxAttempts:      payload[2],
		Name:             cString(payload[3 : 3+device.MaxNameLength]),
		TimeoutMillis:    binary.LittleEndian.Uint32(payload[3+device.MaxNameLength:]),
	}, nil
}

// EnrollProgress is the wire form of an OpEnrollContinue response.
type EnrollProgress struct {
	Stage      uint8 // stages completed so far
	StageCount uint8 // total stages required
	Quality    uint8 // quality of the sample just accepted
}

// EncodeEnrollProgress frames stage progress (firmware side).
func EncodeEnrollProgress(progress EnrollProgress) []byte {
	return []byte{progress.Stage, progress.StageCount, progress.Quality}
}

// ParseEnrollProgress parses an OpEnrollContinue response payload.
func ParseEnrollProgress(payload []byte) (EnrollProgress, error) {
	if len(payload) < 3 {
		return EnrollProgress{}, device.Errorf(device.CodeProtocol,
			"enroll progress payload %d bytes, need 3", len(payload))
	}
	return EnrollProgress{Stage: payload[0], StageCount: payload[1], Quality: payload[2]}, nil
}

// verifyParamsLength: slot(1) qualityThreshold(1) timeout(4).
const verifyParamsLength = 6

// VerifyParams are the wire parameters for OpVerify.
type VerifyParams struct {
	Slot             uint8
	QualityThreshold uint8
	TimeoutMillis    uint32
}

// EncodeVerify frames verification parameters.
func EncodeVerify(params VerifyParams) []byte {
	payload := make([]byte, verifyParamsLength)
	payload[0] = params.Slot
	payload[1] = params.QualityThreshold
	binary.LittleEndian.PutUint32(payload[2:6], params.TimeoutMillis)
	return payload
}

// ParseVerify parses verification parameters (firmware side).
func ParseVerify(payload []byte) (VerifyParams, error) {
	if len(payload) < verifyParamsLength {
		return VerifyParams{}, device.Errorf(device.CodeProtocol,
			"verify payload %d bytes, need %d", len(payload), verifyParamsLength)
	}
	return VerifyParams{
		Slot:             payload[0],
		QualityThreshold: payload[1],
		TimeoutMillis:    binary.LittleEndian.Uint32(payload[2:6]),
	}, nil
}

// identifyParamsLength: qualityThreshold(1) timeout(4).
const identifyParamsLength = 5

// IdentifyParams are the wire parameters for OpIdentify.
type IdentifyParams struct {
	QualityThreshold uint8
	TimeoutMillis    uint32
}

// EncodeIdentify frames identification parameters.
func EncodeIdentify(params IdentifyParams) []byte {
	payload := make([]byte, identifyParamsLength)
	payload[0] = params.QualityThreshold
	binary.LittleEndian.PutUint32(payload[1:5], params.TimeoutMillis)
	return payload
}

// ParseIdentify parses identification parameters (firmware side).
func ParseIdentify(payload []byte) (IdentifyParams, error) {
	if len(payload) < identifyParamsLength {
		return IdentifyParams{}, device.Errorf(device.CodeProtocol,
			"identify payload %d bytes, need %d", len(payload), identifyParamsLength)
	}
	return IdentifyParams{
		QualityThreshold: payload[0],
		TimeoutMillis:    binary.LittleEndian.Uint32(payload[1:5]),
	}, nil
}

// MatchResult is the wire form of a successful verify or identify
// response.
type MatchResult struct {
	Slot       uint8
	Confidence uint8 // 0–100
}

// EncodeMatchResult frames a match (firmware side).
func EncodeMatchResult(result MatchResult) []byte {
	return []byte{result.Slot, result.Confidence}
}

// ParseMatchResult parses a match response payload.
func ParseMatchResult(payload []byte) (MatchResult, error) {
	if len(payload) < 2 {
		return MatchResult{}, device.Errorf(device.CodeProtocol,
			"match result payload %d bytes, need 2", len(payload))
	}
	if payload[1] > 100 {
		return MatchResult{}, device.Errorf(device.CodeProtocol,
			"match confidence %d out of range 0–100", payload[1])
	}
	return MatchResult{Slot: payload[0], Confidence: payload[1]}, nil
}

// powerParamsLength: mode(1) autoSuspendDelay(1) flags(2).
const powerParamsLength = 4

// PowerParams are the wire parameters for OpSetPower and the payload
// of an OpGetPower response.
type PowerParams struct {
	Mode             device.PowerMode
	AutoSuspendDelay uint8 // seconds; zero disables auto-suspend
}

// EncodePower frames power parameters.
func EncodePower(params PowerParams) []byte {
	payload := make([]byte, powerParamsLength)
	payload[0] = byte(params.Mode)
	payload[1] = params.AutoSuspendDelay
	return payload
}

// ParsePower parses power parameters.
func ParsePower(payload []byte) (PowerParams, error) {
	if len(payload) < powerParamsLength {
		return PowerParams{}, device.Errorf(device.CodeProtocol,
			"power payload %d bytes, need %d", len(payload), powerParamsLength)
	}
	if payload[0] > byte(device.PowerDeepSleep) {
		return PowerParams{}, device.Errorf(device.CodeProtocol,
			"unknown power mode %d", payload[0])
	}
	return PowerParams{
		Mode:             device.PowerMode(payload[0]),
		AutoSuspendDelay: payload[1],
	}, nil
}

// calibrationParamsLength: mode(1) sensitivity(1) threshold(2)
// flags(4).
const calibrationParamsLength = 8

// CalibrationParams are the wire parameters for OpCalibrate. The
// threshold and flags fields are carried opaquely: their firmware
// semantics are only partially reverse-engineered, so the engine
// passes caller values through without interpretation.
type CalibrationParams struct {
	Mode        device.CalibrationMode
	Sensitivity uint8
	Threshold   uint16
	Flags       uint32
}

// EncodeCalibration frames calibration parameters.
func EncodeCalibration(params CalibrationParams) []byte {
	payload := make([]byte, calibrationParamsLength)
	payload[0] = byte(params.Mode)
	payload[1] = params.Sensitivity
	binary.LittleEndian.PutUint16(payload[2:4], params.Threshold)
	binary.LittleEndian.PutUint32(payload[4:8], params.Flags)
	return payload
}

// ParseCalibration parses calibration parameters (firmware side).
func ParseCalibration(payload []byte) (CalibrationParams, error) {
	if len(payload) < calibrationParamsLength {
		return CalibrationParams{}, device.Errorf(device.CodeProtocol,
			"calibration payload %d bytes, need %d", len(payload), calibrationParamsLength)
	}
	return CalibrationParams{
		Mode:        device.CalibrationMode(payload[0]),
		Sensitivity: payload[1],
		Threshold:   binary.LittleEndian.Uint16(payload[2:4]),
		Flags:       binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// cString trims a NUL-padded fixed-width string field.
func cString(field []byte) string {
	if i := bytes.IndexByte(field, 0); i >= 0 {
		field = field[:i]
	}
	return string(field)
}

// lz4Compress compresses data with the LZ4 frame format.
func lz4Compress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := lz4.NewWriter(&buffer)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// lz4Decompress expands an LZ4 frame, refusing output larger than
// limit so a corrupt length field cannot balloon memory.
func lz4Decompress(data []byte, limit int) ([]byte, error) {
	reader := lz4.NewReader(bytes.NewReader(data))
	decompressed, err := io.ReadAll(io.LimitReader(reader, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(decompressed) > limit {
		return nil, fmt.Errorf("decompressed image exceeds %d bytes", limit)
	}
	return decompressed, nil
}
