// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package fpproto

import (
	"encoding/binary"

	"github.com/openfpc/fpcd/device"
)

// Command opcodes understood by the sensor firmware. The wire format
// is little-endian, matching the sensor's native byte order.
type Opcode byte

const (
	OpGetInfo        Opcode = 0x01
	OpReset          Opcode = 0x02
	OpCalibrate      Opcode = 0x03
	OpCapture        Opcode = 0x10
	OpEnrollStart    Opcode = 0x20
	OpEnrollContinue Opcode = 0x21
	OpEnrollComplete Opcode = 0x22
	OpVerify         Opcode = 0x30
	OpIdentify       Opcode = 0x31
	OpStoreTemplate  Opcode = 0x40
	OpLoadTemplate   Opcode = 0x41
	OpDeleteTemplate Opcode = 0x42
	OpListTemplates  Opcode = 0x43
	OpClearTemplates Opcode = 0x44
	OpSetPower       Opcode = 0x50
	OpGetPower       Opcode = 0x51
)

// Status bytes in response packets.
type Status byte

const (
	StatusOK           Status = 0x00
	StatusError        Status = 0x01
	StatusTimeout      Status = 0x02
	StatusNoFinger     Status = 0x03
	StatusBadImage     Status = 0x04
	StatusNoMatch      Status = 0x05
	StatusBusy         Status = 0x06
	StatusNotSupported Status = 0x07
	StatusStorageFull  Status = 0x08
	StatusExists       Status = 0x09
	StatusInvalid      Status = 0x0A
)

// Packet flag bits, shared by commands and responses.
const (
	// FlagCompressed marks an LZ4-compressed payload. The sensor
	// compresses large image payloads; the bridge decompresses before
	// handoff.
	FlagCompressed byte = 0x01
)

// headerLength is the fixed packet header: opcode/status byte, flags
// byte, and a little-endian uint16 payload length.
const headerLength = 4

// MaxPayloadLength bounds a packet payload so the whole packet fits
// in one bulk transfer.
const MaxPayloadLength = 4096 - headerLength

// Command is one framed request to the sensor.
type Command struct {
	Opcode  Opcode
	Flags   byte
	Payload []byte
}

// Encode frames the command for the bulk-out endpoint.
func (c Command) Encode() ([]byte, error) {
	if len(c.Payload) > MaxPayloadLength {
		return nil, device.Errorf(device.CodeInvalidParam,
			"command payload %d bytes exceeds maximum %d", len(c.Payload), MaxPayloadLength)
	}
	packet := make([]byte, headerLength+len(c.Payload))
	packet[0] = byte(c.Opcode)
	packet[1] = c.Flags
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(c.Payload)))
	copy(packet[headerLength:], c.Payload)
	return packet, nil
}

// DecodeCommand parses a framed command packet. Used by the firmware
// side of the conversation (the simulated sensor); real hardware does
// this on the device.
func DecodeCommand(packet []byte) (Command, error) {
	if len(packet) < headerLength {
		return Command{}, device.Errorf(device.CodeProtocol,
			"command packet %d bytes, need at least %d for the header", len(packet), headerLength)
	}
	payloadLength := int(binary.LittleEndian.Uint16(packet[2:4]))
	if headerLength+payloadLength > len(packet) {
		return Command{}, device.Errorf(device.CodeProtocol,
			"command declares %d payload bytes but only %d present", payloadLength, len(packet)-headerLength)
	}
	return Command{
		Opcode:  Opcode(packet[0]),
		Flags:   packet[1],
		Payload: packet[headerLength : headerLength+payloadLength],
	}, nil
}

// Response is one framed reply from the sensor.
type Response struct {
	Status  Status
	Flags   byte
	Payload []byte
}

// Encode frames the response for the bulk-in endpoint.
func (r Response) Encode() ([]byte, error) {
	if len(r.Payload) > MaxPayloadLength {
		return nil, device.Errorf(device.CodeInvalidParam,
			"response payload %d bytes exceeds maximum %d", len(r.Payload), MaxPayloadLength)
	}
	packet := make([]byte, headerLength+len(r.Payload))
	packet[0] = byte(r.Status)
	packet[1] = r.Flags
	binary.LittleEndian.PutUint16(packet[2:4], uint16(len(r.Payload)))
	copy(packet[headerLength:], r.Payload)
	return packet, nil
}

// DecodeResponse validates and parses a response packet. Malformed
// packets (short header, length field disagreeing with the data
// actually read) are protocol errors and go to the recovery engine.
func DecodeResponse(packet []byte) (Response, error) {
	if len(packet) < headerLength {
		return Response{}, device.Errorf(device.CodeProtocol,
			"response packet %d bytes, need at least %d for the header", len(packet), headerLength)
	}
	payloadLength := int(binary.LittleEndian.Uint16(packet[2:4]))
	if headerLength+payloadLength > len(packet) {
		return Response{}, device.Errorf(device.CodeProtocol,
			"response declares %d payload bytes but only %d present", payloadLength, len(packet)-headerLength)
	}
	return Response{
		Status:  Status(packet[0]),
		Flags:   packet[1],
		Payload: packet[headerLength : headerLength+payloadLength],
	}, nil
}

// statusError maps a non-OK response status to the shared error
// taxonomy. Unknown status bytes are protocol errors.
func statusError(status Status) *device.Error {
	switch status {
	case StatusError:
		return device.Errorf(device.CodeDevice, "sensor reported an error")
	case StatusTimeout:
		return device.Errorf(device.CodeTimeout, "sensor reported a timeout")
	case StatusNoFinger:
		return device.Errorf(device.CodeNoFinger, "no finger on the sensor")
	case StatusBadImage:
		return device.Errorf(device.CodeBadImage, "captured sample unusable")
	case StatusNoMatch:
		return device.Errorf(device.CodeNoMatch, "no matching template")
	case StatusBusy:
		return device.Errorf(device.CodeBusy, "sensor busy")
	case StatusNotSupported:
		return device.Errorf(device.CodeNotSupported, "operation not supported by sensor")
	case StatusStorageFull:
		return device.Errorf(device.CodeStorageFull, "all template slots occupied")
	case StatusExists:
		return device.Errorf(device.CodeTemplateExists, "template slot already occupied")
	case StatusInvalid:
		return device.Errorf(device.CodeInvalidParam, "sensor rejected command parameters")
	default:
		return device.Errorf(device.CodeProtocol, "unknown response status %#02x", byte(status))
	}
}
