// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/lib/codec"
)

// Message type constants for the control channel wire format. Each
// message is a 5-byte header (1 byte type + 4 byte big-endian payload
// length) followed by a CBOR payload.
const (
	// MessageTypeRequest carries a Request. Client→daemon only.
	MessageTypeRequest byte = 0x01

	// MessageTypeResponse carries a Response. Daemon→client only,
	// exactly one per request, in request order.
	MessageTypeResponse byte = 0x02

	// MessageTypeEvent carries an Event. Daemon→client only, on
	// connections that subscribed.
	MessageTypeEvent byte = 0x03
)

// messageHeaderLength is the fixed size of a message header.
const messageHeaderLength = 5

// maxPayloadLength bounds a control message payload. The largest
// legitimate payload is a capture response carrying a full frame;
// 1 MB leaves very generous headroom.
const maxPayloadLength = 1 << 20

// Operation names accepted in Request.Op.
const (
	OpListDevices    = "list-devices"
	OpOpenDevice     = "open-device"
	OpCloseDevice    = "close-device"
	OpGetInfo        = "get-info"
	OpGetStatus      = "get-status"
	OpCaptureImage   = "capture-image"
	OpEnrollStart    = "enroll-start"
	OpEnrollContinue = "enroll-continue"
	OpEnrollComplete = "enroll-complete"
	OpEnrollCancel   = "enroll-cancel"
	OpVerify         = "verify"
	OpIdentify       = "identify"
	OpStoreTemplate  = "store-template"
	OpLoadTemplate   = "load-template"
	OpDeleteTemplate = "delete-template"
	OpListTemplates  = "list-templates"
	OpClearTemplates = "clear-templates"
	OpSetPower       = "set-power"
	OpGetPower       = "get-power"
	OpCalibrate      = "calibrate"
	OpResetDevice    = "reset-device"
	OpSubscribe      = "subscribe-events"
)

// Request is one client operation. Slot addresses the registry slot
// of the target device; operations on the daemon itself (list-devices,
// subscribe-events) ignore it.
type Request struct {
	ID            uint64              `cbor:"id"`
	Op            string              `cbor:"op"`
	Slot          int                 `cbor:"slot,omitempty"`
	TemplateSlot  uint8               `cbor:"template_slot,omitempty"`
	Name          string              `cbor:"name,omitempty"`
	TimeoutMillis uint32              `cbor:"timeout_ms,omitempty"`
	Template      *TemplatePayload    `cbor:"template,omitempty"`
	Power         *PowerPayload       `cbor:"power,omitempty"`
	Calibration   *CalibrationPayload `cbor:"calibration,omitempty"`
}

// Response answers one Request. ErrorCode is empty on success; on
// failure it carries the taxonomy code and Error the human-readable
// message.
type Response struct {
	ID        uint64 `cbor:"id"`
	ErrorCode string `cbor:"error_code,omitempty"`
	Error     string `cbor:"error,omitempty"`

	Devices       []DeviceSummary  `cbor:"devices,omitempty"`
	Info          *InfoPayload     `cbor:"info,omitempty"`
	Status        *StatusPayload   `cbor:"status,omitempty"`
	Image         *ImagePayload    `cbor:"image,omitempty"`
	Progress      *ProgressPayload `cbor:"progress,omitempty"`
	Match         *MatchPayload    `cbor:"match,omitempty"`
	Template      *TemplatePayload `cbor:"template,omitempty"`
	TemplateSlots []uint8          `cbor:"template_slots,omitempty"`
	Power         *PowerPayload    `cbor:"power,omitempty"`
}

// Event is one asynchronous notification, delivered to subscribed
// connections in occurrence order.
type Event struct {
	Type          string `cbor:"type"`
	Slot          int    `cbor:"slot"`
	TimestampUnix int64  `cbor:"timestamp_unix,omitempty"`
	Stage         int    `cbor:"stage,omitempty"`
	StageCount    int    `cbor:"stage_count,omitempty"`
	Matched       bool   `cbor:"matched,omitempty"`
	TemplateSlot  uint8  `cbor:"template_slot,omitempty"`
	Confidence    uint8  `cbor:"confidence,omitempty"`
	ErrorCode     string `cbor:"error_code,omitempty"`
	Message       string `cbor:"message,omitempty"`
	State         string `cbor:"state,omitempty"`
}

// DeviceSummary is one row of a list-devices response.
type DeviceSummary struct {
	Slot     int    `cbor:"slot"`
	State    string `cbor:"state"`
	Failed   bool   `cbor:"failed,omitempty"`
	Firmware string `cbor:"firmware,omitempty"`
}

// InfoPayload is the wire form of a device descriptor.
type InfoPayload struct {
	VendorID         uint16 `cbor:"vendor_id"`
	ProductID        uint16 `cbor:"product_id"`
	Firmware         string `cbor:"firmware"`
	ImageWidth       uint16 `cbor:"image_width"`
	ImageHeight      uint16 `cbor:"image_height"`
	TemplateCapacity uint8  `cbor:"template_capacity"`
	Capabilities     uint32 `cbor:"capabilities"`
}

// StatusPayload is the composite get-status response.
type StatusPayload struct {
	State             string `cbor:"state"`
	Failed            bool   `cbor:"failed"`
	OpenReferences    int64  `cbor:"open_references"`
	UptimeMillis      int64  `cbor:"uptime_ms"`
	Captures          uint64 `cbor:"captures"`
	SuccessfulMatches uint64 `cbor:"successful_matches"`
	FailedMatches     uint64 `cbor:"failed_matches"`
	Errors            uint64 `cbor:"errors"`
	LastError         string `cbor:"last_error,omitempty"`
}

// ImagePayload carries a captured frame.
type ImagePayload struct {
	Width   uint16 `cbor:"width"`
	Height  uint16 `cbor:"height"`
	Format  uint8  `cbor:"format"`
	Quality uint8  `cbor:"quality"`
	Data    []byte `cbor:"data"`
}

// ProgressPayload reports enrollment stage progress.
type ProgressPayload struct {
	Stage      uint8 `cbor:"stage"`
	StageCount uint8 `cbor:"stage_count"`
	Quality    uint8 `cbor:"quality"`
}

// MatchPayload reports a verify or identify outcome. Matched false
// with an empty error means the sample was readable but matched
// nothing.
type MatchPayload struct {
	Matched    bool  `cbor:"matched"`
	Slot       uint8 `cbor:"slot,omitempty"`
	Confidence uint8 `cbor:"confidence,omitempty"`
}

// TemplatePayload is the wire form of a stored template.
type TemplatePayload struct {
	Slot    uint8  `cbor:"slot"`
	Type    uint8  `cbor:"type"`
	Quality uint8  `cbor:"quality"`
	Name    string `cbor:"name,omitempty"`
	Data    []byte `cbor:"data"`
}

// ToTemplate converts the wire form to the engine type.
func (p *TemplatePayload) ToTemplate() device.Template {
	return device.Template{
		Slot:    p.Slot,
		Type:    device.TemplateType(p.Type),
		Quality: p.Quality,
		Name:    p.Name,
		Data:    p.Data,
	}
}

// NewTemplatePayload converts the engine type to the wire form.
func NewTemplatePayload(template device.Template) *TemplatePayload {
	return &TemplatePayload{
		Slot:    template.Slot,
		Type:    uint8(template.Type),
		Quality: template.Quality,
		Name:    template.Name,
		Data:    template.Data,
	}
}

// PowerPayload is the wire form of a power mode.
type PowerPayload struct {
	Mode             uint8 `cbor:"mode"`
	AutoSuspendDelay uint8 `cbor:"auto_suspend_delay,omitempty"`
}

// CalibrationPayload is the wire form of calibration parameters.
type CalibrationPayload struct {
	Mode        uint8  `cbor:"mode"`
	Sensitivity uint8  `cbor:"sensitivity,omitempty"`
	Threshold   uint16 `cbor:"threshold,omitempty"`
	Flags       uint32 `cbor:"flags,omitempty"`
}

// NewEvent converts an engine event to the wire form.
func NewEvent(event device.Event) Event {
	wire := Event{
		Type:         string(event.Type),
		Slot:         event.Slot,
		Stage:        event.Stage,
		StageCount:   event.StageCount,
		Matched:      event.Matched,
		TemplateSlot: event.TemplateSlot,
		Confidence:   event.Confidence,
		ErrorCode:    string(event.Code),
		Message:      event.Message,
	}
	if !event.Timestamp.IsZero() {
		wire.TimestampUnix = event.Timestamp.Unix()
	}
	if event.Type == device.EventStateChanged {
		wire.State = event.State.String()
	}
	return wire
}

// WriteMessage writes one framed message: [1 byte type] [4 bytes
// payload length, big-endian] [CBOR payload].
func WriteMessage(w io.Writer, messageType byte, body any) error {
	payload, err := codec.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode message payload: %w", err)
	}
	var header [messageHeaderLength]byte
	header[0] = messageType
	binary.BigEndian.PutUint32(header[1:5], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write message header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write message payload: %w", err)
	}
	return nil
}

// ReadMessage reads one framed message and returns its type and raw
// CBOR payload.
func ReadMessage(r io.Reader) (byte, []byte, error) {
	var header [messageHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, err
	}
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxPayloadLength {
		return 0, nil, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read message payload: %w", err)
	}
	return header[0], payload, nil
}

// uptimeMillis converts a duration to whole milliseconds for the
// status payload.
func uptimeMillis(d time.Duration) int64 { return d.Milliseconds() }
