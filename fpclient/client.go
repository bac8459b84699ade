// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package fpclient is the client library for the fpcd control
// channel. A Client is safe for concurrent use: calls are serialized
// onto one connection, and event delivery runs on a second,
// subscribed connection so a slow callback never delays a response.
package fpclient

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/openfpc/fpcd/control"
	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/lib/codec"
)

// DefaultDialTimeout bounds the socket connect.
const DefaultDialTimeout = 5 * time.Second

// Client talks to a running daemon.
type Client struct {
	socketPath string

	mu     sync.Mutex
	conn   net.Conn
	nextID uint64

	eventMu   sync.Mutex
	eventConn net.Conn
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, DefaultDialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return &Client{socketPath: socketPath, conn: conn}, nil
}

// Close tears down both connections. Any registered event callback
// stops receiving.
func (c *Client) Close() error {
	c.eventMu.Lock()
	if c.eventConn != nil {
		c.eventConn.Close()
		c.eventConn = nil
	}
	c.eventMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// call performs one request/response exchange. The connection lock
// spans the round trip, so concurrent callers queue here.
func (c *Client) call(request control.Request) (control.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	request.ID = c.nextID
	if err := control.WriteMessage(c.conn, control.MessageTypeRequest, request); err != nil {
		return control.Response{}, fmt.Errorf("sending %s: %w", request.Op, err)
	}

	messageType, payload, err := control.ReadMessage(c.conn)
	if err != nil {
		return control.Response{}, fmt.Errorf("reading %s response: %w", request.Op, err)
	}
	if messageType != control.MessageTypeResponse {
		return control.Response{}, fmt.Errorf("unexpected message type %#02x for %s", messageType, request.Op)
	}
	var response control.Response
	if err := codec.Unmarshal(payload, &response); err != nil {
		return control.Response{}, fmt.Errorf("decoding %s response: %w", request.Op, err)
	}
	if response.ID != request.ID {
		return control.Response{}, fmt.Errorf("response id %d does not match request id %d", response.ID, request.ID)
	}
	if response.ErrorCode != "" {
		return control.Response{}, device.Errorf(device.Code(response.ErrorCode), "%s", response.Error)
	}
	return response, nil
}

// ListDevices returns a summary of every attached device.
func (c *Client) ListDevices() ([]control.DeviceSummary, error) {
	response, err := c.call(control.Request{Op: control.OpListDevices})
	if err != nil {
		return nil, err
	}
	return response.Devices, nil
}

// OpenDevice takes a reference on the device. Every open needs a
// matching CloseDevice; references held when the connection drops are
// released by the daemon.
func (c *Client) OpenDevice(slot int) error {
	_, err := c.call(control.Request{Op: control.OpOpenDevice, Slot: slot})
	return err
}

// CloseDevice releases one reference.
func (c *Client) CloseDevice(slot int) error {
	_, err := c.call(control.Request{Op: control.OpCloseDevice, Slot: slot})
	return err
}

// GetInfo returns the live device descriptor.
func (c *Client) GetInfo(slot int) (device.Info, error) {
	response, err := c.call(control.Request{Op: control.OpGetInfo, Slot: slot})
	if err != nil {
		return device.Info{}, err
	}
	info := response.Info
	if info == nil {
		return device.Info{}, fmt.Errorf("get-info response carried no descriptor")
	}
	return device.Info{
		VendorID:         info.VendorID,
		ProductID:        info.ProductID,
		FirmwareVersion:  info.Firmware,
		ImageWidth:       info.ImageWidth,
		ImageHeight:      info.ImageHeight,
		TemplateCapacity: info.TemplateCapacity,
		Capabilities:     device.Capability(info.Capabilities),
	}, nil
}

// GetStatus returns the composite device status.
func (c *Client) GetStatus(slot int) (control.StatusPayload, error) {
	response, err := c.call(control.Request{Op: control.OpGetStatus, Slot: slot})
	if err != nil {
		return control.StatusPayload{}, err
	}
	if response.Status == nil {
		return control.StatusPayload{}, fmt.Errorf("get-status response carried no status")
	}
	return *response.Status, nil
}

// CaptureImage blocks until a finger produces a frame or
// timeoutMillis expires (zero means the daemon default).
func (c *Client) CaptureImage(slot int, timeoutMillis uint32) (device.Image, error) {
	response, err := c.call(control.Request{Op: control.OpCaptureImage, Slot: slot, TimeoutMillis: timeoutMillis})
	if err != nil {
		return device.Image{}, err
	}
	image := response.Image
	if image == nil {
		return device.Image{}, fmt.Errorf("capture response carried no image")
	}
	return device.Image{
		Width:   image.Width,
		Height:  image.Height,
		Format:  device.ImageFormat(image.Format),
		Quality: image.Quality,
		Data:    image.Data,
	}, nil
}

// EnrollStart begins enrollment into the given template slot.
func (c *Client) EnrollStart(slot int, templateSlot uint8, name string, timeoutMillis uint32) error {
	_, err := c.call(control.Request{
		Op:            control.OpEnrollStart,
		Slot:          slot,
		TemplateSlot:  templateSlot,
		Name:          name,
		TimeoutMillis: timeoutMillis,
	})
	return err
}

// EnrollContinue captures the next enrollment sample. A no-finger or
// bad-image outcome comes back as the corresponding taxonomy error;
// retry after prompting the user.
func (c *Client) EnrollContinue(slot int) (control.ProgressPayload, error) {
	response, err := c.call(control.Request{Op: control.OpEnrollContinue, Slot: slot})
	if err != nil {
		return control.ProgressPayload{}, err
	}
	if response.Progress == nil {
		return control.ProgressPayload{}, fmt.Errorf("enroll-continue response carried no progress")
	}
	return *response.Progress, nil
}

// EnrollComplete finishes enrollment and returns the new template.
func (c *Client) EnrollComplete(slot int) (device.Template, error) {
	response, err := c.call(control.Request{Op: control.OpEnrollComplete, Slot: slot})
	if err != nil {
		return device.Template{}, err
	}
	if response.Template == nil {
		return device.Template{}, fmt.Errorf("enroll-complete response carried no template")
	}
	return response.Template.ToTemplate(), nil
}

// EnrollCancel cancels any in-flight enrollment. Idempotent.
func (c *Client) EnrollCancel(slot int) error {
	_, err := c.call(control.Request{Op: control.OpEnrollCancel, Slot: slot})
	return err
}

// Verify matches a live sample against one template.
func (c *Client) Verify(slot int, templateSlot uint8, timeoutMillis uint32) (control.MatchPayload, error) {
	response, err := c.call(control.Request{
		Op:            control.OpVerify,
		Slot:          slot,
		TemplateSlot:  templateSlot,
		TimeoutMillis: timeoutMillis,
	})
	if err != nil {
		return control.MatchPayload{}, err
	}
	if response.Match == nil {
		return control.MatchPayload{}, fmt.Errorf("verify response carried no match outcome")
	}
	return *response.Match, nil
}

// Identify matches a live sample against every stored template.
func (c *Client) Identify(slot int, timeoutMillis uint32) (control.MatchPayload, error) {
	response, err := c.call(control.Request{Op: control.OpIdentify, Slot: slot, TimeoutMillis: timeoutMillis})
	if err != nil {
		return control.MatchPayload{}, err
	}
	if response.Match == nil {
		return control.MatchPayload{}, fmt.Errorf("identify response carried no match outcome")
	}
	return *response.Match, nil
}

// StoreTemplate writes a template into its slot on the device.
func (c *Client) StoreTemplate(slot int, template device.Template) error {
	_, err := c.call(control.Request{
		Op:       control.OpStoreTemplate,
		Slot:     slot,
		Template: control.NewTemplatePayload(template),
	})
	return err
}

// LoadTemplate reads the template in the given slot.
func (c *Client) LoadTemplate(slot int, templateSlot uint8) (device.Template, error) {
	response, err := c.call(control.Request{Op: control.OpLoadTemplate, Slot: slot, TemplateSlot: templateSlot})
	if err != nil {
		return device.Template{}, err
	}
	if response.Template == nil {
		return device.Template{}, fmt.Errorf("load-template response carried no template")
	}
	return response.Template.ToTemplate(), nil
}

// DeleteTemplate removes the template in the given slot.
func (c *Client) DeleteTemplate(slot int, templateSlot uint8) error {
	_, err := c.call(control.Request{Op: control.OpDeleteTemplate, Slot: slot, TemplateSlot: templateSlot})
	return err
}

// ListTemplates returns the occupied template slots.
func (c *Client) ListTemplates(slot int) ([]uint8, error) {
	response, err := c.call(control.Request{Op: control.OpListTemplates, Slot: slot})
	if err != nil {
		return nil, err
	}
	return response.TemplateSlots, nil
}

// ClearTemplates deletes every stored template.
func (c *Client) ClearTemplates(slot int) error {
	_, err := c.call(control.Request{Op: control.OpClearTemplates, Slot: slot})
	return err
}

// SetPowerMode changes the sensor power state.
func (c *Client) SetPowerMode(slot int, mode device.PowerMode, autoSuspendDelay uint8) error {
	_, err := c.call(control.Request{
		Op:    control.OpSetPower,
		Slot:  slot,
		Power: &control.PowerPayload{Mode: uint8(mode), AutoSuspendDelay: autoSuspendDelay},
	})
	return err
}

// GetPowerMode reads the sensor power state.
func (c *Client) GetPowerMode(slot int) (device.PowerMode, error) {
	response, err := c.call(control.Request{Op: control.OpGetPower, Slot: slot})
	if err != nil {
		return 0, err
	}
	if response.Power == nil {
		return 0, fmt.Errorf("get-power response carried no power state")
	}
	return device.PowerMode(response.Power.Mode), nil
}

// Calibrate runs sensor calibration.
func (c *Client) Calibrate(slot int, calibration control.CalibrationPayload) error {
	_, err := c.call(control.Request{Op: control.OpCalibrate, Slot: slot, Calibration: &calibration})
	return err
}

// ResetDevice performs the operator reset, clearing the terminal
// failed condition.
func (c *Client) ResetDevice(slot int) error {
	_, err := c.call(control.Request{Op: control.OpResetDevice, Slot: slot})
	return err
}

// SetEventCallback registers fn to receive daemon events on a
// dedicated subscribed connection. A second call replaces the
// previous callback; nil unregisters. The callback runs on the
// listener goroutine, so it must not block for long.
func (c *Client) SetEventCallback(fn func(control.Event)) error {
	c.eventMu.Lock()
	defer c.eventMu.Unlock()

	if c.eventConn != nil {
		c.eventConn.Close()
		c.eventConn = nil
	}
	if fn == nil {
		return nil
	}

	conn, err := net.DialTimeout("unix", c.socketPath, DefaultDialTimeout)
	if err != nil {
		return fmt.Errorf("connecting event channel: %w", err)
	}
	if err := control.WriteMessage(conn, control.MessageTypeRequest, control.Request{ID: 1, Op: control.OpSubscribe}); err != nil {
		conn.Close()
		return fmt.Errorf("subscribing: %w", err)
	}
	messageType, payload, err := control.ReadMessage(conn)
	if err != nil || messageType != control.MessageTypeResponse {
		conn.Close()
		return fmt.Errorf("subscribe handshake failed: %w", err)
	}
	var response control.Response
	if err := codec.Unmarshal(payload, &response); err != nil {
		conn.Close()
		return fmt.Errorf("decoding subscribe response: %w", err)
	}
	if response.ErrorCode != "" {
		conn.Close()
		return device.Errorf(device.Code(response.ErrorCode), "%s", response.Error)
	}

	c.eventConn = conn
	go listenEvents(conn, fn)
	return nil
}

// EventHandlers routes events to per-type callbacks. Nil fields are
// skipped; Unhandled receives every event no other field consumed.
type EventHandlers struct {
	FingerDetected       func(control.Event)
	FingerRemoved        func(control.Event)
	ImageCaptured        func(control.Event)
	EnrollmentProgress   func(control.Event)
	VerificationComplete func(control.Event)
	Error                func(control.Event)
	StateChanged         func(control.Event)
	Unhandled            func(control.Event)
}

// SetEventHandlers is SetEventCallback with per-type routing.
func (c *Client) SetEventHandlers(handlers EventHandlers) error {
	return c.SetEventCallback(func(event control.Event) {
		var fn func(control.Event)
		switch device.EventType(event.Type) {
		case device.EventFingerDetected:
			fn = handlers.FingerDetected
		case device.EventFingerRemoved:
			fn = handlers.FingerRemoved
		case device.EventImageCaptured:
			fn = handlers.ImageCaptured
		case device.EventEnrollmentProgress:
			fn = handlers.EnrollmentProgress
		case device.EventVerificationComplete:
			fn = handlers.VerificationComplete
		case device.EventError:
			fn = handlers.Error
		case device.EventStateChanged:
			fn = handlers.StateChanged
		}
		if fn == nil {
			fn = handlers.Unhandled
		}
		if fn != nil {
			fn(event)
		}
	})
}

// listenEvents delivers events until the connection closes.
func listenEvents(conn net.Conn, fn func(control.Event)) {
	for {
		messageType, payload, err := control.ReadMessage(conn)
		if err != nil {
			return
		}
		if messageType != control.MessageTypeEvent {
			continue
		}
		var event control.Event
		if err := codec.Unmarshal(payload, &event); err != nil {
			continue
		}
		fn(event)
	}
}
