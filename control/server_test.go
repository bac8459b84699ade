// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package control_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfpc/fpcd/control"
	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/fpproto"
	"github.com/openfpc/fpcd/lib/clock"
	"github.com/openfpc/fpcd/lib/codec"
	"github.com/openfpc/fpcd/recovery"
	"github.com/openfpc/fpcd/transport/sim"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T, options ...sim.Option) (*control.Server, *device.Handle, *sim.Sensor) {
	t.Helper()
	logger := discardLogger()
	sensor := sim.New(options...)
	registry := device.NewRegistry(clock.Real(), logger)
	handle := registry.Attach()
	bridge := fpproto.New(fpproto.Options{
		Transport: sensor,
		Handle:    handle,
		Logger:    logger,
	})
	bridge.SetRecoverer(recovery.New(recovery.Options{
		Device:             bridge,
		Logger:             logger,
		HardwareResetDelay: 10 * time.Microsecond,
		CommRetryDelay:     10 * time.Microsecond,
	}))
	if err := bridge.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	server := control.NewServer(control.Options{
		SocketPath:   filepath.Join(t.TempDir(), "fpcd.sock"),
		Registry:     registry,
		Logger:       logger,
		PollInterval: time.Millisecond,
	})
	server.AddDevice(bridge)
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(server.Stop)
	return server, handle, sensor
}

// rawConn drives the wire format directly.
type rawConn struct {
	t      *testing.T
	conn   net.Conn
	nextID uint64
}

func dialRaw(t *testing.T, server *control.Server) *rawConn {
	t.Helper()
	conn, err := net.Dial("unix", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rawConn{t: t, conn: conn}
}

func (r *rawConn) roundTrip(request control.Request) control.Response {
	r.t.Helper()
	r.nextID++
	request.ID = r.nextID
	if err := control.WriteMessage(r.conn, control.MessageTypeRequest, request); err != nil {
		r.t.Fatalf("write request: %v", err)
	}
	return r.readResponse()
}

func (r *rawConn) readResponse() control.Response {
	r.t.Helper()
	for {
		messageType, payload, err := control.ReadMessage(r.conn)
		if err != nil {
			r.t.Fatalf("read response: %v", err)
		}
		if messageType == control.MessageTypeEvent {
			continue
		}
		if messageType != control.MessageTypeResponse {
			r.t.Fatalf("unexpected message type %#02x", messageType)
		}
		var response control.Response
		if err := codec.Unmarshal(payload, &response); err != nil {
			r.t.Fatalf("decode response: %v", err)
		}
		return response
	}
}

func TestUnknownOperationRejected(t *testing.T) {
	server, _, _ := startServer(t)
	conn := dialRaw(t, server)

	response := conn.roundTrip(control.Request{Op: "defragment"})
	if response.ErrorCode != string(device.CodeNotSupported) {
		t.Fatalf("error code = %q, want %q", response.ErrorCode, device.CodeNotSupported)
	}
}

func TestResponseCarriesRequestID(t *testing.T) {
	server, _, _ := startServer(t)
	conn := dialRaw(t, server)

	for i := 0; i < 3; i++ {
		response := conn.roundTrip(control.Request{Op: control.OpListDevices})
		if response.ID != conn.nextID {
			t.Fatalf("response id = %d, want %d", response.ID, conn.nextID)
		}
	}
}

func TestNonRequestFrameClosesConnection(t *testing.T) {
	server, _, _ := startServer(t)
	conn := dialRaw(t, server)

	// Clients only send requests; a server-to-client frame type on the
	// inbound path means a confused or hostile peer, and the server
	// hangs up rather than guessing.
	if err := control.WriteMessage(conn.conn, control.MessageTypeEvent, control.Event{Type: "bogus"}); err != nil {
		t.Fatalf("write event frame: %v", err)
	}
	conn.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := control.ReadMessage(conn.conn); err == nil {
		t.Fatalf("connection still alive after non-request frame")
	}
}

func TestEventsOnlyReachSubscribers(t *testing.T) {
	server, handle, sensor := startServer(t)

	subscriber := dialRaw(t, server)
	if response := subscriber.roundTrip(control.Request{Op: control.OpSubscribe}); response.ErrorCode != "" {
		t.Fatalf("subscribe: %s", response.Error)
	}

	worker := dialRaw(t, server)
	if response := worker.roundTrip(control.Request{Op: control.OpOpenDevice, Slot: handle.Slot}); response.ErrorCode != "" {
		t.Fatalf("open-device: %s", response.Error)
	}
	sensor.PressUnknownFinger(80)
	if response := worker.roundTrip(control.Request{Op: control.OpCaptureImage, Slot: handle.Slot}); response.ErrorCode != "" {
		t.Fatalf("capture-image: %s", response.Error)
	}

	// The worker connection never subscribed, so its next frame must
	// be its own response (checked above), while the subscriber sees
	// the capture event.
	subscriber.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		messageType, payload, err := control.ReadMessage(subscriber.conn)
		if err != nil {
			t.Fatalf("reading event: %v", err)
		}
		if messageType != control.MessageTypeEvent {
			t.Fatalf("unexpected message type %#02x on subscriber connection", messageType)
		}
		var event control.Event
		if err := codec.Unmarshal(payload, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.Type == string(device.EventImageCaptured) {
			if event.Slot != handle.Slot {
				t.Errorf("event slot = %d, want %d", event.Slot, handle.Slot)
			}
			return
		}
	}
}

func TestDetachSurfacesDeviceGoneToBlockedCapture(t *testing.T) {
	server, handle, sensor := startServer(t)
	conn := dialRaw(t, server)

	if response := conn.roundTrip(control.Request{Op: control.OpOpenDevice, Slot: handle.Slot}); response.ErrorCode != "" {
		t.Fatalf("open-device: %s", response.Error)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		sensor.Detach()
	}()
	response := conn.roundTrip(control.Request{Op: control.OpCaptureImage, Slot: handle.Slot, TimeoutMillis: 5000})
	if response.ErrorCode != string(device.CodeDeviceGone) {
		t.Fatalf("error code = %q, want %q", response.ErrorCode, device.CodeDeviceGone)
	}
}

func TestStopClosesConnections(t *testing.T) {
	server, _, _ := startServer(t)
	conn := dialRaw(t, server)

	if response := conn.roundTrip(control.Request{Op: control.OpListDevices}); response.ErrorCode != "" {
		t.Fatalf("list-devices: %s", response.Error)
	}
	server.Stop()

	conn.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := control.ReadMessage(conn.conn); err == nil {
		t.Fatalf("connection still alive after Stop")
	}
}
