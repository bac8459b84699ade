// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/fpproto"
	"github.com/openfpc/fpcd/lib/clock"
	"github.com/openfpc/fpcd/lib/codec"
)

// DefaultPollInterval is the pause between capture attempts inside a
// blocking operation while no finger is on the sensor.
const DefaultPollInterval = 50 * time.Millisecond

// eventQueueDepth is the per-connection event buffer. A subscriber
// that stops draining loses events rather than stalling the engine.
const eventQueueDepth = 128

// Options configures a Server.
type Options struct {
	// SocketPath is the unix socket to listen on. The parent
	// directory must exist; a stale socket file is replaced.
	SocketPath string

	// Registry tracks attached devices.
	Registry *device.Registry

	// AllowedUIDs may use the socket in addition to root and the
	// daemon's own UID.
	AllowedUIDs []uint32

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration
}

// Server exposes attached devices over a unix socket. One goroutine
// per connection reads framed requests and answers in order;
// subscribed connections additionally receive events through a
// buffered per-connection queue.
type Server struct {
	socketPath   string
	registry     *device.Registry
	allowedUIDs  map[uint32]bool
	logger       *slog.Logger
	clk          clock.Clock
	pollInterval time.Duration

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup

	mu      sync.Mutex
	bridges map[int]*fpproto.Bridge
	conns   map[*serverConn]bool

	// fingerDown tracks per-slot finger presence as observed by
	// blocking capture loops, for finger-detected/removed events.
	fingerDown map[int]bool
}

// serverConn is the per-connection state.
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex

	mu         sync.Mutex
	subscribed bool
	opens      map[int]int // registry slot → open count via this connection

	events chan Event
	closed chan struct{}
}

// NewServer creates a Server. Call Start to begin serving.
func NewServer(options Options) *Server {
	server := &Server{
		socketPath:   options.SocketPath,
		registry:     options.Registry,
		allowedUIDs:  make(map[uint32]bool),
		logger:       options.Logger,
		clk:          options.Clock,
		pollInterval: options.PollInterval,
		bridges:      make(map[int]*fpproto.Bridge),
		conns:        make(map[*serverConn]bool),
		fingerDown:   make(map[int]bool),
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	if server.clk == nil {
		server.clk = clock.Real()
	}
	if server.pollInterval == 0 {
		server.pollInterval = DefaultPollInterval
	}
	server.allowedUIDs[0] = true
	server.allowedUIDs[uint32(os.Getuid())] = true
	for _, uid := range options.AllowedUIDs {
		server.allowedUIDs[uid] = true
	}
	return server
}

// AddDevice makes an initialized bridge reachable over the control
// channel and wires its handle's events into the subscriber fan-out.
func (s *Server) AddDevice(bridge *fpproto.Bridge) {
	slot := bridge.Handle().Slot
	s.mu.Lock()
	s.bridges[slot] = bridge
	s.mu.Unlock()
	bridge.Handle().SetEventSink(func(event device.Event) {
		event.Slot = slot
		s.broadcastEvent(event)
	})
}

// RemoveDevice drops the bridge for a detached device. In-flight
// operations surface their own device-gone errors.
func (s *Server) RemoveDevice(slot int) {
	s.mu.Lock()
	delete(s.bridges, slot)
	delete(s.fingerDown, slot)
	s.mu.Unlock()
}

// Start binds the socket and begins accepting connections. Returns
// once the listener is accepting.
func (s *Server) Start(ctx context.Context) error {
	if s.socketPath == "" {
		return fmt.Errorf("control: SocketPath is required")
	}
	// A stale socket from a crashed daemon blocks the bind.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("control: removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("control: failed to listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		s.acceptLoop(ctx)
	}()

	s.logger.Info("control channel started", "socket_path", s.socketPath)
	return nil
}

// Addr returns the listener address. Nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for
// the connection goroutines to drain.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for conn := range s.conns {
		conn.conn.Close()
	}
	s.mu.Unlock()
	if s.done != nil {
		<-s.done
	}
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop(ctx context.Context) {
	var connectionCount int64
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.connections.Wait()
				return
			default:
				s.logger.Error("accept failed", "error", err)
				continue
			}
		}
		connectionCount++
		connectionID := connectionCount
		s.connections.Add(1)
		go func() {
			defer s.connections.Done()
			s.handleConnection(ctx, netConn, connectionID)
		}()
	}
}

func (s *Server) handleConnection(ctx context.Context, netConn net.Conn, connectionID int64) {
	defer netConn.Close()
	logger := s.logger.With("connection_id", connectionID)

	uid, err := peerUID(netConn)
	if err != nil {
		logger.Error("peer credential check failed", "error", err)
		return
	}
	if !s.allowedUIDs[uid] {
		logger.Warn("connection rejected", "peer_uid", uid)
		return
	}
	logger.Debug("connection accepted", "peer_uid", uid)

	conn := &serverConn{
		conn:   netConn,
		opens:  make(map[int]int),
		events: make(chan Event, eventQueueDepth),
		closed: make(chan struct{}),
	}
	s.mu.Lock()
	s.conns[conn] = true
	s.mu.Unlock()

	go s.eventPump(conn)

	defer func() {
		close(conn.closed)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.releaseOpens(conn)
		logger.Debug("connection closed")
	}()

	for {
		messageType, payload, err := ReadMessage(netConn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		if messageType != MessageTypeRequest {
			logger.Warn("unexpected message type", "type", messageType)
			return
		}
		var request Request
		if err := codec.Unmarshal(payload, &request); err != nil {
			logger.Warn("malformed request", "error", err)
			return
		}
		response := s.dispatch(ctx, conn, request)
		response.ID = request.ID
		if err := s.writeMessage(conn, MessageTypeResponse, response); err != nil {
			logger.Debug("write failed", "error", err)
			return
		}
	}
}

// eventPump serializes queued events onto the connection.
func (s *Server) eventPump(conn *serverConn) {
	for {
		select {
		case event := <-conn.events:
			if err := s.writeMessage(conn, MessageTypeEvent, event); err != nil {
				return
			}
		case <-conn.closed:
			return
		}
	}
}

func (s *Server) writeMessage(conn *serverConn, messageType byte, body any) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()
	return WriteMessage(conn.conn, messageType, body)
}

// broadcastEvent queues an event on every subscribed connection,
// dropping it for subscribers whose queue is full.
func (s *Server) broadcastEvent(event device.Event) {
	wire := NewEvent(event)
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.mu.Lock()
		subscribed := conn.subscribed
		conn.mu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case conn.events <- wire:
		default:
			s.logger.Warn("event queue full, dropping event", "event_type", wire.Type)
		}
	}
}

// releaseOpens drops the handle references this connection still
// holds.
func (s *Server) releaseOpens(conn *serverConn) {
	conn.mu.Lock()
	opens := conn.opens
	conn.opens = make(map[int]int)
	conn.mu.Unlock()
	for slot, count := range opens {
		if handle, ok := s.registry.Get(slot); ok {
			for i := 0; i < count; i++ {
				handle.Unref()
			}
		}
	}
}

// dispatch executes one request and builds its response.
func (s *Server) dispatch(ctx context.Context, conn *serverConn, request Request) Response {
	switch request.Op {
	case OpListDevices:
		return s.listDevices()
	case OpSubscribe:
		conn.mu.Lock()
		conn.subscribed = true
		conn.mu.Unlock()
		return Response{}
	case OpOpenDevice:
		return s.openDevice(conn, request.Slot)
	case OpCloseDevice:
		return s.closeDevice(conn, request.Slot)
	case OpGetInfo:
		return s.getInfo(ctx, request)
	case OpGetStatus:
		return s.getStatus(request)
	}

	// Everything below operates on an open device.
	bridge, errResponse := s.openBridge(conn, request.Slot)
	if errResponse != nil {
		return *errResponse
	}

	switch request.Op {
	case OpCaptureImage:
		return s.captureImage(ctx, bridge, request)
	case OpEnrollStart:
		return errorOrEmpty(bridge.EnrollStart(ctx, request.TemplateSlot, request.Name, request.TimeoutMillis))
	case OpEnrollContinue:
		progress, err := bridge.EnrollContinue(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Progress: &ProgressPayload{
			Stage:      progress.Stage,
			StageCount: progress.StageCount,
			Quality:    progress.Quality,
		}}
	case OpEnrollComplete:
		template, err := bridge.EnrollComplete(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Template: NewTemplatePayload(template)}
	case OpEnrollCancel:
		return errorOrEmpty(bridge.EnrollCancel(ctx))
	case OpVerify:
		return s.verify(ctx, bridge, request)
	case OpIdentify:
		return s.identify(ctx, bridge, request)
	case OpStoreTemplate:
		if request.Template == nil {
			return errorResponse(device.Errorf(device.CodeInvalidParam, "store-template requires a template"))
		}
		return errorOrEmpty(bridge.StoreTemplate(ctx, request.Template.ToTemplate()))
	case OpLoadTemplate:
		template, err := bridge.LoadTemplate(ctx, request.TemplateSlot)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Template: NewTemplatePayload(template)}
	case OpDeleteTemplate:
		return errorOrEmpty(bridge.DeleteTemplate(ctx, request.TemplateSlot))
	case OpListTemplates:
		slots, err := bridge.ListTemplates(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return Response{TemplateSlots: slots}
	case OpClearTemplates:
		return errorOrEmpty(bridge.ClearTemplates(ctx))
	case OpSetPower:
		if request.Power == nil {
			return errorResponse(device.Errorf(device.CodeInvalidParam, "set-power requires power parameters"))
		}
		return errorOrEmpty(bridge.SetPowerMode(ctx, fpproto.PowerParams{
			Mode:             device.PowerMode(request.Power.Mode),
			AutoSuspendDelay: request.Power.AutoSuspendDelay,
		}))
	case OpGetPower:
		params, err := bridge.GetPowerMode(ctx)
		if err != nil {
			return errorResponse(err)
		}
		return Response{Power: &PowerPayload{Mode: uint8(params.Mode), AutoSuspendDelay: params.AutoSuspendDelay}}
	case OpCalibrate:
		calibration := request.Calibration
		if calibration == nil {
			calibration = &CalibrationPayload{Mode: uint8(device.CalibrateAuto)}
		}
		return errorOrEmpty(bridge.Calibrate(ctx, fpproto.CalibrationParams{
			Mode:        device.CalibrationMode(calibration.Mode),
			Sensitivity: calibration.Sensitivity,
			Threshold:   calibration.Threshold,
			Flags:       calibration.Flags,
		}))
	case OpResetDevice:
		return errorOrEmpty(bridge.Reset(ctx))
	default:
		return errorResponse(device.Errorf(device.CodeNotSupported, "unknown operation %q", request.Op))
	}
}

func (s *Server) listDevices() Response {
	handles := s.registry.List()
	devices := make([]DeviceSummary, 0, len(handles))
	for _, handle := range handles {
		devices = append(devices, DeviceSummary{
			Slot:     handle.Slot,
			State:    handle.State().String(),
			Failed:   handle.Failed(),
			Firmware: handle.Info().FirmwareVersion,
		})
	}
	return Response{Devices: devices}
}

func (s *Server) openDevice(conn *serverConn, slot int) Response {
	handle, ok := s.registry.Get(slot)
	if !ok {
		return errorResponse(device.Errorf(device.CodeInvalidParam, "no device in slot %d", slot))
	}
	handle.Ref()
	conn.mu.Lock()
	conn.opens[slot]++
	conn.mu.Unlock()
	return Response{}
}

func (s *Server) closeDevice(conn *serverConn, slot int) Response {
	conn.mu.Lock()
	if conn.opens[slot] == 0 {
		conn.mu.Unlock()
		return errorResponse(device.Errorf(device.CodeInvalidParam, "device %d not open on this connection", slot))
	}
	conn.opens[slot]--
	if conn.opens[slot] == 0 {
		delete(conn.opens, slot)
	}
	conn.mu.Unlock()
	if handle, ok := s.registry.Get(slot); ok {
		handle.Unref()
	}
	return Response{}
}

func (s *Server) getInfo(ctx context.Context, request Request) Response {
	bridge, ok := s.getBridge(request.Slot)
	if !ok {
		return errorResponse(device.Errorf(device.CodeInvalidParam, "no device in slot %d", request.Slot))
	}
	info, err := bridge.GetDeviceInfo(ctx)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Info: &InfoPayload{
		VendorID:         info.VendorID,
		ProductID:        info.ProductID,
		Firmware:         info.FirmwareVersion,
		ImageWidth:       info.ImageWidth,
		ImageHeight:      info.ImageHeight,
		TemplateCapacity: info.TemplateCapacity,
		Capabilities:     uint32(info.Capabilities),
	}}
}

func (s *Server) getStatus(request Request) Response {
	handle, ok := s.registry.Get(request.Slot)
	if !ok {
		return errorResponse(device.Errorf(device.CodeInvalidParam, "no device in slot %d", request.Slot))
	}
	stats := handle.Stats()
	return Response{Status: &StatusPayload{
		State:             handle.State().String(),
		Failed:            handle.Failed(),
		OpenReferences:    handle.Refs(),
		UptimeMillis:      uptimeMillis(handle.Uptime()),
		Captures:          stats.Captures,
		SuccessfulMatches: stats.SuccessfulMatches,
		FailedMatches:     stats.FailedMatches,
		Errors:            stats.Errors,
		LastError:         string(handle.LastError()),
	}}
}

// captureImage blocks until a finger produces a frame or the caller's
// timeout expires. The poll loop is here rather than on the sensor so
// finger-detected and finger-removed transitions become events.
func (s *Server) captureImage(ctx context.Context, bridge *fpproto.Bridge, request Request) Response {
	image, err := s.blockingCapture(ctx, bridge, request.TimeoutMillis, func() (device.Image, error) {
		return bridge.CaptureImage(ctx, device.TimeoutQuickMillis)
	})
	if err != nil {
		return errorResponse(err)
	}
	return Response{Image: &ImagePayload{
		Width:   image.Width,
		Height:  image.Height,
		Format:  uint8(image.Format),
		Quality: image.Quality,
		Data:    image.Data,
	}}
}

func (s *Server) verify(ctx context.Context, bridge *fpproto.Bridge, request Request) Response {
	result, err := s.blockingMatch(ctx, bridge, request.TimeoutMillis, func() (fpproto.MatchResult, error) {
		return bridge.Verify(ctx, request.TemplateSlot, device.TimeoutQuickMillis)
	})
	return matchResponse(result, err)
}

func (s *Server) identify(ctx context.Context, bridge *fpproto.Bridge, request Request) Response {
	result, err := s.blockingMatch(ctx, bridge, request.TimeoutMillis, func() (fpproto.MatchResult, error) {
		return bridge.Identify(ctx, device.TimeoutQuickMillis)
	})
	return matchResponse(result, err)
}

// matchResponse folds a no-match outcome into a successful response
// with Matched false; other errors stay errors.
func matchResponse(result fpproto.MatchResult, err error) Response {
	if device.HasCode(err, device.CodeNoMatch) {
		return Response{Match: &MatchPayload{Matched: false}}
	}
	if err != nil {
		return errorResponse(err)
	}
	return Response{Match: &MatchPayload{Matched: true, Slot: result.Slot, Confidence: result.Confidence}}
}

// blockingCapture retries attempt while no finger is present, until
// the deadline. Finger presence transitions publish events.
func (s *Server) blockingCapture(ctx context.Context, bridge *fpproto.Bridge, timeoutMillis uint32, attempt func() (device.Image, error)) (device.Image, error) {
	deadline := s.clk.Now().Add(blockingTimeout(timeoutMillis))
	for {
		image, err := attempt()
		s.noteFingerPresence(bridge, err)
		if err == nil {
			return image, nil
		}
		if !device.HasCode(err, device.CodeNoFinger) {
			return device.Image{}, err
		}
		if remaining, expired := s.untilDeadline(ctx, deadline); expired {
			return device.Image{}, device.Errorf(device.CodeTimeout, "no finger within timeout")
		} else {
			s.clk.Sleep(min(s.pollInterval, remaining))
		}
	}
}

// blockingMatch is blockingCapture for verify and identify.
func (s *Server) blockingMatch(ctx context.Context, bridge *fpproto.Bridge, timeoutMillis uint32, attempt func() (fpproto.MatchResult, error)) (fpproto.MatchResult, error) {
	deadline := s.clk.Now().Add(blockingTimeout(timeoutMillis))
	for {
		result, err := attempt()
		s.noteFingerPresence(bridge, err)
		if err == nil || !device.HasCode(err, device.CodeNoFinger) {
			return result, err
		}
		if remaining, expired := s.untilDeadline(ctx, deadline); expired {
			return fpproto.MatchResult{}, device.Errorf(device.CodeTimeout, "no finger within timeout")
		} else {
			s.clk.Sleep(min(s.pollInterval, remaining))
		}
	}
}

func (s *Server) untilDeadline(ctx context.Context, deadline time.Time) (time.Duration, bool) {
	if err := ctx.Err(); err != nil {
		return 0, true
	}
	remaining := deadline.Sub(s.clk.Now())
	return remaining, remaining <= 0
}

// noteFingerPresence derives finger-detected and finger-removed
// events from blocking operation outcomes.
func (s *Server) noteFingerPresence(bridge *fpproto.Bridge, err error) {
	present := !device.HasCode(err, device.CodeNoFinger)
	if err != nil && !device.IsOperationalOutcome(err) {
		// Transport faults say nothing about the finger.
		return
	}
	slot := bridge.Handle().Slot
	s.mu.Lock()
	was := s.fingerDown[slot]
	s.fingerDown[slot] = present
	s.mu.Unlock()
	if present == was {
		return
	}
	eventType := device.EventFingerDetected
	if !present {
		eventType = device.EventFingerRemoved
	}
	bridge.Handle().PublishEvent(device.Event{Type: eventType})
}

// openBridge resolves the bridge for a device this connection has
// open.
func (s *Server) openBridge(conn *serverConn, slot int) (*fpproto.Bridge, *Response) {
	conn.mu.Lock()
	open := conn.opens[slot] > 0
	conn.mu.Unlock()
	if !open {
		response := errorResponse(device.Errorf(device.CodeInvalidParam,
			"device %d not open on this connection; call open-device first", slot))
		return nil, &response
	}
	bridge, ok := s.getBridge(slot)
	if !ok {
		response := errorResponse(device.Errorf(device.CodeDeviceGone, "device %d detached", slot))
		return nil, &response
	}
	return bridge, nil
}

func (s *Server) getBridge(slot int) (*fpproto.Bridge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bridge, ok := s.bridges[slot]
	return bridge, ok
}

func blockingTimeout(timeoutMillis uint32) time.Duration {
	if timeoutMillis == 0 {
		timeoutMillis = device.TimeoutDefaultMillis
	}
	return time.Duration(timeoutMillis) * time.Millisecond
}

func errorResponse(err error) Response {
	return Response{ErrorCode: string(device.CodeOf(err)), Error: err.Error()}
}

func errorOrEmpty(err error) Response {
	if err != nil {
		return errorResponse(err)
	}
	return Response{}
}

// peerUID reads the connecting process's UID from the socket.
func peerUID(conn net.Conn) (uint32, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("not a unix socket connection")
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return 0, err
	}
	if credErr != nil {
		return 0, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}
	return cred.Uid, nil
}
