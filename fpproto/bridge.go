// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package fpproto

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/lib/clock"
	"github.com/openfpc/fpcd/transport"
)

// Default bulk endpoint addresses for the FPC sensor family. The
// interface exposes exactly one bulk-in and one bulk-out endpoint;
// these are overridable for the legacy variants via Options.
const (
	DefaultBulkIn  uint8 = 0x81
	DefaultBulkOut uint8 = 0x02
)

// DefaultTimeout bounds a single command/response exchange unless the
// caller overrides it per call.
const DefaultTimeout = 5 * time.Second

// EnrollStageCount is the number of accepted samples required to
// build a template.
const EnrollStageCount = 5

// Recoverer runs bounded error recovery for a device. The bridge
// hands it transient faults (timeouts, protocol errors) and retries
// the failed exchange once if recovery reports success. Implemented
// by the recovery engine; the indirection keeps this package free of
// a dependency on recovery policy.
type Recoverer interface {
	// RecoverAndWait classifies err, runs the appropriate strategy,
	// and blocks until the run completes. Returns nil when the device
	// is healthy again.
	RecoverAndWait(ctx context.Context, err error) error

	// ResumeDeferred kicks a recovery run that was deferred while an
	// enrollment was mid-flight. The bridge calls it whenever an
	// enrollment session ends.
	ResumeDeferred()
}

// Options configures a Bridge.
type Options struct {
	Transport transport.Transport
	Handle    *device.Handle

	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// BulkIn and BulkOut override the endpoint addresses. Zero means
	// the family defaults.
	BulkIn  uint8
	BulkOut uint8

	// DefaultTimeout overrides the per-exchange timeout. Zero means
	// DefaultTimeout.
	DefaultTimeout time.Duration
}

// Bridge translates high-level operations into command/response
// exchanges over the transport. One mutex serializes all hardware
// access for the device: concurrent callers from the control channel
// queue here, never on the wire.
type Bridge struct {
	tr             transport.Transport
	handle         *device.Handle
	logger         *slog.Logger
	clk            clock.Clock
	bulkIn         uint8
	bulkOut        uint8
	defaultTimeout time.Duration

	// mu serializes wire exchanges. Held only for the duration of one
	// command/response pair, never across recovery, so the recovery
	// engine's self-test can run its own exchanges.
	mu sync.Mutex

	// sessionMu guards the enrollment session pointer.
	sessionMu sync.Mutex
	session   *enrollSession

	recoverer atomic.Pointer[recovererBox]
}

// recovererBox wraps the interface for atomic.Pointer storage.
type recovererBox struct{ r Recoverer }

// enrollSession tracks one in-flight enrollment. At most one exists
// per device; it is destroyed on completion, cancellation, error, or
// detach.
type enrollSession struct {
	slot       uint8
	name       string
	stage      int
	stageCount int
	timeout    time.Duration
	cancelled  atomic.Bool
}

// New creates a Bridge over the given transport and handle.
func New(options Options) *Bridge {
	bridge := &Bridge{
		tr:             options.Transport,
		handle:         options.Handle,
		logger:         options.Logger,
		clk:            options.Clock,
		bulkIn:         options.BulkIn,
		bulkOut:        options.BulkOut,
		defaultTimeout: options.DefaultTimeout,
	}
	if bridge.logger == nil {
		bridge.logger = slog.Default()
	}
	if bridge.clk == nil {
		bridge.clk = clock.Real()
	}
	if bridge.bulkIn == 0 {
		bridge.bulkIn = DefaultBulkIn
	}
	if bridge.bulkOut == 0 {
		bridge.bulkOut = DefaultBulkOut
	}
	if bridge.defaultTimeout == 0 {
		bridge.defaultTimeout = DefaultTimeout
	}
	return bridge
}

// Handle returns the device handle this bridge drives.
func (b *Bridge) Handle() *device.Handle { return b.handle }

// SetRecoverer installs the recovery engine. Safe to call after the
// bridge is in use.
func (b *Bridge) SetRecoverer(r Recoverer) {
	b.recoverer.Store(&recovererBox{r: r})
}

func (b *Bridge) getRecoverer() Recoverer {
	if box := b.recoverer.Load(); box != nil {
		return box.r
	}
	return nil
}

// timeoutFor converts a caller-supplied millisecond timeout (zero
// means default) into a duration.
func (b *Bridge) timeoutFor(timeoutMillis uint32) time.Duration {
	if timeoutMillis == 0 {
		return b.defaultTimeout
	}
	return time.Duration(timeoutMillis) * time.Millisecond
}

// Initialize drives the attach handshake: transition to
// Initializing, fetch and record the device descriptor, and enter
// Ready. Runs on the per-device worker goroutine at attach time.
func (b *Bridge) Initialize(ctx context.Context) error {
	machine := b.handle.Machine()
	if err := machine.Transition(device.StateInitializing); err != nil {
		return err
	}
	info, err := b.fetchInfo(ctx, b.defaultTimeout)
	if err != nil {
		machine.Transition(device.StateError)
		return b.recordFailure(err)
	}
	b.handle.SetInfo(info)
	if err := machine.Transition(device.StateReady); err != nil {
		return err
	}
	b.logger.Info("device initialized",
		"slot", b.handle.Slot,
		"firmware", info.FirmwareVersion,
		"image_size", int(info.ImageWidth)*int(info.ImageHeight),
	)
	return nil
}

// GetDeviceInfo fetches the live descriptor and refreshes the cached
// copy on the handle. Allowed in any attached state — it is the
// communication self-test the recovery engine leans on, so it must
// not require Ready.
func (b *Bridge) GetDeviceInfo(ctx context.Context) (device.Info, error) {
	if err := b.checkAttached(); err != nil {
		return device.Info{}, err
	}
	info, err := b.fetchInfo(ctx, b.defaultTimeout)
	if err != nil {
		return device.Info{}, b.recordFailure(err)
	}
	b.handle.SetInfo(info)
	return info, nil
}

// fetchInfo performs the raw GetInfo exchange with no state gating
// and no recovery retry.
func (b *Bridge) fetchInfo(ctx context.Context, timeout time.Duration) (device.Info, error) {
	response, err := b.exchange(ctx, Command{Opcode: OpGetInfo}, timeout)
	if err != nil {
		return device.Info{}, err
	}
	return ParseInfo(response.Payload)
}

// SelfTest verifies the device answers a GetInfo exchange. Used by
// the recovery engine after each strategy pass.
func (b *Bridge) SelfTest(ctx context.Context) error {
	_, err := b.fetchInfo(ctx, b.defaultTimeout)
	return err
}

// Reset is the operator-level reset: it clears the terminal failed
// condition, destroys any enrollment session, sends the soft-reset
// command, and reinitializes. This is the only way out of the failed
// state.
func (b *Bridge) Reset(ctx context.Context) error {
	b.dropSession("device reset")
	b.handle.ClearFailed()

	machine := b.handle.Machine()
	if machine.State() == device.StateDisconnected {
		return device.Errorf(device.CodeDeviceGone, "device detached")
	}
	// Route through Error so the reset path is legal from every
	// attached state.
	if machine.State() != device.StateError {
		machine.Transition(device.StateError)
	}

	if _, err := b.exchange(ctx, Command{Opcode: OpReset}, b.defaultTimeout); err != nil {
		return b.recordFailure(err)
	}
	if err := machine.Transition(device.StateInitializing); err != nil {
		return err
	}
	info, err := b.fetchInfo(ctx, b.defaultTimeout)
	if err != nil {
		machine.Transition(device.StateError)
		return b.recordFailure(err)
	}
	b.handle.SetInfo(info)
	return machine.Transition(device.StateReady)
}

// CaptureImage captures one fingerprint frame. NoFinger and BadImage
// are operational outcomes for the caller's retry loop, not device
// errors. The returned image buffer is caller-owned.
func (b *Bridge) CaptureImage(ctx context.Context, timeoutMillis uint32) (device.Image, error) {
	if err := b.begin(device.StateCapturing); err != nil {
		return device.Image{}, err
	}
	defer b.end(device.StateCapturing)

	response, err := b.exchangeRecovering(ctx, Command{Opcode: OpCapture}, b.timeoutFor(timeoutMillis))
	if err != nil {
		if device.IsOperationalOutcome(err) {
			return device.Image{}, err
		}
		return device.Image{}, b.recordFailure(err)
	}

	image, err := ParseImage(response.Payload)
	if err != nil {
		return device.Image{}, b.recordFailure(err)
	}
	b.handle.RecordCapture()
	b.handle.PublishEvent(device.Event{Type: device.EventImageCaptured})
	return image, nil
}

// EnrollStart begins a multi-sample enrollment into the given slot.
// Returns Busy when a session already exists, InvalidParam for a bad
// slot or name, and TemplateExists when the slot is occupied.
func (b *Bridge) EnrollStart(ctx context.Context, slot uint8, name string, timeoutMillis uint32) error {
	if err := validateSlot(slot, b.templateCapacity()); err != nil {
		return err
	}
	if len(name) > device.MaxNameLength {
		return device.Errorf(device.CodeInvalidParam,
			"template name %d bytes exceeds maximum %d", len(name), device.MaxNameLength)
	}

	// Claim the session slot before touching the wire so a second
	// caller sees Busy immediately. The claim is rolled back if the
	// start exchange fails. sessionMu is never held across an
	// exchange: the recovery engine calls back into EnrollmentActive
	// and CancelEnrollment, which need it.
	session := &enrollSession{
		slot:       slot,
		name:       name,
		stageCount: EnrollStageCount,
		timeout:    b.timeoutFor(timeoutMillis),
	}
	b.sessionMu.Lock()
	if b.session != nil {
		existing := b.session.slot
		b.sessionMu.Unlock()
		return device.Errorf(device.CodeBusy, "enrollment already in progress for slot %d", existing)
	}
	b.session = session
	b.sessionMu.Unlock()

	if err := b.begin(device.StateCapturing); err != nil {
		b.clearSession(session)
		return err
	}

	command := Command{
		Opcode: OpEnrollStart,
		Payload: EncodeEnrollStart(EnrollStartParams{
			Slot:             slot,
			QualityThreshold: device.QualityMedium,
			MaxAttempts:      3,
			Name:             name,
			TimeoutMillis:    timeoutMillis,
		}),
	}
	if _, err := b.exchangeRecovering(ctx, command, session.timeout); err != nil {
		b.end(device.StateCapturing)
		b.clearSession(session)
		b.resumeDeferredRecovery()
		if device.HasCode(err, device.CodeTemplateExists) {
			return err
		}
		return b.recordFailure(err)
	}

	b.logger.Info("enrollment started", "slot", b.handle.Slot, "template_slot", slot)
	return nil
}

// EnrollContinue captures the next enrollment sample. NoFinger and
// BadImage leave the stage unchanged for a retry; success advances
// the stage and publishes an EnrollmentProgress event.
func (b *Bridge) EnrollContinue(ctx context.Context) (EnrollProgress, error) {
	session, err := b.currentSession()
	if err != nil {
		return EnrollProgress{}, err
	}

	response, err := b.exchangeRecovering(ctx, Command{Opcode: OpEnrollContinue}, session.timeout)
	if err != nil {
		if device.IsOperationalOutcome(err) {
			return EnrollProgress{}, err
		}
		b.abandonSession(session)
		return EnrollProgress{}, b.recordFailure(err)
	}
	if session.cancelled.Load() {
		return EnrollProgress{}, device.Errorf(device.CodeInvalidParam, "enrollment cancelled")
	}

	progress, err := ParseEnrollProgress(response.Payload)
	if err != nil {
		b.abandonSession(session)
		return EnrollProgress{}, b.recordFailure(err)
	}
	b.sessionMu.Lock()
	session.stage = int(progress.Stage)
	b.sessionMu.Unlock()
	b.handle.PublishEvent(device.Event{
		Type:       device.EventEnrollmentProgress,
		Stage:      int(progress.Stage),
		StageCount: int(progress.StageCount),
	})
	return progress, nil
}

// EnrollComplete finishes enrollment and returns the new template.
// All stages must have been accepted first.
func (b *Bridge) EnrollComplete(ctx context.Context) (device.Template, error) {
	session, err := b.currentSession()
	if err != nil {
		return device.Template{}, err
	}
	b.sessionMu.Lock()
	stage := session.stage
	b.sessionMu.Unlock()
	if stage < session.stageCount {
		return device.Template{}, device.Errorf(device.CodeInvalidParam,
			"enrollment incomplete: stage %d of %d", stage, session.stageCount)
	}

	machine := b.handle.Machine()
	machine.TransitionIf(device.StateCapturing, device.StateProcessing)

	response, err := b.exchangeRecovering(ctx, Command{Opcode: OpEnrollComplete}, session.timeout)
	if err != nil {
		b.abandonSession(session)
		return device.Template{}, b.recordFailure(err)
	}
	template, err := ParseTemplate(response.Payload)
	if err != nil {
		b.abandonSession(session)
		return device.Template{}, b.recordFailure(err)
	}

	b.clearSession(session)
	machine.TransitionIf(device.StateProcessing, device.StateReady)
	b.resumeDeferredRecovery()
	b.logger.Info("enrollment complete", "slot", b.handle.Slot, "template_slot", template.Slot)
	return template, nil
}

// EnrollCancel cancels any in-flight enrollment. Idempotent: cancel
// with no session is a no-op. The cancellation flag is observed at
// the next stage boundary; device-side soft state is cleared with a
// reset command.
func (b *Bridge) EnrollCancel(ctx context.Context) error {
	b.sessionMu.Lock()
	session := b.session
	if session == nil {
		b.sessionMu.Unlock()
		return nil
	}
	session.cancelled.Store(true)
	b.session = nil
	b.sessionMu.Unlock()

	// Clear the sensor's enrollment state. Failure here is reported
	// but the host-side session is gone either way.
	_, err := b.exchange(ctx, Command{Opcode: OpReset}, b.defaultTimeout)

	machine := b.handle.Machine()
	machine.TransitionIf(device.StateCapturing, device.StateReady)
	machine.TransitionIf(device.StateProcessing, device.StateReady)
	b.resumeDeferredRecovery()
	if err != nil {
		return b.recordFailure(err)
	}
	return nil
}

// currentSession returns the live enrollment session or the
// InvalidParam outcome when none exists.
func (b *Bridge) currentSession() (*enrollSession, error) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	if b.session == nil {
		return nil, device.Errorf(device.CodeInvalidParam, "no enrollment in progress")
	}
	return b.session, nil
}

// clearSession removes the session if it is still the given one.
// A session replaced by a concurrent cancel-then-start is left alone.
func (b *Bridge) clearSession(session *enrollSession) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	if b.session == session {
		b.session = nil
	}
}

// EnrollmentActive reports whether an enrollment session exists. The
// recovery engine checks this to defer non-fatal recovery.
func (b *Bridge) EnrollmentActive() bool {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	return b.session != nil
}

// CancelEnrollment force-drops the session without touching the wire.
// The recovery engine calls this when a fatal error cancels an
// enrollment mid-flight, and detach teardown calls it too.
func (b *Bridge) CancelEnrollment(reason string) {
	b.dropSession(reason)
}

func (b *Bridge) dropSession(reason string) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	if b.session == nil {
		return
	}
	b.session.cancelled.Store(true)
	b.session = nil
	b.logger.Warn("enrollment session dropped", "slot", b.handle.Slot, "reason", reason)
	machine := b.handle.Machine()
	machine.TransitionIf(device.StateCapturing, device.StateReady)
	machine.TransitionIf(device.StateProcessing, device.StateReady)
}

// abandonSession destroys the session after a device error.
func (b *Bridge) abandonSession(session *enrollSession) {
	session.cancelled.Store(true)
	b.clearSession(session)
	machine := b.handle.Machine()
	machine.TransitionIf(device.StateCapturing, device.StateReady)
	machine.TransitionIf(device.StateProcessing, device.StateReady)
	b.resumeDeferredRecovery()
}

func (b *Bridge) resumeDeferredRecovery() {
	if r := b.getRecoverer(); r != nil {
		r.ResumeDeferred()
	}
}

// Verify matches a live sample against one stored template. A
// non-match is the NoMatch operational outcome, with the device back
// in Ready.
func (b *Bridge) Verify(ctx context.Context, slot uint8, timeoutMillis uint32) (MatchResult, error) {
	if err := validateSlot(slot, b.templateCapacity()); err != nil {
		return MatchResult{}, err
	}
	if err := b.begin(device.StateProcessing); err != nil {
		return MatchResult{}, err
	}
	defer b.end(device.StateProcessing)

	command := Command{
		Opcode: OpVerify,
		Payload: EncodeVerify(VerifyParams{
			Slot:             slot,
			QualityThreshold: device.QualityMedium,
			TimeoutMillis:    timeoutMillis,
		}),
	}
	response, err := b.exchangeRecovering(ctx, command, b.timeoutFor(timeoutMillis))
	if err != nil {
		if device.HasCode(err, device.CodeNoMatch) {
			b.handle.RecordMatch(false)
			b.handle.PublishEvent(device.Event{
				Type:         device.EventVerificationComplete,
				Matched:      false,
				TemplateSlot: slot,
			})
			return MatchResult{}, err
		}
		if device.IsOperationalOutcome(err) {
			return MatchResult{}, err
		}
		return MatchResult{}, b.recordFailure(err)
	}

	result, err := ParseMatchResult(response.Payload)
	if err != nil {
		return MatchResult{}, b.recordFailure(err)
	}
	b.handle.RecordMatch(true)
	b.handle.PublishEvent(device.Event{
		Type:         device.EventVerificationComplete,
		Matched:      true,
		TemplateSlot: result.Slot,
		Confidence:   result.Confidence,
	})
	return result, nil
}

// Identify matches a live sample against every stored template and
// returns the matched slot with a 0–100 confidence.
func (b *Bridge) Identify(ctx context.Context, timeoutMillis uint32) (MatchResult, error) {
	if err := b.begin(device.StateProcessing); err != nil {
		return MatchResult{}, err
	}
	defer b.end(device.StateProcessing)

	command := Command{
		Opcode: OpIdentify,
		Payload: EncodeIdentify(IdentifyParams{
			QualityThreshold: device.QualityMedium,
			TimeoutMillis:    timeoutMillis,
		}),
	}
	response, err := b.exchangeRecovering(ctx, command, b.timeoutFor(timeoutMillis))
	if err != nil {
		if device.HasCode(err, device.CodeNoMatch) {
			b.handle.RecordMatch(false)
			b.handle.PublishEvent(device.Event{Type: device.EventVerificationComplete, Matched: false})
			return MatchResult{}, err
		}
		if device.IsOperationalOutcome(err) {
			return MatchResult{}, err
		}
		return MatchResult{}, b.recordFailure(err)
	}

	result, err := ParseMatchResult(response.Payload)
	if err != nil {
		return MatchResult{}, b.recordFailure(err)
	}
	b.handle.RecordMatch(true)
	b.handle.PublishEvent(device.Event{
		Type:         device.EventVerificationComplete,
		Matched:      true,
		TemplateSlot: result.Slot,
		Confidence:   result.Confidence,
	})
	return result, nil
}

// StoreTemplate writes a template into its slot. The device rejects
// an occupied slot with TemplateExists.
func (b *Bridge) StoreTemplate(ctx context.Context, template device.Template) error {
	if err := validateSlot(template.Slot, b.templateCapacity()); err != nil {
		return err
	}
	payload, err := EncodeTemplate(template)
	if err != nil {
		return err
	}
	if err := b.beginTemplateOp(); err != nil {
		return err
	}
	defer b.end(device.StateProcessing)

	if _, err := b.exchangeRecovering(ctx, Command{Opcode: OpStoreTemplate, Payload: payload}, b.defaultTimeout); err != nil {
		if device.HasCode(err, device.CodeTemplateExists) || device.HasCode(err, device.CodeStorageFull) {
			return err
		}
		return b.recordFailure(err)
	}
	return nil
}

// LoadTemplate reads the template in the given slot. The payload's
// integrity checksum is verified during parsing.
func (b *Bridge) LoadTemplate(ctx context.Context, slot uint8) (device.Template, error) {
	if err := validateSlot(slot, b.templateCapacity()); err != nil {
		return device.Template{}, err
	}
	if err := b.beginTemplateOp(); err != nil {
		return device.Template{}, err
	}
	defer b.end(device.StateProcessing)

	response, err := b.exchangeRecovering(ctx, Command{Opcode: OpLoadTemplate, Payload: []byte{slot}}, b.defaultTimeout)
	if err != nil {
		if device.HasCode(err, device.CodeInvalidParam) {
			return device.Template{}, err
		}
		return device.Template{}, b.recordFailure(err)
	}
	template, err := ParseTemplate(response.Payload)
	if err != nil {
		return device.Template{}, b.recordFailure(err)
	}
	return template, nil
}

// DeleteTemplate removes the template in the given slot. Deleting an
// empty slot is a no-op.
func (b *Bridge) DeleteTemplate(ctx context.Context, slot uint8) error {
	if err := validateSlot(slot, b.templateCapacity()); err != nil {
		return err
	}
	if err := b.beginTemplateOp(); err != nil {
		return err
	}
	defer b.end(device.StateProcessing)

	if _, err := b.exchangeRecovering(ctx, Command{Opcode: OpDeleteTemplate, Payload: []byte{slot}}, b.defaultTimeout); err != nil {
		return b.recordFailure(err)
	}
	return nil
}

// ListTemplates returns the occupied slot ids in ascending order.
func (b *Bridge) ListTemplates(ctx context.Context) ([]uint8, error) {
	if err := b.beginTemplateOp(); err != nil {
		return nil, err
	}
	defer b.end(device.StateProcessing)

	response, err := b.exchangeRecovering(ctx, Command{Opcode: OpListTemplates}, b.defaultTimeout)
	if err != nil {
		return nil, b.recordFailure(err)
	}
	if len(response.Payload) < 1 {
		return nil, b.recordFailure(device.Errorf(device.CodeProtocol, "empty template list payload"))
	}
	count := int(response.Payload[0])
	if 1+count > len(response.Payload) {
		return nil, b.recordFailure(device.Errorf(device.CodeProtocol,
			"template list declares %d slots but carries %d", count, len(response.Payload)-1))
	}
	return append([]uint8(nil), response.Payload[1:1+count]...), nil
}

// ClearTemplates deletes every stored template.
func (b *Bridge) ClearTemplates(ctx context.Context) error {
	if err := b.beginTemplateOp(); err != nil {
		return err
	}
	defer b.end(device.StateProcessing)

	if _, err := b.exchangeRecovering(ctx, Command{Opcode: OpClearTemplates}, b.defaultTimeout); err != nil {
		return b.recordFailure(err)
	}
	return nil
}

// SetPowerMode changes the sensor power state. Entering Sleep or
// DeepSleep suspends the device; waking routes back through
// initialization.
func (b *Bridge) SetPowerMode(ctx context.Context, params PowerParams) error {
	machine := b.handle.Machine()
	state := machine.State()
	if state != device.StateReady && state != device.StateSuspended {
		return b.stateRejection(state)
	}

	if _, err := b.exchange(ctx, Command{Opcode: OpSetPower, Payload: EncodePower(params)}, b.defaultTimeout); err != nil {
		return b.recordFailure(err)
	}

	switch params.Mode {
	case device.PowerSleep, device.PowerDeepSleep:
		machine.TransitionIf(device.StateReady, device.StateSuspended)
	case device.PowerActive, device.PowerIdle:
		if machine.TransitionIf(device.StateSuspended, device.StateInitializing) {
			info, err := b.fetchInfo(ctx, b.defaultTimeout)
			if err != nil {
				machine.Transition(device.StateError)
				return b.recordFailure(err)
			}
			b.handle.SetInfo(info)
			return machine.Transition(device.StateReady)
		}
	}
	return nil
}

// GetPowerMode reads the sensor power state. Allowed while suspended.
func (b *Bridge) GetPowerMode(ctx context.Context) (PowerParams, error) {
	state := b.handle.Machine().State()
	if state != device.StateReady && state != device.StateSuspended {
		return PowerParams{}, b.stateRejection(state)
	}
	response, err := b.exchange(ctx, Command{Opcode: OpGetPower}, b.defaultTimeout)
	if err != nil {
		return PowerParams{}, b.recordFailure(err)
	}
	params, err := ParsePower(response.Payload)
	if err != nil {
		return PowerParams{}, b.recordFailure(err)
	}
	return params, nil
}

// Calibrate runs the sensor calibration procedure. The threshold and
// flags fields pass through uninterpreted.
func (b *Bridge) Calibrate(ctx context.Context, params CalibrationParams) error {
	if params.Mode > device.CalibrateAuto {
		return device.Errorf(device.CodeInvalidParam, "unknown calibration mode %d", params.Mode)
	}
	if err := b.begin(device.StateProcessing); err != nil {
		return err
	}
	defer b.end(device.StateProcessing)

	if _, err := b.exchangeRecovering(ctx, Command{Opcode: OpCalibrate, Payload: EncodeCalibration(params)}, b.defaultTimeout); err != nil {
		return b.recordFailure(err)
	}
	return nil
}

// ResetHardware asks the transport for its strongest reset (a port
// reset that power-cycles the sensor). Recovery engine hook.
func (b *Bridge) ResetHardware(ctx context.Context) error {
	return b.tr.ResetHardware()
}

// ResetTransport re-binds the transport interface and re-runs the
// protocol soft reset. Recovery engine hook.
func (b *Bridge) ResetTransport(ctx context.Context) error {
	if err := b.tr.ResetInterface(); err != nil {
		return err
	}
	_, err := b.exchange(ctx, Command{Opcode: OpReset}, b.defaultTimeout)
	return err
}

// Reinitialize clears host-side session state and re-runs the init
// handshake without touching the transport. Recovery engine hook for
// state recovery.
func (b *Bridge) Reinitialize(ctx context.Context) error {
	b.dropSession("state recovery")

	machine := b.handle.Machine()
	if machine.State() == device.StateDisconnected {
		return device.Errorf(device.CodeDeviceGone, "device detached")
	}
	if machine.State() != device.StateError {
		machine.Transition(device.StateError)
	}
	if err := machine.Transition(device.StateInitializing); err != nil {
		return err
	}
	info, err := b.fetchInfo(ctx, b.defaultTimeout)
	if err != nil {
		machine.Transition(device.StateError)
		return err
	}
	b.handle.SetInfo(info)
	return machine.Transition(device.StateReady)
}

// checkAttached is the light gate for maintenance operations that
// are legal in any attached state.
func (b *Bridge) checkAttached() error {
	if b.handle.Failed() {
		return device.Errorf(device.CodeHardware,
			"device failed after exhausted recovery; operator reset required")
	}
	if b.handle.Machine().State() == device.StateDisconnected {
		return device.Errorf(device.CodeDeviceGone, "device detached")
	}
	return nil
}

// begin gates an operation: the device must be Ready and not failed.
// On success the machine is atomically moved to the operating state.
func (b *Bridge) begin(to device.State) error {
	if b.handle.Failed() {
		return device.Errorf(device.CodeHardware,
			"device failed after exhausted recovery; operator reset required")
	}
	machine := b.handle.Machine()
	if machine.TransitionIf(device.StateReady, to) {
		return nil
	}
	return b.stateRejection(machine.State())
}

// beginTemplateOp gates template CRUD: rejected with Busy while a
// capture or match is mid-flight, NotReady in other non-Ready states.
func (b *Bridge) beginTemplateOp() error {
	if b.handle.Failed() {
		return device.Errorf(device.CodeHardware,
			"device failed after exhausted recovery; operator reset required")
	}
	machine := b.handle.Machine()
	if machine.TransitionIf(device.StateReady, device.StateProcessing) {
		return nil
	}
	switch state := machine.State(); state {
	case device.StateCapturing, device.StateProcessing:
		return device.Errorf(device.CodeBusy, "device mid-operation (%s)", state)
	default:
		return b.stateRejection(state)
	}
}

// end returns the machine to Ready if it is still in the operating
// state. Recovery or detach may have moved it elsewhere; that state
// wins.
func (b *Bridge) end(from device.State) {
	b.handle.Machine().TransitionIf(from, device.StateReady)
}

func (b *Bridge) stateRejection(state device.State) *device.Error {
	if state == device.StateDisconnected {
		return device.Errorf(device.CodeDeviceGone, "device detached")
	}
	return device.Errorf(device.CodeNotReady, "device %s, need ready", state)
}

func (b *Bridge) templateCapacity() uint8 {
	if capacity := b.handle.Info().TemplateCapacity; capacity > 0 {
		return capacity
	}
	return device.MaxTemplates
}

func validateSlot(slot, capacity uint8) error {
	if slot < 1 || slot > capacity {
		return device.Errorf(device.CodeInvalidParam, "slot %d out of range 1..%d", slot, capacity)
	}
	return nil
}

// recordFailure counts a device error on the handle, publishes an
// error event, and returns err unchanged for the caller.
func (b *Bridge) recordFailure(err error) error {
	code := device.CodeOf(err)
	b.handle.RecordError(code)
	b.handle.PublishEvent(device.Event{
		Type:    device.EventError,
		Code:    code,
		Message: err.Error(),
	})
	return err
}

// transientFault reports whether err should go to the recovery
// engine before surfacing.
func transientFault(err error) bool {
	switch device.CodeOf(err) {
	case device.CodeTimeout, device.CodeProtocol:
		return true
	}
	return false
}

// exchangeRecovering performs one exchange, routing transient faults
// through the recovery engine and retrying the exchange once when
// recovery reports success. The recovery engine's final result is
// authoritative: when it gives up, its error (not the original
// transport fault) is surfaced.
func (b *Bridge) exchangeRecovering(ctx context.Context, command Command, timeout time.Duration) (Response, error) {
	response, err := b.exchange(ctx, command, timeout)
	if err == nil || !transientFault(err) {
		return response, err
	}
	recoverer := b.getRecoverer()
	if recoverer == nil {
		return Response{}, err
	}

	b.logger.Warn("transient fault, invoking recovery",
		"slot", b.handle.Slot,
		"opcode", command.Opcode,
		"error", err,
	)
	if recoveryErr := recoverer.RecoverAndWait(ctx, err); recoveryErr != nil {
		return Response{}, recoveryErr
	}
	return b.exchange(ctx, command, timeout)
}

// exchange performs one serialized command/response pair on the
// wire: write the command on bulk-out, read the response on bulk-in,
// retrying each direction once after a cleared stall. Non-OK response
// statuses come back as taxonomy errors.
func (b *Bridge) exchange(ctx context.Context, command Command, timeout time.Duration) (Response, error) {
	packet, err := command.Encode()
	if err != nil {
		return Response{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	written, err := b.transferRetryingStall(ctx, transport.Out, b.bulkOut, packet, timeout)
	if err != nil {
		return Response{}, err
	}
	if written != len(packet) {
		return Response{}, device.Errorf(device.CodeProtocol,
			"partial command write: %d of %d bytes", written, len(packet))
	}

	buffer := make([]byte, transport.MaxTransferSize)
	read, err := b.transferRetryingStall(ctx, transport.In, b.bulkIn, buffer, timeout)
	if err != nil {
		return Response{}, err
	}

	response, err := DecodeResponse(buffer[:read])
	if err != nil {
		return Response{}, err
	}
	if response.Status != StatusOK {
		return response, statusError(response.Status)
	}
	return response, nil
}

// transferRetryingStall performs one bulk transfer, retrying exactly
// once after the transport reports (and clears) an endpoint stall.
func (b *Bridge) transferRetryingStall(ctx context.Context, direction transport.Direction, endpoint uint8, buffer []byte, timeout time.Duration) (int, error) {
	count, err := b.tr.Transfer(ctx, direction, endpoint, buffer, timeout)
	if errors.Is(err, transport.ErrStalled) {
		b.logger.Debug("endpoint stall cleared, retrying transfer",
			"slot", b.handle.Slot, "direction", direction, "endpoint", endpoint)
		count, err = b.tr.Transfer(ctx, direction, endpoint, buffer, timeout)
	}
	if err != nil {
		return 0, b.mapTransportError(err)
	}
	return count, nil
}

// mapTransportError translates transport sentinels into the shared
// taxonomy. DeviceGone also drives the state machine to its terminal
// state so blocked waiters are released immediately.
func (b *Bridge) mapTransportError(err error) error {
	switch {
	case errors.Is(err, transport.ErrTimeout):
		return device.WrapError(device.CodeTimeout, err, "bulk transfer timed out")
	case errors.Is(err, transport.ErrStalled):
		return device.WrapError(device.CodeProtocol, err, "endpoint stalled twice")
	case errors.Is(err, transport.ErrDeviceGone):
		b.handle.Machine().Transition(device.StateDisconnected)
		return device.WrapError(device.CodeDeviceGone, err, "device detached mid-transfer")
	default:
		return device.WrapError(device.CodeDevice, err, "bulk transfer failed")
	}
}
