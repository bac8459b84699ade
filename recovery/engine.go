// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package recovery implements bounded, escalating error recovery for
// attached sensors. Transient faults route here from the protocol
// bridge; the engine picks a strategy by fault class, runs it with a
// watchdog, and either restores the device or drives it to the
// terminal failed state that only an operator reset clears.
package recovery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/lib/clock"
)

// Kind classifies a fault into the strategy that addresses it.
type Kind int

const (
	// KindNone: not recoverable (operational outcomes, detach,
	// caller errors). The engine declines these.
	KindNone Kind = iota

	// KindCommunication: transfer timeouts and protocol framing
	// errors. Interface reset plus soft reset, escalating to a
	// hardware reset when that fails.
	KindCommunication

	// KindHardware: the sensor itself misbehaved. Port reset and full
	// reinitialization, cancelling any enrollment first.
	KindHardware

	// KindState: host and sensor disagree about session state.
	// Reinitialize without touching the transport.
	KindState
)

// String returns the kind name used in logs.
func (k Kind) String() string {
	switch k {
	case KindCommunication:
		return "communication"
	case KindHardware:
		return "hardware"
	case KindState:
		return "state"
	}
	return "none"
}

// Classify maps a taxonomy error to the recovery kind that addresses
// it.
func Classify(err error) Kind {
	switch device.CodeOf(err) {
	case device.CodeTimeout, device.CodeProtocol:
		return KindCommunication
	case device.CodeHardware, device.CodeDevice, device.CodeFirmware:
		return KindHardware
	case device.CodeNotReady, device.CodeMemory:
		return KindState
	}
	return KindNone
}

// Outcome is the immediate answer to a recovery trigger.
type Outcome int

const (
	// Accepted: a run is in flight (newly started, joined, or
	// deferred until the active enrollment ends).
	Accepted Outcome = iota

	// Busy: an equivalent run was already in flight; the trigger
	// joined it.
	Busy

	// AttemptsExhausted: the device is terminally failed; no run
	// starts.
	AttemptsExhausted
)

// Device is the surface the engine drives. Implemented by the
// protocol bridge.
type Device interface {
	Handle() *device.Handle
	SelfTest(ctx context.Context) error
	ResetHardware(ctx context.Context) error
	ResetTransport(ctx context.Context) error
	Reinitialize(ctx context.Context) error
	EnrollmentActive() bool
	CancelEnrollment(reason string)
}

// Default tuning. Delays scale linearly with the attempt number so
// repeated passes back off.
const (
	DefaultMaxAttempts        = 3
	DefaultWatchdog           = 5 * time.Second
	DefaultHardwareResetDelay = 100 * time.Millisecond
	DefaultCommRetryDelay     = 50 * time.Millisecond
)

// Options configures an Engine.
type Options struct {
	Device Device
	Logger *slog.Logger
	Clock  clock.Clock

	// MaxAttempts bounds the passes of each strategy. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int

	// Watchdog bounds one whole recovery run. A run that outlives it
	// is abandoned and counted as one failed attempt. Zero means
	// DefaultWatchdog.
	Watchdog time.Duration

	// HardwareResetDelay is the base settle time after a port reset.
	// Zero means DefaultHardwareResetDelay.
	HardwareResetDelay time.Duration

	// CommRetryDelay is the base back-off before a communication
	// recovery pass. Zero means DefaultCommRetryDelay.
	CommRetryDelay time.Duration
}

// Engine runs at most one recovery at a time per device. Concurrent
// triggers join the in-flight run; triggers during an enrollment are
// deferred unless the fault is fatal to the enrollment anyway.
type Engine struct {
	device             Device
	logger             *slog.Logger
	clk                clock.Clock
	maxAttempts        int
	watchdog           time.Duration
	hardwareResetDelay time.Duration
	commRetryDelay     time.Duration

	mu            sync.Mutex
	running       bool
	generation    uint64 // increments per run; stale goroutines check it
	deferred      Kind
	failures      int // consecutive failed recovery runs
	waiters       []chan<- error
	watchdogTimer *clock.Timer
}

// New creates an Engine for one device.
func New(options Options) *Engine {
	engine := &Engine{
		device:             options.Device,
		logger:             options.Logger,
		clk:                options.Clock,
		maxAttempts:        options.MaxAttempts,
		watchdog:           options.Watchdog,
		hardwareResetDelay: options.HardwareResetDelay,
		commRetryDelay:     options.CommRetryDelay,
	}
	if engine.logger == nil {
		engine.logger = slog.Default()
	}
	if engine.clk == nil {
		engine.clk = clock.Real()
	}
	if engine.maxAttempts == 0 {
		engine.maxAttempts = DefaultMaxAttempts
	}
	if engine.watchdog == 0 {
		engine.watchdog = DefaultWatchdog
	}
	if engine.hardwareResetDelay == 0 {
		engine.hardwareResetDelay = DefaultHardwareResetDelay
	}
	if engine.commRetryDelay == 0 {
		engine.commRetryDelay = DefaultCommRetryDelay
	}
	return engine
}

// RecoverAndWait classifies err, triggers recovery, and blocks until
// the run completes or ctx expires. Returns nil when the device is
// healthy again. Unrecoverable errors come straight back.
func (e *Engine) RecoverAndWait(ctx context.Context, err error) error {
	kind := Classify(err)
	if kind == KindNone {
		return err
	}
	done := make(chan error, 1)
	outcome, deferred := e.trigger(kind, done)
	if outcome == AttemptsExhausted {
		return terminalError()
	}
	if deferred {
		// Recovery is postponed until the enrollment session ends;
		// the original fault stands. Waiting here would deadlock when
		// the caller is the enrollment operation itself.
		return err
	}
	select {
	case result := <-done:
		return result
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger starts recovery of the given kind without waiting.
func (e *Engine) Trigger(kind Kind) Outcome {
	if kind == KindNone {
		return Accepted
	}
	outcome, _ := e.trigger(kind, nil)
	return outcome
}

func (e *Engine) trigger(kind Kind, done chan<- error) (Outcome, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.device.Handle().Failed() {
		return AttemptsExhausted, false
	}
	if e.running {
		if done != nil {
			e.waiters = append(e.waiters, done)
		}
		return Busy, false
	}
	// Non-fatal recovery waits for an active enrollment to end
	// rather than yanking the sensor out from under it. A hardware
	// fault kills the enrollment regardless.
	if kind != KindHardware && e.device.EnrollmentActive() {
		if kind > e.deferred {
			e.deferred = kind
		}
		e.logger.Info("recovery deferred during enrollment",
			"slot", e.device.Handle().Slot, "kind", kind)
		return Accepted, true
	}
	e.startLocked(kind, done)
	return Accepted, false
}

// ResumeDeferred starts any recovery that was postponed while an
// enrollment was active. The bridge calls it at session end.
func (e *Engine) ResumeDeferred() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deferred == KindNone || e.running || e.device.Handle().Failed() {
		return
	}
	kind := e.deferred
	e.deferred = KindNone
	e.startLocked(kind, nil)
}

// Abort releases any blocked waiters with a detach error and drops
// deferred work. Wired as a registry detach hook.
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deferred = KindNone
	if !e.running {
		return
	}
	e.finishLocked(device.Errorf(device.CodeDeviceGone, "device detached during recovery"))
}

// startLocked begins a run. Caller holds mu.
func (e *Engine) startLocked(kind Kind, done chan<- error) {
	e.running = true
	e.generation++
	generation := e.generation
	if done != nil {
		e.waiters = append(e.waiters, done)
	}
	e.watchdogTimer = e.clk.AfterFunc(e.watchdog, func() { e.watchdogExpired(kind, generation) })
	go e.run(kind, generation)
}

// finishLocked releases waiters and closes out the run. Caller holds
// mu.
func (e *Engine) finishLocked(err error) {
	e.running = false
	if e.watchdogTimer != nil {
		e.watchdogTimer.Stop()
		e.watchdogTimer = nil
	}
	for _, waiter := range e.waiters {
		waiter <- err
	}
	e.waiters = nil
}

// watchdogExpired abandons a hung run, counting it as one failed
// attempt. The strategy goroutine may still be blocked on the
// transport; its eventual result is discarded. Terminal failure is
// reserved for attempt exhaustion, so a later trigger can still
// escalate to a hardware reset.
func (e *Engine) watchdogExpired(kind Kind, generation uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || generation != e.generation {
		return
	}
	e.failures++
	e.logger.Error("recovery watchdog expired",
		"slot", e.device.Handle().Slot, "kind", kind,
		"watchdog", e.watchdog, "failures", e.failures)
	if e.failures >= e.maxAttempts {
		e.markFailedLocked()
		e.finishLocked(terminalError())
		return
	}
	e.finishLocked(device.Errorf(device.CodeTimeout,
		"recovery watchdog expired after %s", e.watchdog))
}

func (e *Engine) markFailedLocked() {
	handle := e.device.Handle()
	handle.MarkFailed()
	handle.Machine().Transition(device.StateError)
}

func terminalError() *device.Error {
	return device.Errorf(device.CodeHardware,
		"recovery exhausted; device failed, operator reset required")
}

// run executes the strategy chain for one fault kind.
func (e *Engine) run(kind Kind, generation uint64) {
	ctx := context.Background()
	handle := e.device.Handle()
	logger := e.logger.With("slot", handle.Slot, "kind", kind)
	logger.Warn("recovery started")

	var err error
	terminal := false
	switch kind {
	case KindCommunication:
		err = e.communicationRecovery(ctx, logger)
		if err != nil {
			logger.Warn("communication recovery failed, escalating to hardware reset", "error", err)
			e.device.CancelEnrollment("hardware recovery")
			err = e.hardwareRecovery(ctx, logger)
			// The strongest strategy failed; there is nothing left to
			// escalate to.
			terminal = err != nil
		}
	case KindHardware:
		e.device.CancelEnrollment("hardware recovery")
		err = e.hardwareRecovery(ctx, logger)
		terminal = err != nil
	case KindState:
		err = e.stateRecovery(ctx, logger)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running || generation != e.generation {
		// Watchdog or detach already closed this run.
		return
	}
	if err == nil {
		e.failures = 0
		logger.Info("recovery succeeded")
		e.finishLocked(nil)
		return
	}
	e.failures++
	if terminal || e.failures >= e.maxAttempts {
		logger.Error("recovery exhausted, device failed", "error", err, "failures", e.failures)
		e.markFailedLocked()
		e.finishLocked(terminalError())
		return
	}
	logger.Warn("recovery failed", "error", err, "failures", e.failures)
	e.finishLocked(err)
}

// communicationRecovery re-binds the transport interface and soft
// resets the sensor, verifying with a self-test, backing off between
// passes.
func (e *Engine) communicationRecovery(ctx context.Context, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		e.clk.Sleep(time.Duration(attempt) * e.commRetryDelay)
		logger.Debug("communication recovery pass", "attempt", attempt)
		if err = e.device.ResetTransport(ctx); err != nil {
			continue
		}
		if err = e.device.SelfTest(ctx); err != nil {
			continue
		}
		return nil
	}
	return err
}

// hardwareRecovery power-cycles the sensor with a port reset, waits
// for it to settle, and reinitializes from scratch.
func (e *Engine) hardwareRecovery(ctx context.Context, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		logger.Debug("hardware recovery pass", "attempt", attempt)
		if err = e.device.ResetHardware(ctx); err != nil {
			continue
		}
		e.clk.Sleep(time.Duration(attempt) * e.hardwareResetDelay)
		if err = e.device.Reinitialize(ctx); err != nil {
			continue
		}
		return nil
	}
	return err
}

// stateRecovery rebuilds host-side session state against the live
// sensor without touching the transport.
func (e *Engine) stateRecovery(ctx context.Context, logger *slog.Logger) error {
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		logger.Debug("state recovery pass", "attempt", attempt)
		if err = e.device.Reinitialize(ctx); err == nil {
			return nil
		}
		e.clk.Sleep(time.Duration(attempt) * e.commRetryDelay)
	}
	return err
}
