// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/lib/clock"
	"github.com/openfpc/fpcd/lib/testutil"
)

// fakeDevice implements Device with scriptable failures.
type fakeDevice struct {
	handle *device.Handle

	mu                 sync.Mutex
	selfTestErr        error
	resetTransportErr  error
	resetHardwareErr   error
	reinitErr          error
	healAfterTransport int // transport resets until selfTestErr clears
	selfTests          int
	transportResets    int
	hardwareResets     int
	reinits            int
	cancelled          []string

	enrollMu     sync.Mutex
	enrollActive bool

	// blockTransportReset, when non-nil, blocks ResetTransport until
	// closed.
	blockTransportReset chan struct{}

	// recovered is closed the first time a strategy pass succeeds.
	recovered     chan struct{}
	recoveredOnce sync.Once
}

func newFakeDevice(clk clock.Clock) *fakeDevice {
	handle := device.NewHandle(0, clk)
	handle.Machine().Transition(device.StateInitializing)
	handle.Machine().Transition(device.StateReady)
	return &fakeDevice{handle: handle, recovered: make(chan struct{})}
}

func (d *fakeDevice) Handle() *device.Handle { return d.handle }

func (d *fakeDevice) SelfTest(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selfTests++
	if d.selfTestErr != nil {
		return d.selfTestErr
	}
	d.recoveredOnce.Do(func() { close(d.recovered) })
	return nil
}

func (d *fakeDevice) ResetTransport(ctx context.Context) error {
	d.mu.Lock()
	block := d.blockTransportReset
	d.mu.Unlock()
	if block != nil {
		<-block
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.transportResets++
	if d.resetTransportErr != nil {
		return d.resetTransportErr
	}
	if d.healAfterTransport > 0 && d.transportResets >= d.healAfterTransport {
		d.selfTestErr = nil
	}
	return nil
}

func (d *fakeDevice) ResetHardware(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hardwareResets++
	return d.resetHardwareErr
}

func (d *fakeDevice) Reinitialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reinits++
	if d.reinitErr != nil {
		return d.reinitErr
	}
	d.recoveredOnce.Do(func() { close(d.recovered) })
	return nil
}

func (d *fakeDevice) EnrollmentActive() bool {
	d.enrollMu.Lock()
	defer d.enrollMu.Unlock()
	return d.enrollActive
}

func (d *fakeDevice) CancelEnrollment(reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled = append(d.cancelled, reason)
	d.enrollMu.Lock()
	d.enrollActive = false
	d.enrollMu.Unlock()
}

func (d *fakeDevice) counts() (transportResets, hardwareResets, reinits int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transportResets, d.hardwareResets, d.reinits
}

// newTestEngine uses the real clock with sub-millisecond delays so
// strategy back-off does not slow the suite down. Watchdog behavior
// gets its own fake-clock test.
func newTestEngine(t *testing.T, dev *fakeDevice) *Engine {
	t.Helper()
	return New(Options{
		Device:             dev,
		HardwareResetDelay: 10 * time.Microsecond,
		CommRetryDelay:     10 * time.Microsecond,
	})
}

func timeoutErr() error {
	return device.Errorf(device.CodeTimeout, "bulk transfer timed out")
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{device.Errorf(device.CodeTimeout, "t"), KindCommunication},
		{device.Errorf(device.CodeProtocol, "p"), KindCommunication},
		{device.Errorf(device.CodeHardware, "h"), KindHardware},
		{device.Errorf(device.CodeDevice, "d"), KindHardware},
		{device.Errorf(device.CodeFirmware, "f"), KindHardware},
		{device.Errorf(device.CodeNotReady, "n"), KindState},
		{device.Errorf(device.CodeMemory, "m"), KindState},
		{device.Errorf(device.CodeNoFinger, "nf"), KindNone},
		{device.Errorf(device.CodeNoMatch, "nm"), KindNone},
		{device.Errorf(device.CodeDeviceGone, "g"), KindNone},
		{nil, KindNone},
	}
	for _, c := range cases {
		if got := Classify(c.err); got != c.want {
			t.Errorf("Classify(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestCommunicationRecoverySucceeds(t *testing.T) {
	dev := newFakeDevice(clock.Real())
	dev.selfTestErr = timeoutErr()
	dev.healAfterTransport = 2
	engine := newTestEngine(t, dev)

	if err := engine.RecoverAndWait(context.Background(), timeoutErr()); err != nil {
		t.Fatalf("RecoverAndWait: %v", err)
	}
	transportResets, hardwareResets, _ := dev.counts()
	if transportResets != 2 {
		t.Errorf("transport resets = %d, want 2", transportResets)
	}
	if hardwareResets != 0 {
		t.Errorf("hardware resets = %d, want 0 (no escalation)", hardwareResets)
	}
	if dev.handle.Failed() {
		t.Error("device marked failed after successful recovery")
	}
}

func TestCommunicationEscalatesToHardwareReset(t *testing.T) {
	dev := newFakeDevice(clock.Real())
	dev.selfTestErr = timeoutErr() // comm passes never verify
	engine := newTestEngine(t, dev)

	if err := engine.RecoverAndWait(context.Background(), timeoutErr()); err != nil {
		t.Fatalf("RecoverAndWait: %v", err)
	}
	transportResets, hardwareResets, reinits := dev.counts()
	if transportResets != DefaultMaxAttempts {
		t.Errorf("transport resets = %d, want %d", transportResets, DefaultMaxAttempts)
	}
	if hardwareResets != 1 {
		t.Errorf("hardware resets = %d, want 1", hardwareResets)
	}
	if reinits != 1 {
		t.Errorf("reinits = %d, want 1", reinits)
	}
}

func TestExhaustionMarksDeviceFailed(t *testing.T) {
	dev := newFakeDevice(clock.Real())
	dev.selfTestErr = timeoutErr()
	dev.reinitErr = timeoutErr()
	engine := newTestEngine(t, dev)

	err := engine.RecoverAndWait(context.Background(), timeoutErr())
	if !device.HasCode(err, device.CodeHardware) {
		t.Fatalf("RecoverAndWait = %v, want %s", err, device.CodeHardware)
	}
	if !dev.handle.Failed() {
		t.Error("device not marked failed after exhaustion")
	}
	if state := dev.handle.State(); state != device.StateError {
		t.Errorf("state = %v, want %v", state, device.StateError)
	}

	// A failed device rejects further recovery immediately.
	err = engine.RecoverAndWait(context.Background(), timeoutErr())
	if !device.HasCode(err, device.CodeHardware) {
		t.Fatalf("RecoverAndWait on failed device = %v, want %s", err, device.CodeHardware)
	}
	if _, hardwareResets, _ := dev.counts(); hardwareResets != DefaultMaxAttempts {
		t.Errorf("hardware resets = %d, want %d (no new run)", hardwareResets, DefaultMaxAttempts)
	}
}

func TestStateRecoveryReinitializesOnly(t *testing.T) {
	dev := newFakeDevice(clock.Real())
	engine := newTestEngine(t, dev)

	err := engine.RecoverAndWait(context.Background(), device.Errorf(device.CodeNotReady, "desync"))
	if err != nil {
		t.Fatalf("RecoverAndWait: %v", err)
	}
	transportResets, hardwareResets, reinits := dev.counts()
	if reinits != 1 {
		t.Errorf("reinits = %d, want 1", reinits)
	}
	if transportResets != 0 || hardwareResets != 0 {
		t.Errorf("resets = %d/%d, want 0/0 for state recovery", transportResets, hardwareResets)
	}
}

func TestHardwareFaultCancelsEnrollment(t *testing.T) {
	dev := newFakeDevice(clock.Real())
	dev.enrollActive = true
	engine := newTestEngine(t, dev)

	if err := engine.RecoverAndWait(context.Background(), device.Errorf(device.CodeHardware, "sensor fault")); err != nil {
		t.Fatalf("RecoverAndWait: %v", err)
	}
	dev.mu.Lock()
	cancelled := len(dev.cancelled)
	dev.mu.Unlock()
	if cancelled != 1 {
		t.Errorf("enrollment cancellations = %d, want 1", cancelled)
	}
}

func TestRecoveryDeferredDuringEnrollment(t *testing.T) {
	dev := newFakeDevice(clock.Real())
	dev.enrollActive = true
	engine := newTestEngine(t, dev)

	// The original fault comes straight back; no strategy runs while
	// the enrollment is active.
	original := timeoutErr()
	if err := engine.RecoverAndWait(context.Background(), original); !device.HasCode(err, device.CodeTimeout) {
		t.Fatalf("deferred RecoverAndWait = %v, want the original timeout", err)
	}
	transportResets, hardwareResets, reinits := dev.counts()
	if transportResets+hardwareResets+reinits != 0 {
		t.Fatal("recovery ran during enrollment")
	}

	dev.enrollMu.Lock()
	dev.enrollActive = false
	dev.enrollMu.Unlock()
	engine.ResumeDeferred()

	testutil.RequireClosed(t, dev.recovered, time.Second, "deferred recovery never ran")
}

func TestConcurrentTriggersJoinOneRun(t *testing.T) {
	dev := newFakeDevice(clock.Real())
	block := make(chan struct{})
	dev.blockTransportReset = block
	engine := newTestEngine(t, dev)

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- engine.RecoverAndWait(context.Background(), timeoutErr())
		}()
	}

	// Let both callers queue before releasing the strategy.
	time.Sleep(10 * time.Millisecond)
	dev.mu.Lock()
	dev.blockTransportReset = nil
	dev.mu.Unlock()
	close(block)

	for i := 0; i < 2; i++ {
		if err := testutil.RequireReceive(t, results, time.Second, "recovery result"); err != nil {
			t.Errorf("RecoverAndWait: %v", err)
		}
	}
	if transportResets, _, _ := dev.counts(); transportResets != 1 {
		t.Errorf("transport resets = %d, want 1 (joined run)", transportResets)
	}
}

func TestAbortReleasesWaiters(t *testing.T) {
	dev := newFakeDevice(clock.Real())
	block := make(chan struct{})
	defer close(block)
	dev.blockTransportReset = block
	engine := newTestEngine(t, dev)

	result := make(chan error, 1)
	go func() {
		result <- engine.RecoverAndWait(context.Background(), timeoutErr())
	}()

	time.Sleep(10 * time.Millisecond)
	engine.Abort()

	err := testutil.RequireReceive(t, result, time.Second, "recovery result")
	if !device.HasCode(err, device.CodeDeviceGone) {
		t.Fatalf("aborted RecoverAndWait = %v, want %s", err, device.CodeDeviceGone)
	}
}

func TestWatchdogCountsOneFailedAttempt(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	dev := newFakeDevice(fakeClock)
	block := make(chan struct{})
	dev.blockTransportReset = block
	engine := New(Options{Device: dev, Clock: fakeClock})

	result := make(chan error, 1)
	go func() {
		result <- engine.RecoverAndWait(context.Background(), timeoutErr())
	}()

	// Two pending waiters: the first back-off sleep and the watchdog.
	// Advancing past the watchdog abandons the run while the strategy
	// goroutine is still stuck inside ResetTransport.
	fakeClock.WaitForTimers(2)
	fakeClock.Advance(DefaultWatchdog)

	err := testutil.RequireReceive(t, result, time.Second, "recovery result")
	if !device.HasCode(err, device.CodeTimeout) {
		t.Fatalf("watchdog result = %v, want %s", err, device.CodeTimeout)
	}
	if dev.handle.Failed() {
		t.Fatal("device marked failed after a single watchdog expiry")
	}

	// Release the abandoned goroutine and let it drain: its pass
	// succeeds (SelfTest closes recovered) but the result belongs to
	// the closed run and is discarded.
	dev.mu.Lock()
	dev.blockTransportReset = nil
	dev.mu.Unlock()
	close(block)
	testutil.RequireClosed(t, dev.recovered, time.Second, "abandoned strategy pass never drained")

	// A fresh trigger runs the full ladder: three failing
	// communication passes, then a hardware reset that succeeds.
	dev.mu.Lock()
	dev.selfTestErr = timeoutErr()
	dev.mu.Unlock()

	go func() {
		result <- engine.RecoverAndWait(context.Background(), timeoutErr())
	}()
	for _, step := range []time.Duration{
		1 * DefaultCommRetryDelay,
		2 * DefaultCommRetryDelay,
		3 * DefaultCommRetryDelay,
		1 * DefaultHardwareResetDelay,
	} {
		fakeClock.WaitForTimers(2)
		fakeClock.Advance(step)
	}
	if err := testutil.RequireReceive(t, result, time.Second, "second recovery result"); err != nil {
		t.Fatalf("RecoverAndWait after watchdog: %v", err)
	}
	if _, hardwareResets, _ := dev.counts(); hardwareResets != 1 {
		t.Errorf("hardware resets = %d, want 1 (escalation after watchdog)", hardwareResets)
	}
	if dev.handle.Failed() {
		t.Error("device failed after successful escalation")
	}
}

func TestWatchdogExhaustionGoesTerminal(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	dev := newFakeDevice(fakeClock)
	block := make(chan struct{})
	defer close(block)
	dev.blockTransportReset = block
	engine := New(Options{Device: dev, Clock: fakeClock, MaxAttempts: 1})

	result := make(chan error, 1)
	go func() {
		result <- engine.RecoverAndWait(context.Background(), timeoutErr())
	}()

	fakeClock.WaitForTimers(2)
	fakeClock.Advance(DefaultWatchdog)

	err := testutil.RequireReceive(t, result, time.Second, "recovery result")
	if !device.HasCode(err, device.CodeHardware) {
		t.Fatalf("watchdog result = %v, want %s", err, device.CodeHardware)
	}
	if !dev.handle.Failed() {
		t.Error("device not marked failed after watchdog exhaustion")
	}
	if state := dev.handle.State(); state != device.StateError {
		t.Errorf("state = %v, want %v", state, device.StateError)
	}
}
