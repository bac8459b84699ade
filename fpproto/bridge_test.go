// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package fpproto_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/fpproto"
	"github.com/openfpc/fpcd/lib/clock"
	"github.com/openfpc/fpcd/recovery"
	"github.com/openfpc/fpcd/transport"
	"github.com/openfpc/fpcd/transport/sim"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestBridge builds an initialized bridge over a simulated sensor
// with a recovery engine wired in.
func newTestBridge(t *testing.T, options ...sim.Option) (*fpproto.Bridge, *sim.Sensor) {
	t.Helper()
	sensor := sim.New(options...)
	handle := device.NewHandle(0, clock.Real())
	bridge := fpproto.New(fpproto.Options{
		Transport: sensor,
		Handle:    handle,
		Logger:    discardLogger(),
	})
	bridge.SetRecoverer(recovery.New(recovery.Options{
		Device:             bridge,
		Logger:             discardLogger(),
		HardwareResetDelay: 10 * time.Microsecond,
		CommRetryDelay:     10 * time.Microsecond,
	}))
	if err := bridge.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return bridge, sensor
}

func TestInitializeReportsDescriptor(t *testing.T) {
	bridge, _ := newTestBridge(t)
	handle := bridge.Handle()

	if state := handle.State(); state != device.StateReady {
		t.Fatalf("state after init = %v, want %v", state, device.StateReady)
	}
	info := handle.Info()
	if info.FirmwareVersion != sim.DefaultFirmwareVersion {
		t.Errorf("firmware = %q, want %q", info.FirmwareVersion, sim.DefaultFirmwareVersion)
	}
	if info.ImageWidth != 192 || info.ImageHeight != 192 {
		t.Errorf("imager = %dx%d, want 192x192", info.ImageWidth, info.ImageHeight)
	}
	if !info.Capabilities.Has(device.CapCapture | device.CapVerify) {
		t.Errorf("capabilities = %#x, missing capture/verify", info.Capabilities)
	}
}

func TestCaptureImage(t *testing.T) {
	bridge, sensor := newTestBridge(t)
	sensor.PressUnknownFinger(80)

	image, err := bridge.CaptureImage(context.Background(), 0)
	if err != nil {
		t.Fatalf("CaptureImage: %v", err)
	}
	if image.Width != 192 || image.Height != 192 {
		t.Errorf("image = %dx%d, want 192x192", image.Width, image.Height)
	}
	if image.Format != device.ImageFormatGray8 {
		t.Errorf("format = %v, want Gray8", image.Format)
	}
	if len(image.Data) != 192*192 {
		t.Errorf("data = %d bytes, want %d", len(image.Data), 192*192)
	}
	if got := bridge.Handle().Stats().Captures; got != 1 {
		t.Errorf("capture count = %d, want 1", got)
	}
	if state := bridge.Handle().State(); state != device.StateReady {
		t.Errorf("state after capture = %v, want %v", state, device.StateReady)
	}
}

func TestCaptureNoFingerIsOperational(t *testing.T) {
	bridge, _ := newTestBridge(t)

	_, err := bridge.CaptureImage(context.Background(), 0)
	if !device.HasCode(err, device.CodeNoFinger) {
		t.Fatalf("CaptureImage = %v, want %s", err, device.CodeNoFinger)
	}
	if state := bridge.Handle().State(); state != device.StateReady {
		t.Errorf("state after no-finger = %v, want %v", state, device.StateReady)
	}
	if got := bridge.Handle().Stats().Errors; got != 0 {
		t.Errorf("error count = %d, want 0 for an operational outcome", got)
	}
}

func TestEnrollFlow(t *testing.T) {
	bridge, sensor := newTestBridge(t)
	ctx := context.Background()

	if err := bridge.EnrollStart(ctx, 1, "right-index", 0); err != nil {
		t.Fatalf("EnrollStart: %v", err)
	}

	// Second start while a session is active.
	if err := bridge.EnrollStart(ctx, 2, "other", 0); !device.HasCode(err, device.CodeBusy) {
		t.Fatalf("concurrent EnrollStart = %v, want %s", err, device.CodeBusy)
	}

	// Completing early is rejected without destroying the session.
	if _, err := bridge.EnrollComplete(ctx); !device.HasCode(err, device.CodeInvalidParam) {
		t.Fatalf("early EnrollComplete = %v, want %s", err, device.CodeInvalidParam)
	}

	// No finger yet: the stage does not advance.
	if _, err := bridge.EnrollContinue(ctx); !device.HasCode(err, device.CodeNoFinger) {
		t.Fatalf("EnrollContinue without finger = %v, want %s", err, device.CodeNoFinger)
	}

	sensor.PressUnknownFinger(85)
	for stage := 1; stage <= fpproto.EnrollStageCount; stage++ {
		progress, err := bridge.EnrollContinue(ctx)
		if err != nil {
			t.Fatalf("EnrollContinue stage %d: %v", stage, err)
		}
		if int(progress.Stage) != stage || int(progress.StageCount) != fpproto.EnrollStageCount {
			t.Fatalf("progress = %d/%d, want %d/%d", progress.Stage, progress.StageCount, stage, fpproto.EnrollStageCount)
		}
	}

	template, err := bridge.EnrollComplete(ctx)
	if err != nil {
		t.Fatalf("EnrollComplete: %v", err)
	}
	if template.Slot != 1 || template.Name != "right-index" {
		t.Errorf("template = slot %d name %q", template.Slot, template.Name)
	}
	if state := bridge.Handle().State(); state != device.StateReady {
		t.Errorf("state after enrollment = %v, want %v", state, device.StateReady)
	}

	slots, err := bridge.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("ListTemplates: %v", err)
	}
	if len(slots) != 1 || slots[0] != 1 {
		t.Errorf("slots = %v, want [1]", slots)
	}
}

func TestEnrollOccupiedSlot(t *testing.T) {
	bridge, _ := newTestBridge(t, sim.WithTemplates([]device.Template{
		{Slot: 1, Name: "existing", Data: []byte{1, 2, 3}},
	}))

	err := bridge.EnrollStart(context.Background(), 1, "duplicate", 0)
	if !device.HasCode(err, device.CodeTemplateExists) {
		t.Fatalf("EnrollStart occupied = %v, want %s", err, device.CodeTemplateExists)
	}
	if state := bridge.Handle().State(); state != device.StateReady {
		t.Errorf("state = %v, want %v", state, device.StateReady)
	}
}

func TestEnrollCancel(t *testing.T) {
	bridge, sensor := newTestBridge(t)
	ctx := context.Background()
	sensor.PressUnknownFinger(85)

	if err := bridge.EnrollStart(ctx, 1, "cancelled", 0); err != nil {
		t.Fatalf("EnrollStart: %v", err)
	}
	if _, err := bridge.EnrollContinue(ctx); err != nil {
		t.Fatalf("EnrollContinue: %v", err)
	}
	if err := bridge.EnrollCancel(ctx); err != nil {
		t.Fatalf("EnrollCancel: %v", err)
	}
	// Cancel is idempotent.
	if err := bridge.EnrollCancel(ctx); err != nil {
		t.Fatalf("second EnrollCancel: %v", err)
	}
	if _, err := bridge.EnrollContinue(ctx); !device.HasCode(err, device.CodeInvalidParam) {
		t.Fatalf("EnrollContinue after cancel = %v, want %s", err, device.CodeInvalidParam)
	}
	if state := bridge.Handle().State(); state != device.StateReady {
		t.Errorf("state after cancel = %v, want %v", state, device.StateReady)
	}

	// The slot is free again.
	if err := bridge.EnrollStart(ctx, 1, "retry", 0); err != nil {
		t.Fatalf("EnrollStart after cancel: %v", err)
	}
}

func TestVerify(t *testing.T) {
	bridge, sensor := newTestBridge(t, sim.WithTemplates([]device.Template{
		{Slot: 2, Name: "right-thumb", Data: []byte{9, 9, 9}},
	}))
	ctx := context.Background()

	sensor.PressMatchingFinger(2, 80, 95)
	result, err := bridge.Verify(ctx, 2, 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if result.Slot != 2 || result.Confidence != 95 {
		t.Errorf("result = %+v, want slot 2 confidence 95", result)
	}

	sensor.PressUnknownFinger(80)
	if _, err := bridge.Verify(ctx, 2, 0); !device.HasCode(err, device.CodeNoMatch) {
		t.Fatalf("Verify unknown finger = %v, want %s", err, device.CodeNoMatch)
	}
	if state := bridge.Handle().State(); state != device.StateReady {
		t.Errorf("state after no-match = %v, want %v", state, device.StateReady)
	}

	stats := bridge.Handle().Stats()
	if stats.SuccessfulMatches != 1 || stats.FailedMatches != 1 {
		t.Errorf("matches = %d/%d, want 1 successful and 1 failed",
			stats.SuccessfulMatches, stats.FailedMatches)
	}

	// Verifying an empty slot is a parameter error, not a no-match.
	if _, err := bridge.Verify(ctx, 5, 0); !device.HasCode(err, device.CodeInvalidParam) {
		t.Fatalf("Verify empty slot = %v, want %s", err, device.CodeInvalidParam)
	}
}

func TestIdentify(t *testing.T) {
	bridge, sensor := newTestBridge(t, sim.WithTemplates([]device.Template{
		{Slot: 1, Name: "a", Data: []byte{1}},
		{Slot: 4, Name: "b", Data: []byte{2}},
	}))
	ctx := context.Background()

	sensor.PressMatchingFinger(4, 80, 88)
	result, err := bridge.Identify(ctx, 0)
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if result.Slot != 4 || result.Confidence != 88 {
		t.Errorf("result = %+v, want slot 4 confidence 88", result)
	}

	sensor.PressUnknownFinger(80)
	if _, err := bridge.Identify(ctx, 0); !device.HasCode(err, device.CodeNoMatch) {
		t.Fatalf("Identify unknown finger = %v, want %s", err, device.CodeNoMatch)
	}
}

func TestTemplateCRUD(t *testing.T) {
	bridge, _ := newTestBridge(t)
	ctx := context.Background()

	template := device.Template{
		Slot:    3,
		Type:    device.TemplateProprietary,
		Quality: 70,
		Name:    "imported",
		Data:    bytes.Repeat([]byte{0xC3}, 512),
	}
	if err := bridge.StoreTemplate(ctx, template); err != nil {
		t.Fatalf("StoreTemplate: %v", err)
	}

	if err := bridge.StoreTemplate(ctx, template); !device.HasCode(err, device.CodeTemplateExists) {
		t.Fatalf("duplicate StoreTemplate = %v, want %s", err, device.CodeTemplateExists)
	}

	loaded, err := bridge.LoadTemplate(ctx, 3)
	if err != nil {
		t.Fatalf("LoadTemplate: %v", err)
	}
	if !bytes.Equal(loaded.Data, template.Data) || loaded.Name != template.Name {
		t.Error("loaded template differs from stored template")
	}

	if _, err := bridge.LoadTemplate(ctx, 9); !device.HasCode(err, device.CodeInvalidParam) {
		t.Fatalf("LoadTemplate empty slot = %v, want %s", err, device.CodeInvalidParam)
	}

	if err := bridge.DeleteTemplate(ctx, 3); err != nil {
		t.Fatalf("DeleteTemplate: %v", err)
	}
	// Deleting an empty slot is a no-op.
	if err := bridge.DeleteTemplate(ctx, 3); err != nil {
		t.Fatalf("second DeleteTemplate: %v", err)
	}

	slots, err := bridge.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("ListTemplates: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("slots = %v, want empty", slots)
	}

	if err := bridge.StoreTemplate(ctx, device.Template{Slot: 0}); !device.HasCode(err, device.CodeInvalidParam) {
		t.Fatalf("StoreTemplate slot 0 = %v, want %s", err, device.CodeInvalidParam)
	}
}

func TestClearTemplates(t *testing.T) {
	bridge, _ := newTestBridge(t, sim.WithTemplates([]device.Template{
		{Slot: 1, Data: []byte{1}},
		{Slot: 2, Data: []byte{2}},
	}))
	ctx := context.Background()

	if err := bridge.ClearTemplates(ctx); err != nil {
		t.Fatalf("ClearTemplates: %v", err)
	}
	slots, err := bridge.ListTemplates(ctx)
	if err != nil {
		t.Fatalf("ListTemplates: %v", err)
	}
	if len(slots) != 0 {
		t.Errorf("slots = %v, want empty after clear", slots)
	}
}

func TestStallIsRetriedTransparently(t *testing.T) {
	bridge, sensor := newTestBridge(t)
	sensor.PressUnknownFinger(80)
	sensor.InjectStall()

	if _, err := bridge.CaptureImage(context.Background(), 0); err != nil {
		t.Fatalf("CaptureImage after stall: %v", err)
	}
}

func TestRecoveryEscalatesToHardwareReset(t *testing.T) {
	bridge, sensor := newTestBridge(t)
	sensor.PressUnknownFinger(80)
	sensor.FailUntilHardwareReset(transport.ErrTimeout)

	image, err := bridge.CaptureImage(context.Background(), 0)
	if err != nil {
		t.Fatalf("CaptureImage through recovery: %v", err)
	}
	if len(image.Data) != 192*192 {
		t.Errorf("image = %d bytes, want %d", len(image.Data), 192*192)
	}
	if got := sensor.HardwareResets(); got != 1 {
		t.Errorf("hardware resets = %d, want 1", got)
	}
	if sensor.InterfaceResets() == 0 {
		t.Error("communication recovery never tried an interface reset")
	}
	if bridge.Handle().Failed() {
		t.Error("device marked failed after successful recovery")
	}
}

func TestRecoveryExhaustionFailsDeviceUntilReset(t *testing.T) {
	bridge, sensor := newTestBridge(t)
	sensor.PressUnknownFinger(80)
	sensor.FailForever(transport.ErrTimeout)
	ctx := context.Background()

	if _, err := bridge.CaptureImage(ctx, 0); !device.HasCode(err, device.CodeHardware) {
		t.Fatalf("CaptureImage = %v, want %s", err, device.CodeHardware)
	}
	if !bridge.Handle().Failed() {
		t.Fatal("device not marked failed after exhausted recovery")
	}
	if state := bridge.Handle().State(); state != device.StateError {
		t.Errorf("state = %v, want %v", state, device.StateError)
	}

	// Every operation is rejected until the operator resets.
	if _, err := bridge.CaptureImage(ctx, 0); !device.HasCode(err, device.CodeHardware) {
		t.Fatalf("CaptureImage on failed device = %v, want %s", err, device.CodeHardware)
	}
	if _, err := bridge.ListTemplates(ctx); !device.HasCode(err, device.CodeHardware) {
		t.Fatalf("ListTemplates on failed device = %v, want %s", err, device.CodeHardware)
	}

	sensor.ClearFaults()
	if err := bridge.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if state := bridge.Handle().State(); state != device.StateReady {
		t.Fatalf("state after reset = %v, want %v", state, device.StateReady)
	}
	if _, err := bridge.CaptureImage(ctx, 0); err != nil {
		t.Fatalf("CaptureImage after reset: %v", err)
	}
}

func TestPowerSuspendResume(t *testing.T) {
	bridge, _ := newTestBridge(t)
	ctx := context.Background()

	if err := bridge.SetPowerMode(ctx, fpproto.PowerParams{Mode: device.PowerSleep}); err != nil {
		t.Fatalf("SetPowerMode(sleep): %v", err)
	}
	if state := bridge.Handle().State(); state != device.StateSuspended {
		t.Fatalf("state = %v, want %v", state, device.StateSuspended)
	}

	if _, err := bridge.CaptureImage(ctx, 0); !device.HasCode(err, device.CodeNotReady) {
		t.Fatalf("CaptureImage while suspended = %v, want %s", err, device.CodeNotReady)
	}

	params, err := bridge.GetPowerMode(ctx)
	if err != nil {
		t.Fatalf("GetPowerMode: %v", err)
	}
	if params.Mode != device.PowerSleep {
		t.Errorf("mode = %v, want %v", params.Mode, device.PowerSleep)
	}

	if err := bridge.SetPowerMode(ctx, fpproto.PowerParams{Mode: device.PowerActive}); err != nil {
		t.Fatalf("SetPowerMode(active): %v", err)
	}
	if state := bridge.Handle().State(); state != device.StateReady {
		t.Fatalf("state after wake = %v, want %v", state, device.StateReady)
	}
}

func TestCalibrate(t *testing.T) {
	bridge, _ := newTestBridge(t)
	ctx := context.Background()

	if err := bridge.Calibrate(ctx, fpproto.CalibrationParams{Mode: device.CalibrateAuto, Sensitivity: 5}); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	if err := bridge.Calibrate(ctx, fpproto.CalibrationParams{Mode: 9}); !device.HasCode(err, device.CodeInvalidParam) {
		t.Fatalf("Calibrate bad mode = %v, want %s", err, device.CodeInvalidParam)
	}
}

func TestDetachSurfacesDeviceGone(t *testing.T) {
	bridge, sensor := newTestBridge(t)
	sensor.Detach()

	_, err := bridge.GetDeviceInfo(context.Background())
	if !device.HasCode(err, device.CodeDeviceGone) {
		t.Fatalf("GetDeviceInfo after detach = %v, want %s", err, device.CodeDeviceGone)
	}
	if state := bridge.Handle().State(); state != device.StateDisconnected {
		t.Errorf("state = %v, want %v", state, device.StateDisconnected)
	}
}
