// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"testing"
	"time"

	"github.com/openfpc/fpcd/lib/clock"
	"github.com/openfpc/fpcd/lib/testutil"
)

func TestAttachAssignsLowestFreeSlot(t *testing.T) {
	registry := NewRegistry(clock.Fake(time.Unix(0, 0)), nil)

	first := registry.Attach()
	second := registry.Attach()
	third := registry.Attach()
	if first.Slot != 0 || second.Slot != 1 || third.Slot != 2 {
		t.Fatalf("slots = %d,%d,%d, want 0,1,2", first.Slot, second.Slot, third.Slot)
	}

	registry.Detach(1)
	reattached := registry.Attach()
	if reattached.Slot != 1 {
		t.Errorf("reattached slot = %d, want 1 (lowest free)", reattached.Slot)
	}
}

func TestDetachWakesBlockedWaiters(t *testing.T) {
	registry := NewRegistry(clock.Fake(time.Unix(0, 0)), nil)
	handle := registry.Attach()
	if err := handle.Machine().Transition(StateInitializing); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- handle.Machine().WaitReady(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	if !registry.Detach(handle.Slot) {
		t.Fatal("Detach returned false for a live slot")
	}

	err := testutil.RequireReceive(t, done, 5*time.Second, "waiting for detach wake-up")
	if CodeOf(err) != CodeDeviceGone {
		t.Errorf("waiter error code = %q, want %q", CodeOf(err), CodeDeviceGone)
	}
}

func TestDetachRunsHooks(t *testing.T) {
	registry := NewRegistry(clock.Fake(time.Unix(0, 0)), nil)
	var hooked *Handle
	registry.OnDetach(func(h *Handle) { hooked = h })

	handle := registry.Attach()
	registry.Detach(handle.Slot)

	if hooked != handle {
		t.Error("detach hook did not receive the detached handle")
	}
	if handle.State() != StateDisconnected {
		t.Errorf("state after detach = %s, want disconnected", handle.State())
	}
}

func TestDetachBeforeInitialization(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	registry := NewRegistry(clk, nil)
	handle := registry.Attach()

	// The handle is still Disconnected: attach succeeded but
	// initialization never ran. Detach must still apply the
	// transition so the timestamp records and hooks fire.
	clk.Advance(3 * time.Second)
	var hooked bool
	registry.OnDetach(func(*Handle) { hooked = true })
	if !registry.Detach(handle.Slot) {
		t.Fatal("Detach returned false for a never-initialized slot")
	}
	if !hooked {
		t.Error("detach hook did not run")
	}
	if got := handle.Machine().ChangedAt(); !got.Equal(time.Unix(3, 0)) {
		t.Errorf("ChangedAt = %v, want the detach time", got)
	}
}

func TestDetachUnknownSlot(t *testing.T) {
	registry := NewRegistry(clock.Fake(time.Unix(0, 0)), nil)
	if registry.Detach(7) {
		t.Error("Detach(7) = true for an empty registry")
	}
}

func TestListOrdersBySlot(t *testing.T) {
	registry := NewRegistry(clock.Fake(time.Unix(0, 0)), nil)
	registry.Attach()
	registry.Attach()
	registry.Attach()
	registry.Detach(0)
	registry.Attach() // refills slot 0

	handles := registry.List()
	if len(handles) != 3 {
		t.Fatalf("List returned %d handles, want 3", len(handles))
	}
	for i, handle := range handles {
		if handle.Slot != i {
			t.Errorf("List[%d].Slot = %d, want %d", i, handle.Slot, i)
		}
	}
}

func TestHandleStatsAndRefs(t *testing.T) {
	registry := NewRegistry(clock.Fake(time.Unix(0, 0)), nil)
	handle := registry.Attach()

	if n := handle.Ref(); n != 1 {
		t.Errorf("Ref = %d, want 1", n)
	}
	if n := handle.Ref(); n != 2 {
		t.Errorf("Ref = %d, want 2", n)
	}
	if n := handle.Unref(); n != 1 {
		t.Errorf("Unref = %d, want 1", n)
	}

	handle.RecordCapture()
	handle.RecordCapture()
	handle.RecordMatch(true)
	handle.RecordMatch(false)
	handle.RecordError(CodeTimeout)

	stats := handle.Stats()
	if stats.Captures != 2 {
		t.Errorf("Captures = %d, want 2", stats.Captures)
	}
	if stats.SuccessfulMatches != 1 || stats.FailedMatches != 1 {
		t.Errorf("matches = %d/%d, want 1/1", stats.SuccessfulMatches, stats.FailedMatches)
	}
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
	if handle.LastError() != CodeTimeout {
		t.Errorf("LastError = %q, want %q", handle.LastError(), CodeTimeout)
	}
}

func TestHandleFailedFlag(t *testing.T) {
	registry := NewRegistry(clock.Fake(time.Unix(0, 0)), nil)
	handle := registry.Attach()

	if handle.Failed() {
		t.Fatal("fresh handle reports Failed")
	}
	handle.MarkFailed()
	if !handle.Failed() {
		t.Fatal("MarkFailed did not stick")
	}
	handle.ClearFailed()
	if handle.Failed() {
		t.Fatal("ClearFailed did not clear")
	}
}

func TestStateChangeEventsArriveInOrder(t *testing.T) {
	clk := clock.Fake(time.Unix(0, 0))
	registry := NewRegistry(clk, nil)
	handle := registry.Attach()

	var states []State
	handle.SetEventSink(func(event Event) {
		if event.Type == EventStateChanged {
			states = append(states, event.State)
		}
	})

	machine := handle.Machine()
	if err := machine.Transition(StateInitializing); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := machine.Transition(StateReady); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if err := machine.Transition(StateCapturing); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	want := []State{StateInitializing, StateReady, StateCapturing}
	if len(states) != len(want) {
		t.Fatalf("observed %d state events, want %d", len(states), len(want))
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("event %d state = %s, want %s", i, states[i], want[i])
		}
	}
}
