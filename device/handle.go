// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/openfpc/fpcd/lib/clock"
)

// Stats is a snapshot of a handle's cumulative counters.
type Stats struct {
	Captures          uint64
	SuccessfulMatches uint64
	FailedMatches     uint64
	Errors            uint64
}

// Handle is the reference-counted owner of one physically attached
// device. Exactly one live handle exists per attached device: the
// registry creates it on attach and destroys it on detach.
//
// Statistics counters are lock-free atomics; descriptor fields are
// guarded by a short mutex because they are written once during
// initialization and read thereafter.
type Handle struct {
	// Slot is the stable small-integer registry slot, assigned at
	// attach and never reused while this handle is alive.
	Slot int

	machine *Machine
	clk     clock.Clock

	mu         sync.Mutex
	info       Info
	attachedAt time.Time
	lastError  Code
	eventSink  func(Event)

	refs   atomic.Int64
	failed atomic.Bool

	captures          atomic.Uint64
	successfulMatches atomic.Uint64
	failedMatches     atomic.Uint64
	errorCount        atomic.Uint64
}

// NewHandle creates a handle in StateDisconnected with zero open
// references. Callers transition to StateInitializing once the
// transport is bound.
func NewHandle(slot int, clk clock.Clock) *Handle {
	h := &Handle{
		Slot:       slot,
		clk:        clk,
		attachedAt: clk.Now(),
	}
	h.machine = NewMachine(clk)
	h.machine.SetNotify(func(from, to State) {
		// Runs under the machine lock, so state-changed events are
		// delivered in transition order. The sink must be quick and
		// must not call back into the machine; the control server's
		// sink only enqueues onto buffered per-connection channels.
		h.publish(Event{
			Type:      EventStateChanged,
			Slot:      slot,
			Timestamp: clk.Now(),
			State:     to,
		})
	})
	return h
}

// Machine returns the lifecycle state machine.
func (h *Handle) Machine() *Machine { return h.machine }

// State returns the current lifecycle state.
func (h *Handle) State() State { return h.machine.State() }

// Info returns the device descriptor. Zero until initialization
// completes.
func (h *Handle) Info() Info {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// SetInfo records the descriptor fetched during initialization.
func (h *Handle) SetInfo(info Info) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.info = info
}

// Ref increments the open-reference count and returns the new count.
// Every control-channel open takes a reference.
func (h *Handle) Ref() int64 { return h.refs.Add(1) }

// Unref decrements the open-reference count and returns the new count.
func (h *Handle) Unref() int64 { return h.refs.Add(-1) }

// Refs returns the current open-reference count.
func (h *Handle) Refs() int64 { return h.refs.Load() }

// Failed reports whether the device is in the terminal failed
// condition (recovery attempts exhausted). All operations on a failed
// device return CodeHardware until ClearFailed via an operator reset.
func (h *Handle) Failed() bool { return h.failed.Load() }

// MarkFailed places the device in the terminal failed condition.
func (h *Handle) MarkFailed() { h.failed.Store(true) }

// ClearFailed clears the terminal failed condition. Only the
// operator-level ResetDevice path calls this.
func (h *Handle) ClearFailed() { h.failed.Store(false) }

// Uptime returns how long the device has been attached.
func (h *Handle) Uptime() time.Duration {
	h.mu.Lock()
	attachedAt := h.attachedAt
	h.mu.Unlock()
	return h.clk.Now().Sub(attachedAt)
}

// LastError returns the most recent error code recorded on the handle.
func (h *Handle) LastError() Code {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastError
}

// RecordCapture increments the capture counter.
func (h *Handle) RecordCapture() { h.captures.Add(1) }

// RecordMatch increments the successful or failed match counter.
func (h *Handle) RecordMatch(matched bool) {
	if matched {
		h.successfulMatches.Add(1)
	} else {
		h.failedMatches.Add(1)
	}
}

// RecordError increments the error counter and remembers the code.
// Operational outcomes (NoFinger, BadImage, NoMatch) are not errors
// and must not be recorded here.
func (h *Handle) RecordError(code Code) {
	h.errorCount.Add(1)
	h.mu.Lock()
	h.lastError = code
	h.mu.Unlock()
}

// Stats returns a snapshot of the cumulative counters.
func (h *Handle) Stats() Stats {
	return Stats{
		Captures:          h.captures.Load(),
		SuccessfulMatches: h.successfulMatches.Load(),
		FailedMatches:     h.failedMatches.Load(),
		Errors:            h.errorCount.Load(),
	}
}

// SetEventSink installs the event consumer. The control server sets
// this once at startup; nil drops events.
func (h *Handle) SetEventSink(sink func(Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.eventSink = sink
}

// publish delivers an event to the installed sink, if any.
func (h *Handle) publish(event Event) {
	h.mu.Lock()
	sink := h.eventSink
	h.mu.Unlock()
	if sink != nil {
		sink(event)
	}
}

// PublishEvent stamps and delivers an event from this device.
func (h *Handle) PublishEvent(event Event) {
	event.Slot = h.Slot
	if event.Timestamp.IsZero() {
		event.Timestamp = h.clk.Now()
	}
	h.publish(event)
}
