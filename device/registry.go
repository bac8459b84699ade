// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/openfpc/fpcd/lib/clock"
)

// Registry is the process-wide table mapping registry slots to live
// device handles. It is an explicit object constructed in main and
// passed by reference — never ambient global state — so its lifecycle
// is controlled: created at process start, torn down at shutdown.
//
// The registry serializes handle creation and destruction as devices
// attach and detach. It does not serialize hardware access; that
// happens inside the protocol bridge.
type Registry struct {
	// Logger receives structured log output. If nil, slog.Default()
	// is used.
	Logger *slog.Logger

	mu      sync.Mutex
	slots   map[int]*Handle
	nextID  int
	clk     clock.Clock
	onClose []func(*Handle)
}

// NewRegistry creates an empty registry.
func NewRegistry(clk clock.Clock, logger *slog.Logger) *Registry {
	return &Registry{
		Logger: logger,
		slots:  map[int]*Handle{},
		clk:    clk,
	}
}

func (r *Registry) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Attach creates a handle for a newly attached device in the lowest
// free slot and returns it. The handle starts in StateDisconnected;
// the caller binds a transport and drives initialization.
func (r *Registry) Attach() *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	slot := 0
	for {
		if _, taken := r.slots[slot]; !taken {
			break
		}
		slot++
	}
	handle := NewHandle(slot, r.clk)
	r.slots[slot] = handle
	r.logger().Info("device attached", "slot", slot)
	return handle
}

// Detach removes the handle in the given slot. The handle transitions
// to StateDisconnected, which wakes every blocked waiter with
// DeviceGone; detach hooks registered with OnDetach run afterward so
// the recovery engine can abort an in-flight run. Returns false when
// the slot holds no device.
func (r *Registry) Detach(slot int) bool {
	r.mu.Lock()
	handle, ok := r.slots[slot]
	if ok {
		delete(r.slots, slot)
	}
	hooks := append([]func(*Handle){}, r.onClose...)
	r.mu.Unlock()
	if !ok {
		return false
	}

	// Disconnected is legal from every state; ignore the impossible
	// error to keep detach unconditional.
	_ = handle.Machine().Transition(StateDisconnected)
	for _, hook := range hooks {
		hook(handle)
	}
	r.logger().Info("device detached", "slot", slot, "open_refs", handle.Refs())
	return true
}

// OnDetach registers a hook invoked after a handle transitions to
// Disconnected. The recovery engine registers here to abort an active
// run for the detached device.
func (r *Registry) OnDetach(hook func(*Handle)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onClose = append(r.onClose, hook)
}

// Get returns the handle in the given slot.
func (r *Registry) Get(slot int) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	handle, ok := r.slots[slot]
	return handle, ok
}

// List returns all live handles ordered by slot.
func (r *Registry) List() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	handles := make([]*Handle, 0, len(r.slots))
	for _, handle := range r.slots {
		handles = append(handles, handle)
	}
	sort.Slice(handles, func(i, j int) bool { return handles[i].Slot < handles[j].Slot })
	return handles
}

// Close detaches every device. Called at process shutdown.
func (r *Registry) Close() {
	for _, handle := range r.List() {
		r.Detach(handle.Slot)
	}
}
