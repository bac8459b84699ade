// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"context"
	"sync"
	"time"

	"github.com/openfpc/fpcd/lib/clock"
)

// State is the lifecycle state of one physical device instance.
type State uint8

const (
	// StateDisconnected is both the initial pre-attach state and the
	// terminal post-detach state. Once a machine re-enters
	// Disconnected there are no further transitions out; the handle
	// is torn down.
	StateDisconnected State = iota

	// StateInitializing covers the attach handshake: interface claim,
	// protocol init, descriptor fetch.
	StateInitializing

	// StateReady accepts capture, enrollment, verification,
	// identification, and template CRUD commands.
	StateReady

	// StateCapturing covers an in-flight capture or enrollment
	// acquisition. Template CRUD is rejected in this state.
	StateCapturing

	// StateProcessing covers match computation (verify, identify,
	// enrollment completion). Template CRUD is rejected in this state.
	StateProcessing

	// StateError is entered on protocol or hardware failure. Only a
	// reset (→ Initializing) or detach leaves it.
	StateError

	// StateSuspended is entered on a power event. Resume transitions
	// back through Initializing.
	StateSuspended
)

// String returns the state name used on the control channel and in logs.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateCapturing:
		return "capturing"
	case StateProcessing:
		return "processing"
	case StateError:
		return "error"
	case StateSuspended:
		return "suspended"
	}
	return "invalid"
}

// validTransitions is the single point of truth for which lifecycle
// moves are legal. Every state may enter Error or Suspended (failure
// and power events arrive at any time) and every state may enter
// Disconnected, itself included: detach is asynchronous and can land
// before initialization ever ran. Disconnected otherwise exits only
// to Initializing, on attach.
var validTransitions = map[State][]State{
	StateDisconnected: {StateDisconnected, StateInitializing},
	StateInitializing: {StateReady, StateError, StateSuspended, StateDisconnected},
	StateReady:        {StateCapturing, StateProcessing, StateInitializing, StateError, StateSuspended, StateDisconnected},
	StateCapturing:    {StateReady, StateProcessing, StateError, StateSuspended, StateDisconnected},
	StateProcessing:   {StateReady, StateError, StateSuspended, StateDisconnected},
	StateError:        {StateInitializing, StateDisconnected},
	StateSuspended:    {StateInitializing, StateDisconnected},
}

// Machine owns the lifecycle of one device instance. Transitions are
// the single point of truth for whether a command is acceptable right
// now. Every transition records a timestamp and wakes all callers
// blocked in Wait, with the transition fully applied before any
// waiter is released.
type Machine struct {
	mu        sync.Mutex
	cond      *sync.Cond
	state     State
	changedAt time.Time
	clk       clock.Clock

	// notify, when set, is invoked after each applied transition.
	// It runs with the machine lock held so observers see transitions
	// in order; it must not call back into the machine.
	notify func(from, to State)
}

// NewMachine returns a Machine in StateDisconnected.
func NewMachine(clk clock.Clock) *Machine {
	m := &Machine{
		state:     StateDisconnected,
		changedAt: clk.Now(),
		clk:       clk,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// SetNotify installs a transition observer. Must be called before the
// machine is shared between goroutines. The observer runs under the
// machine lock and must not call back into the machine.
func (m *Machine) SetNotify(notify func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = notify
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ChangedAt returns when the current state was entered. The recovery
// engine uses this for staleness decisions.
func (m *Machine) ChangedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// Transition moves the machine to the target state. Returns a
// StateCorruption-classified error when the move is not in the
// transition table; an illegal transition indicates a bug or corrupted
// state and is handed to the recovery engine by callers.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(to)
}

// TransitionIf moves the machine to the target state only when the
// current state equals from. Returns false without side effects
// otherwise. This is the compare-and-swap callers use to begin an
// operation (Ready → Capturing) without racing a concurrent command.
func (m *Machine) TransitionIf(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	return m.transitionLocked(to) == nil
}

func (m *Machine) transitionLocked(to State) error {
	from := m.state
	legal := false
	for _, candidate := range validTransitions[from] {
		if candidate == to {
			legal = true
			break
		}
	}
	if !legal {
		return Errorf(CodeDevice, "invalid state transition %s → %s", from, to)
	}

	m.state = to
	m.changedAt = m.clk.Now()
	if m.notify != nil {
		m.notify(from, to)
	}
	// State is fully applied before any waiter observes it.
	m.cond.Broadcast()
	return nil
}

// Wait blocks until accept returns true for the current state, the
// machine reaches Disconnected (returns a DeviceGone error), or ctx
// is done (returns ctx.Err()). The accept predicate is evaluated
// under the machine lock.
func (m *Machine) Wait(ctx context.Context, accept func(State) bool) (State, error) {
	// Wake the cond loop when the context fires; the broadcast is
	// spurious for other waiters, which simply re-check.
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if accept(m.state) {
			return m.state, nil
		}
		if m.state == StateDisconnected {
			return m.state, Errorf(CodeDeviceGone, "device detached")
		}
		if err := ctx.Err(); err != nil {
			return m.state, err
		}
		m.cond.Wait()
	}
}

// WaitReady blocks until the machine reaches StateReady.
func (m *Machine) WaitReady(ctx context.Context) error {
	_, err := m.Wait(ctx, func(s State) bool { return s == StateReady })
	return err
}
