// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"time"
)

// MaxTransferSize bounds every bulk transfer buffer. The sensor's
// protocol never frames a packet larger than this.
const MaxTransferSize = 4096

// Direction selects the bulk endpoint class for a transfer.
type Direction uint8

const (
	// In reads from the device (bulk-in endpoint).
	In Direction = iota
	// Out writes to the device (bulk-out endpoint).
	Out
)

// String returns "in" or "out" for logging.
func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// Sentinel errors reported by transports. The protocol bridge maps
// these onto the device error taxonomy; no retry policy lives at this
// layer — that belongs to the recovery engine.
var (
	// ErrTimeout means the transfer did not complete within its
	// timeout. The device may still be healthy.
	ErrTimeout = errors.New("transport: transfer timed out")

	// ErrStalled means the endpoint reported a halt condition. The
	// transport has already cleared the halt; the caller may retry
	// the transfer once.
	ErrStalled = errors.New("transport: endpoint stalled")

	// ErrDeviceGone means the device is no longer present. Terminal:
	// the caller must treat the handle as dead.
	ErrDeviceGone = errors.New("transport: device gone")

	// ErrBufferTooLarge means the caller exceeded MaxTransferSize.
	ErrBufferTooLarge = errors.New("transport: buffer exceeds maximum transfer size")
)

// Transport performs timed, endpoint-addressed bulk I/O against one
// physical device. Implementations: the Linux usbdevfs backend for
// real hardware, and the simulated sensor in transport/sim for tests
// and the daemon's --simulate mode.
type Transport interface {
	// Transfer moves up to len(buffer) bytes in the given direction
	// on the given bulk endpoint and returns the byte count actually
	// transferred. The endpoint must be one of the bulk descriptors
	// discovered at attach time. On ErrStalled the halt has already
	// been cleared and one retry is permitted; on ErrTimeout the
	// caller decides (recovery engine policy); on ErrDeviceGone the
	// handle is terminal.
	Transfer(ctx context.Context, direction Direction, endpoint uint8, buffer []byte, timeout time.Duration) (int, error)

	// ResetInterface re-binds the device interface: release, reset,
	// re-claim. Used by communication recovery.
	ResetInterface() error

	// ResetHardware performs the strongest reset the transport can
	// issue short of physical replug (a USB port reset, which
	// power-cycles the sensor). Used by hardware recovery.
	ResetHardware() error

	// Close releases the transport. Subsequent transfers return
	// ErrDeviceGone.
	Close() error
}
