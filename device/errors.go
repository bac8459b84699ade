// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
)

// Code classifies an error for external collaborators. The taxonomy is
// shared by every layer: the protocol bridge, the recovery engine, the
// control channel, and the client library all surface the same codes.
//
// Codes fall into four handling classes:
//
//   - caller input errors (InvalidParam, NotSupported, Permission):
//     rejected immediately, never retried
//   - operational outcomes (NoFinger, BadImage, NoMatch): not
//     failures, returned for the caller's natural retry loop
//   - transient faults (Timeout, Protocol): handed to the recovery
//     engine for bounded retries before surfacing
//   - fatal faults (Hardware, Firmware, StorageFull): surfaced after
//     at most one recovery attempt
type Code string

const (
	// CodeDevice is a general device failure that fits no more
	// specific code.
	CodeDevice Code = "device"

	// CodeProtocol indicates a malformed or unexpected response from
	// the sensor (bad length, unknown status byte).
	CodeProtocol Code = "protocol"

	// CodeTimeout indicates a bulk transfer or blocking operation
	// exceeded its deadline.
	CodeTimeout Code = "timeout"

	// CodeNoFinger indicates no finger was present on the sensor.
	// Operational outcome; the caller re-presents the finger.
	CodeNoFinger Code = "no-finger"

	// CodeBadImage indicates the captured sample was too poor to use.
	// Operational outcome; the caller retries the capture.
	CodeBadImage Code = "bad-image"

	// CodeNoMatch indicates verification or identification completed
	// without a match. Operational outcome, not a failure.
	CodeNoMatch Code = "no-match"

	// CodeHardware indicates a hardware fault the recovery engine
	// could not clear.
	CodeHardware Code = "hardware"

	// CodeFirmware indicates a sensor firmware fault.
	CodeFirmware Code = "firmware"

	// CodeBusy indicates the device is occupied by a conflicting
	// operation (an active enrollment, an in-flight recovery run).
	CodeBusy Code = "busy"

	// CodeMemory indicates the sensor reported an allocation failure.
	CodeMemory Code = "memory"

	// CodeInvalidParam indicates a caller input error (slot out of
	// range, name too long).
	CodeInvalidParam Code = "invalid-param"

	// CodeNotSupported indicates the device lacks the capability for
	// the requested operation.
	CodeNotSupported Code = "not-supported"

	// CodePermission indicates the control-channel peer is not
	// allowed to issue the command.
	CodePermission Code = "permission"

	// CodeStorageFull indicates every template slot is occupied.
	CodeStorageFull Code = "storage-full"

	// CodeTemplateExists indicates the target slot already holds a
	// template; the caller must delete it first.
	CodeTemplateExists Code = "template-exists"

	// CodeNotReady indicates the device state machine rejected the
	// command because the device is not in the Ready state.
	CodeNotReady Code = "not-ready"

	// CodeDeviceGone indicates the device detached. Terminal for the
	// handle: every pending and future operation returns this code.
	CodeDeviceGone Code = "device-gone"
)

// Error is the structured error returned by every engine operation.
// Callers extract it with errors.As:
//
//	var devErr *device.Error
//	if errors.As(err, &devErr) {
//	    if devErr.Code == device.CodeNoFinger { ... }
//	}
type Error struct {
	// Code classifies the error for dispatch and for the wire.
	Code Code

	// Message is the human-readable description.
	Message string

	// Cause is the underlying error, if any. Unwrap exposes it so
	// errors.Is/errors.As see through this layer.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Errorf constructs an *Error with the given code and formatted
// message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError constructs an *Error that carries cause for unwrapping.
func WrapError(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf extracts the Code from err. Returns CodeDevice when err is
// non-nil but carries no *Error in its chain, and "" when err is nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var devErr *Error
	if errors.As(err, &devErr) {
		return devErr.Code
	}
	return CodeDevice
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsOperationalOutcome reports whether err is a NoFinger, BadImage,
// or NoMatch outcome — a normal result of interacting with a finger,
// not a device fault. These never increment the error counter and
// never trigger recovery.
func IsOperationalOutcome(err error) bool {
	switch CodeOf(err) {
	case CodeNoFinger, CodeBadImage, CodeNoMatch:
		return true
	}
	return false
}
