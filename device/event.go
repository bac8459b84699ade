// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package device

import "time"

// EventType identifies an asynchronous device event delivered to
// control-channel subscribers and, through the client library, to
// registered callbacks.
type EventType string

const (
	EventFingerDetected       EventType = "finger-detected"
	EventFingerRemoved        EventType = "finger-removed"
	EventImageCaptured        EventType = "image-captured"
	EventEnrollmentProgress   EventType = "enrollment-progress"
	EventVerificationComplete EventType = "verification-complete"
	EventError                EventType = "error"
	EventStateChanged         EventType = "state-changed"
)

// Event is one asynchronous device notification. Only the fields
// relevant to the Type are populated.
type Event struct {
	Type      EventType
	Slot      int // registry slot of the originating device
	Timestamp time.Time

	// EnrollmentProgress: stage just completed and total stages.
	Stage      int
	StageCount int

	// VerificationComplete.
	Matched      bool
	TemplateSlot uint8
	Confidence   uint8 // 0–100

	// Error.
	Code    Code
	Message string

	// StateChanged.
	State State
}
