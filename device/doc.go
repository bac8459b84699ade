// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package device defines the core data model of the engine: the error
// taxonomy shared by every layer, the device lifecycle state machine,
// the reference-counted device handle with its statistics, the
// process-wide registry, and the asynchronous event types.
//
// The state machine is the single point of truth for command
// acceptance: capture, enrollment, verification, and identification
// require StateReady; template CRUD is rejected during StateCapturing
// and StateProcessing. Transitions record timestamps and wake blocked
// waiters in strict happens-before order.
package device
