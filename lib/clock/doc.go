// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source. The recovery
// engine's backoff delays and watchdog, the control server's blocking
// capture loop, and device uptime accounting all run against a Clock
// so that tests drive time deterministically with FakeClock instead
// of sleeping.
package clock
