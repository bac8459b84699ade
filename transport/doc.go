// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport performs raw, timed bulk I/O with the physical
// sensor. It knows nothing about the command protocol: it moves
// byte buffers on bulk endpoints, clears endpoint stalls, and reports
// device-absent conditions. Retry policy lives in the recovery
// engine, one layer up.
//
// Two backends exist: USBDevice drives real hardware through Linux
// usbdevfs, and transport/sim provides a scriptable simulated sensor
// for tests and the daemon's --simulate mode.
package transport
