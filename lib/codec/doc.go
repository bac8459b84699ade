// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec pins the CBOR configuration used on the control
// channel. Both the daemon (control) and the client library
// (fpclient) import this package so encoder settings are defined
// once rather than mirrored.
package codec
