// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package control exposes attached sensors to local clients over a
// unix socket. The wire format is framed binary messages (1 byte
// type + 4 byte big-endian payload length) carrying CBOR bodies:
// requests and responses flow in lockstep per connection, events
// flow one way to subscribed connections.
//
// Access is gated by SO_PEERCRED: root, the daemon's own UID, and
// any explicitly allowed UIDs. Blocking operations (capture, verify,
// identify) poll the sensor until a finger arrives or the caller's
// timeout expires, publishing finger-detected and finger-removed
// events on presence transitions.
package control
