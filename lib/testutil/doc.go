// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides channel-wait helpers for tests that
// coordinate with background goroutines (the control server's event
// stream, the recovery worker). Every wait carries a timeout so a
// broken test fails instead of hanging the suite.
package testutil
