// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command tree, flag binding, and output
// helpers for the fpc command. Commands declare their parameters as
// tagged structs; BindFlags turns the tags into pflag entries so the
// flag surface and the parameter struct cannot drift apart.
package cli
