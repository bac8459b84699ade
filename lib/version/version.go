// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package version reports the build version of the fpcd binaries.
package version

import "runtime/debug"

// Version is the release version, overridden at build time with
// -ldflags "-X github.com/openfpc/fpcd/lib/version.Version=...".
var Version = "0.0.0-dev"

// Info returns the version string, augmented with the VCS revision
// when the binary was built from a git checkout.
func Info() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" && len(setting.Value) >= 12 {
			return Version + "+" + setting.Value[:12]
		}
	}
	return Version
}
