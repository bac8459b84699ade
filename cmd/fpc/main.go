// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Fpc is the operator CLI for the fingerprint daemon. It talks to a
// running fpcd over the control socket.
package main

import (
	"fmt"
	"os"

	"github.com/openfpc/fpcd/cmd/fpc/commands"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	return commands.Root().Execute(os.Args[1:])
}
