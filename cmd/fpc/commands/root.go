// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

// Package commands defines the fpc command tree.
package commands

import (
	"fmt"

	"github.com/openfpc/fpcd/cmd/fpc/cli"
	"github.com/openfpc/fpcd/fpclient"
	"github.com/openfpc/fpcd/lib/version"
)

// DefaultSocketPath is where fpcd listens unless configured otherwise.
const DefaultSocketPath = "/run/fpcd/fpcd.sock"

// Root returns the fpc command tree.
func Root() *cli.Command {
	return &cli.Command{
		Name:    "fpc",
		Summary: "Operator CLI for the fingerprint daemon",
		Description: `Fpc drives a running fpcd daemon over its control socket: listing
attached sensors, capturing images, enrolling and matching
fingerprints, and managing template storage.`,
		Subcommands: []*cli.Command{
			listCommand(),
			infoCommand(),
			statusCommand(),
			captureCommand(),
			enrollCommand(),
			verifyCommand(),
			identifyCommand(),
			templateCommand(),
			powerCommand(),
			calibrateCommand(),
			resetCommand(),
			watchCommand(),
			versionCommand(),
		},
	}
}

// connectionParams is embedded by every command that talks to the
// daemon.
type connectionParams struct {
	Socket string `json:"socket" flag:"socket" desc:"path to the fpcd control socket" default:"/run/fpcd/fpcd.sock"`
	Slot   int    `json:"slot"   flag:"slot,s" desc:"registry slot of the target device" default:"0"`
}

// connect dials the daemon.
func (p *connectionParams) connect() (*fpclient.Client, error) {
	return fpclientDial(p.Socket)
}

func fpclientDial(socketPath string) (*fpclient.Client, error) {
	client, err := fpclient.Dial(socketPath)
	if err != nil {
		return nil, fmt.Errorf("is fpcd running? %w", err)
	}
	return client, nil
}

// open dials the daemon and opens the target device. The caller must
// Close the returned client, which also releases the open.
func (p *connectionParams) open() (*fpclient.Client, error) {
	client, err := p.connect()
	if err != nil {
		return nil, err
	}
	if err := client.OpenDevice(p.Slot); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(args []string) error {
			fmt.Printf("fpc %s\n", version.Info())
			return nil
		},
	}
}
