// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/openfpc/fpcd/cmd/fpc/cli"
	"github.com/openfpc/fpcd/control"
)

type verifyParams struct {
	cli.JSONOutput
	connectionParams
	TemplateSlot  uint8  `json:"template_slot" flag:"template,t" desc:"template storage slot to verify against" default:"1"`
	TimeoutMillis uint32 `json:"timeout_ms"    flag:"timeout"    desc:"milliseconds to wait for a finger (0 = daemon default)"`
}

func verifyCommand() *cli.Command {
	var params verifyParams

	return &cli.Command{
		Name:    "verify",
		Summary: "Match a live finger against one template",
		Usage:   "fpc verify [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("verify", &params)
		},
		Run: func(args []string) error {
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Fprintln(os.Stderr, "Place a finger on the sensor...")
			match, err := client.Verify(params.Slot, params.TemplateSlot, params.TimeoutMillis)
			if err != nil {
				return err
			}
			return printMatch(&params.JSONOutput, match)
		},
	}
}

type identifyParams struct {
	cli.JSONOutput
	connectionParams
	TimeoutMillis uint32 `json:"timeout_ms" flag:"timeout" desc:"milliseconds to wait for a finger (0 = daemon default)"`
}

func identifyCommand() *cli.Command {
	var params identifyParams

	return &cli.Command{
		Name:    "identify",
		Summary: "Match a live finger against all stored templates",
		Usage:   "fpc identify [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("identify", &params)
		},
		Run: func(args []string) error {
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Fprintln(os.Stderr, "Place a finger on the sensor...")
			match, err := client.Identify(params.Slot, params.TimeoutMillis)
			if err != nil {
				return err
			}
			return printMatch(&params.JSONOutput, match)
		},
	}
}

func printMatch(jsonOutput *cli.JSONOutput, match control.MatchPayload) error {
	if done, err := jsonOutput.EmitJSON(match); done {
		return err
	}
	if !match.Matched {
		fmt.Println("No match.")
		return nil
	}
	fmt.Printf("Match: template slot %d, confidence %d.\n", match.Slot, match.Confidence)
	return nil
}
