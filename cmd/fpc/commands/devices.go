// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/openfpc/fpcd/cmd/fpc/cli"
)

type listParams struct {
	cli.JSONOutput
	Socket string `json:"socket" flag:"socket" desc:"path to the fpcd control socket" default:"/run/fpcd/fpcd.sock"`
}

func listCommand() *cli.Command {
	var params listParams

	return &cli.Command{
		Name:    "list",
		Summary: "List attached fingerprint sensors",
		Usage:   "fpc list [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("list", &params)
		},
		Run: func(args []string) error {
			client, err := fpclientDial(params.Socket)
			if err != nil {
				return err
			}
			defer client.Close()

			devices, err := client.ListDevices()
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(devices); done {
				return err
			}
			if len(devices) == 0 {
				fmt.Fprintln(os.Stderr, "No sensors attached.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "SLOT\tSTATE\tFIRMWARE")
			for _, summary := range devices {
				state := summary.State
				if summary.Failed {
					state += " (failed)"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", summary.Slot, state, summary.Firmware)
			}
			return tw.Flush()
		},
	}
}

type infoParams struct {
	cli.JSONOutput
	connectionParams
}

func infoCommand() *cli.Command {
	var params infoParams

	return &cli.Command{
		Name:    "info",
		Summary: "Show the device descriptor",
		Usage:   "fpc info [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("info", &params)
		},
		Run: func(args []string) error {
			client, err := params.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			info, err := client.GetInfo(params.Slot)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(info); done {
				return err
			}
			fmt.Printf("Vendor:            %04x\n", info.VendorID)
			fmt.Printf("Product:           %04x\n", info.ProductID)
			fmt.Printf("Firmware:          %s\n", info.FirmwareVersion)
			fmt.Printf("Imager:            %dx%d\n", info.ImageWidth, info.ImageHeight)
			fmt.Printf("Template capacity: %d\n", info.TemplateCapacity)
			fmt.Printf("Capabilities:      %#06x\n", uint32(info.Capabilities))
			return nil
		},
	}
}

type statusParams struct {
	cli.JSONOutput
	connectionParams
}

func statusCommand() *cli.Command {
	var params statusParams

	return &cli.Command{
		Name:    "status",
		Summary: "Show device state, usage counters, and last error",
		Usage:   "fpc status [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("status", &params)
		},
		Run: func(args []string) error {
			client, err := params.connect()
			if err != nil {
				return err
			}
			defer client.Close()

			status, err := client.GetStatus(params.Slot)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(status); done {
				return err
			}
			fmt.Printf("State:     %s\n", status.State)
			if status.Failed {
				fmt.Printf("Failed:    yes (run 'fpc reset' to recover)\n")
			}
			fmt.Printf("Uptime:    %s\n", (time.Duration(status.UptimeMillis) * time.Millisecond).Round(time.Second))
			fmt.Printf("Open refs: %d\n", status.OpenReferences)
			fmt.Printf("Captures:  %d\n", status.Captures)
			fmt.Printf("Matches:   %d ok, %d failed\n", status.SuccessfulMatches, status.FailedMatches)
			fmt.Printf("Errors:    %d\n", status.Errors)
			if status.LastError != "" {
				fmt.Printf("Last error: %s\n", status.LastError)
			}
			return nil
		},
	}
}
