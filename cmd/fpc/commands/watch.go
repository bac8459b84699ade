// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/openfpc/fpcd/cmd/fpc/cli"
	"github.com/openfpc/fpcd/control"
)

type watchParams struct {
	cli.JSONOutput
	Socket string `json:"socket" flag:"socket" desc:"path to the fpcd control socket" default:"/run/fpcd/fpcd.sock"`
}

func watchCommand() *cli.Command {
	var params watchParams

	return &cli.Command{
		Name:    "watch",
		Summary: "Stream daemon events to stdout",
		Description: `Subscribe to the daemon's event stream and print every event as it
arrives: finger presence, captures, enrollment progress, match
outcomes, state changes, and errors. Runs until interrupted.`,
		Usage: "fpc watch [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("watch", &params)
		},
		Run: func(args []string) error {
			client, err := fpclientDial(params.Socket)
			if err != nil {
				return err
			}
			defer client.Close()

			err = client.SetEventCallback(func(event control.Event) {
				printEvent(event, params.OutputJSON)
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			return nil
		},
	}
}

func printEvent(event control.Event, asJSON bool) {
	if asJSON {
		line, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Println(string(line))
		return
	}

	timestamp := time.Now().Format("15:04:05")
	if event.TimestampUnix != 0 {
		timestamp = time.Unix(event.TimestampUnix, 0).Format("15:04:05")
	}
	fmt.Fprintf(os.Stdout, "%s slot=%d %s", timestamp, event.Slot, event.Type)
	if event.State != "" {
		fmt.Printf(" state=%s", event.State)
	}
	if event.StageCount != 0 {
		fmt.Printf(" stage=%d/%d", event.Stage, event.StageCount)
	}
	if event.Type == "verification-complete" {
		fmt.Printf(" matched=%t slot=%d confidence=%d", event.Matched, event.TemplateSlot, event.Confidence)
	}
	if event.ErrorCode != "" {
		fmt.Printf(" code=%s", event.ErrorCode)
	}
	if event.Message != "" {
		fmt.Printf(" message=%q", event.Message)
	}
	fmt.Println()
}
