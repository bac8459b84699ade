// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/openfpc/fpcd/cmd/fpc/cli"
	"github.com/openfpc/fpcd/control"
	"github.com/openfpc/fpcd/device"
	"github.com/openfpc/fpcd/fpclient"
)

type enrollParams struct {
	connectionParams
	TemplateSlot uint8  `json:"template_slot" flag:"template,t" desc:"template storage slot (1-based)" default:"1"`
	Name         string `json:"name"          flag:"name,n"     desc:"human-readable label for the enrolled finger"`
}

func enrollCommand() *cli.Command {
	var params enrollParams

	return &cli.Command{
		Name:    "enroll",
		Summary: "Enroll a finger into a template slot",
		Description: `Guide the user through enrollment: the finger is sampled several
times and the device builds a template from the combined samples.
The enrollment is cancelled cleanly on failure.`,
		Usage: "fpc enroll [flags]",
		Examples: []cli.Example{
			{Description: "Enroll into slot 2 with a label", Command: "fpc enroll -t 2 -n right-index"},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("enroll", &params)
		},
		Run: func(args []string) error {
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.EnrollStart(params.Slot, params.TemplateSlot, params.Name, 0); err != nil {
				return err
			}
			// Abandoning without cancel would leave the device stuck in
			// the enrollment session.
			template, err := runEnrollment(client, params.Slot)
			if err != nil {
				if cancelErr := client.EnrollCancel(params.Slot); cancelErr != nil {
					fmt.Fprintf(os.Stderr, "warning: cancelling enrollment: %v\n", cancelErr)
				}
				return err
			}

			fmt.Printf("Enrolled %q into template slot %d (quality %d).\n",
				template.Name, template.Slot, template.Quality)
			return nil
		},
	}
}

// runEnrollment drives the sample loop until the device reports the
// final stage, then completes.
func runEnrollment(client *fpclient.Client, slot int) (device.Template, error) {
	fmt.Fprintln(os.Stderr, "Place a finger on the sensor...")
	for {
		progress, err := waitForSample(client, slot)
		if err != nil {
			return device.Template{}, err
		}
		fmt.Fprintf(os.Stderr, "Sample %d/%d accepted (quality %d).\n",
			progress.Stage, progress.StageCount, progress.Quality)
		if progress.Stage >= progress.StageCount {
			break
		}
		fmt.Fprintln(os.Stderr, "Lift and place the finger again...")
	}
	return client.EnrollComplete(slot)
}

// waitForSample retries enroll-continue until a sample is accepted.
// No-finger outcomes poll quietly; a bad image re-prompts the user.
func waitForSample(client *fpclient.Client, slot int) (control.ProgressPayload, error) {
	for {
		progress, err := client.EnrollContinue(slot)
		switch device.CodeOf(err) {
		case "":
			return progress, nil
		case device.CodeNoFinger:
			time.Sleep(100 * time.Millisecond)
		case device.CodeBadImage:
			fmt.Fprintln(os.Stderr, "Poor quality sample, try again with firmer contact.")
			time.Sleep(300 * time.Millisecond)
		default:
			return control.ProgressPayload{}, err
		}
	}
}
