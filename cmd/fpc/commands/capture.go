// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/openfpc/fpcd/cmd/fpc/cli"
	"github.com/openfpc/fpcd/device"
)

type captureParams struct {
	connectionParams
	Output        string `json:"output"     flag:"output,o" desc:"write the image to this file (PGM format); - for stdout"`
	TimeoutMillis uint32 `json:"timeout_ms" flag:"timeout"  desc:"milliseconds to wait for a finger (0 = daemon default)"`
}

func captureCommand() *cli.Command {
	var params captureParams

	return &cli.Command{
		Name:    "capture",
		Summary: "Capture a fingerprint image",
		Description: `Wait for a finger on the sensor and capture one frame. The image is
written as a binary PGM file, viewable with any image tool.`,
		Usage: "fpc capture [flags]",
		Examples: []cli.Example{
			{Description: "Capture to a file", Command: "fpc capture -o finger.pgm"},
			{Description: "Pipe into ImageMagick", Command: "fpc capture -o - | convert - finger.png"},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("capture", &params)
		},
		Run: func(args []string) error {
			if params.Output == "" {
				return fmt.Errorf("--output is required")
			}
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Fprintln(os.Stderr, "Place a finger on the sensor...")
			image, err := client.CaptureImage(params.Slot, params.TimeoutMillis)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Captured %dx%d, quality %d.\n", image.Width, image.Height, image.Quality)

			if params.Output == "-" {
				return writePGM(os.Stdout, image)
			}
			file, err := os.Create(params.Output)
			if err != nil {
				return err
			}
			defer file.Close()
			return writePGM(file, image)
		},
	}
}

// writePGM writes an 8-bit grayscale frame as binary PGM.
func writePGM(w *os.File, image device.Image) error {
	if image.Format != device.ImageFormatGray8 {
		return fmt.Errorf("cannot write format %d as PGM", image.Format)
	}
	if _, err := fmt.Fprintf(w, "P5\n%d %d\n255\n", image.Width, image.Height); err != nil {
		return err
	}
	_, err := w.Write(image.Data)
	return err
}
