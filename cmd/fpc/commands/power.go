// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"

	"github.com/spf13/pflag"

	"github.com/openfpc/fpcd/cmd/fpc/cli"
	"github.com/openfpc/fpcd/control"
	"github.com/openfpc/fpcd/device"
)

type powerParams struct {
	connectionParams
	Mode             string `json:"mode"               flag:"mode,m"  desc:"power mode to set: active, idle, sleep, deep-sleep (empty = show current)"`
	AutoSuspendDelay uint8  `json:"auto_suspend_delay" flag:"suspend" desc:"auto-suspend delay in seconds (0 = disabled)"`
}

func powerCommand() *cli.Command {
	var params powerParams

	return &cli.Command{
		Name:    "power",
		Summary: "Show or change the sensor power mode",
		Usage:   "fpc power [--mode <mode>] [flags]",
		Examples: []cli.Example{
			{Description: "Show the current mode", Command: "fpc power"},
			{Description: "Put the sensor to sleep", Command: "fpc power --mode sleep"},
		},
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("power", &params)
		},
		Run: func(args []string) error {
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()

			if params.Mode == "" {
				mode, err := client.GetPowerMode(params.Slot)
				if err != nil {
					return err
				}
				fmt.Printf("Power mode: %s\n", mode)
				return nil
			}

			mode, err := parsePowerMode(params.Mode)
			if err != nil {
				return err
			}
			return client.SetPowerMode(params.Slot, mode, params.AutoSuspendDelay)
		},
	}
}

func parsePowerMode(name string) (device.PowerMode, error) {
	switch name {
	case "active":
		return device.PowerActive, nil
	case "idle":
		return device.PowerIdle, nil
	case "sleep":
		return device.PowerSleep, nil
	case "deep-sleep":
		return device.PowerDeepSleep, nil
	}
	return 0, fmt.Errorf("unknown power mode %q (want active, idle, sleep, or deep-sleep)", name)
}

type calibrateParams struct {
	connectionParams
	Mode        string `json:"mode"        flag:"mode,m"      desc:"calibration procedure: factory, user, or auto" default:"auto"`
	Sensitivity uint8  `json:"sensitivity" flag:"sensitivity" desc:"detection sensitivity (0 = device default)"`
}

func calibrateCommand() *cli.Command {
	var params calibrateParams

	return &cli.Command{
		Name:    "calibrate",
		Summary: "Run sensor calibration",
		Usage:   "fpc calibrate [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("calibrate", &params)
		},
		Run: func(args []string) error {
			mode, err := parseCalibrationMode(params.Mode)
			if err != nil {
				return err
			}
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()

			err = client.Calibrate(params.Slot, control.CalibrationPayload{
				Mode:        uint8(mode),
				Sensitivity: params.Sensitivity,
			})
			if err != nil {
				return err
			}
			fmt.Println("Calibration complete.")
			return nil
		},
	}
}

func parseCalibrationMode(name string) (device.CalibrationMode, error) {
	switch name {
	case "factory":
		return device.CalibrateFactory, nil
	case "user":
		return device.CalibrateUser, nil
	case "auto":
		return device.CalibrateAuto, nil
	}
	return 0, fmt.Errorf("unknown calibration mode %q (want factory, user, or auto)", name)
}

type resetParams struct {
	connectionParams
}

func resetCommand() *cli.Command {
	var params resetParams

	return &cli.Command{
		Name:    "reset",
		Summary: "Reset a device, clearing a terminal failed condition",
		Description: `Perform the operator reset: the device is soft-reset and
reinitialized, and a failed mark left by exhausted automatic recovery
is cleared.`,
		Usage: "fpc reset [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("reset", &params)
		},
		Run: func(args []string) error {
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.ResetDevice(params.Slot); err != nil {
				return err
			}
			fmt.Println("Device reset.")
			return nil
		},
	}
}
