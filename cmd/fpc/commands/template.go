// Copyright 2026 The OpenFPC Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/openfpc/fpcd/cmd/fpc/cli"
	"github.com/openfpc/fpcd/device"
)

func templateCommand() *cli.Command {
	return &cli.Command{
		Name:    "template",
		Summary: "Manage stored fingerprint templates",
		Subcommands: []*cli.Command{
			templateListCommand(),
			templateExportCommand(),
			templateImportCommand(),
			templateDeleteCommand(),
			templateClearCommand(),
		},
	}
}

type templateListParams struct {
	cli.JSONOutput
	connectionParams
}

func templateListCommand() *cli.Command {
	var params templateListParams

	return &cli.Command{
		Name:    "list",
		Summary: "List occupied template slots",
		Usage:   "fpc template list [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("list", &params)
		},
		Run: func(args []string) error {
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()

			slots, err := client.ListTemplates(params.Slot)
			if err != nil {
				return err
			}
			if done, err := params.EmitJSON(slots); done {
				return err
			}
			if len(slots) == 0 {
				fmt.Fprintln(os.Stderr, "No templates stored.")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 0, 3, ' ', 0)
			fmt.Fprintln(tw, "SLOT\tNAME\tQUALITY\tBYTES")
			for _, slot := range slots {
				template, err := client.LoadTemplate(params.Slot, slot)
				if err != nil {
					return fmt.Errorf("loading slot %d: %w", slot, err)
				}
				fmt.Fprintf(tw, "%d\t%s\t%d\t%d\n",
					template.Slot, template.Name, template.Quality, len(template.Data))
			}
			return tw.Flush()
		},
	}
}

type templateExportParams struct {
	connectionParams
	TemplateSlot uint8  `json:"template_slot" flag:"template,t" desc:"template storage slot to export" default:"1"`
	Output       string `json:"output"        flag:"output,o"   desc:"file to write the template blob to"`
}

func templateExportCommand() *cli.Command {
	var params templateExportParams

	return &cli.Command{
		Name:    "export",
		Summary: "Export a template blob to a file",
		Usage:   "fpc template export [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("export", &params)
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

			template, err := client.LoadTemplate(params.Slot, params.TemplateSlot)
			if err != nil {
				return err
			}
			if err := os.WriteFile(params.Output, template.Data, 0600); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Exported template %d (%q, %d bytes).\n",
				template.Slot, template.Name, len(template.Data))
			return nil
		},
	}
}

type templateImportParams struct {
	connectionParams
	TemplateSlot uint8  `json:"template_slot" flag:"template,t" desc:"template storage slot to import into" default:"1"`
	Input        string `json:"input"         flag:"input,i"    desc:"file holding the template blob"`
	Name         string `json:"name"          flag:"name,n"     desc:"label for the imported template"`
	Quality      uint8  `json:"quality"       flag:"quality"    desc:"quality score recorded with the template" default:"100"`
}

func templateImportCommand() *cli.Command {
	var params templateImportParams

	return &cli.Command{
		Name:    "import",
		Summary: "Import a template blob from a file",
		Usage:   "fpc template import [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("import", &params)
		},
		Run: func(args []string) error {
			if params.Input == "" {
				return fmt.Errorf("--input is required")
			}
			data, err := os.ReadFile(params.Input)
			if err != nil {
				return err
			}
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()

			template := device.Template{
				Slot:    params.TemplateSlot,
				Type:    device.TemplateProprietary,
				Quality: params.Quality,
				Name:    params.Name,
				Data:    data,
			}
			if err := client.StoreTemplate(params.Slot, template); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "Imported %d bytes into template slot %d.\n",
				len(data), params.TemplateSlot)
			return nil
		},
	}
}

type templateDeleteParams struct {
	connectionParams
	TemplateSlot uint8 `json:"template_slot" flag:"template,t" desc:"template storage slot to delete" default:"1"`
}

func templateDeleteCommand() *cli.Command {
	var params templateDeleteParams

	return &cli.Command{
		Name:    "delete",
		Summary: "Delete one stored template",
		Usage:   "fpc template delete [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("delete", &params)
		},
		Run: func(args []string) error {
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()
			return client.DeleteTemplate(params.Slot, params.TemplateSlot)
		},
	}
}

type templateClearParams struct {
	connectionParams
	Force bool `json:"force" flag:"force,f" desc:"clear without confirmation"`
}

func templateClearCommand() *cli.Command {
	var params templateClearParams

	return &cli.Command{
		Name:    "clear",
		Summary: "Delete every stored template",
		Usage:   "fpc template clear --force [flags]",
		Flags: func() *pflag.FlagSet {
			return cli.FlagsFromParams("clear", &params)
		},
		Run: func(args []string) error {
			if !params.Force {
				return fmt.Errorf("refusing to clear all templates without --force")
			}
			client, err := params.open()
			if err != nil {
				return err
			}
			defer client.Close()
			return client.ClearTemplates(params.Slot)
		},
	}
}
