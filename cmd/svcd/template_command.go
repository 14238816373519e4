package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loykin/svcd/internal/config"
	"github.com/loykin/svcd/pkg/template"
)

func createTemplateCommand() *cobra.Command {
	var (
		outDir string
		list   bool
	)
	cmd := &cobra.Command{
		Use:   "template TYPE NAME",
		Short: "Generate a starter service record",
		Long: `Print a service record for a common kind of program, or write it to a
config directory with --out.

Examples:
  svcd template web site
  svcd template worker jobs --out /etc/svcd/services
  svcd template --list`,
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if list {
				_, _ = fmt.Fprintf(out, "types: %s\naliases: %s\n",
					strings.Join(template.Kinds(), ", "), strings.Join(template.Aliases(), ", "))
				return nil
			}
			kind, name := args[0], args[1]
			if outDir == "" {
				b, err := template.JSON(kind, name)
				if err != nil {
					return err
				}
				_, err = out.Write(b)
				return err
			}
			tpl, err := template.Generate(kind, name)
			if err != nil {
				return err
			}
			if err := config.WriteRecord(outDir, tpl.Record(name)); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(out, "wrote %s\n", config.RecordPath(outDir, name))
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "config directory to write the record into")
	cmd.Flags().BoolVar(&list, "list", false, "list the supported types")
	return cmd
}
