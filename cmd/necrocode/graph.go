package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/necrocode/necrocode/internal/ncerrors"
	"github.com/necrocode/necrocode/internal/registry"
)

var graphFormat string

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Render a taskset's dependency graph",
}

var graphExportCmd = &cobra.Command{
	Use:   "export <spec_name>",
	Short: "Export the dependency graph as dot or mermaid (export_dependency_graph)",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraphExport,
}

func init() {
	rootCmd.AddCommand(graphCmd)
	graphCmd.AddCommand(graphExportCmd)
	graphExportCmd.Flags().StringVar(&graphFormat, "format", "dot", "output format: dot or mermaid")
}

func runGraphExport(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}

	var format registry.GraphFormat
	switch graphFormat {
	case "dot":
		format = registry.FormatDot
	case "mermaid":
		format = registry.FormatMermaid
	default:
		return ncerrors.New(ncerrors.Validation, "graph export", "unknown --format "+graphFormat)
	}

	out, err := reg.ExportDependencyGraph(args[0], format)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
