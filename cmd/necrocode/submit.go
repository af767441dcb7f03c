package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/necrocode/necrocode/internal/registry"
)

var submitCmd = &cobra.Command{
	Use:   "submit <taskset.json>",
	Short: "Create a taskset from a JSON document (create_taskset)",
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

func init() {
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	var ts registry.Taskset
	if err := json.Unmarshal(data, &ts); err != nil {
		return fmt.Errorf("parse taskset: %w", err)
	}

	reg, err := openRegistry()
	if err != nil {
		return err
	}
	if err := reg.CreateTaskset(&ts); err != nil {
		return err
	}
	fmt.Printf("created taskset %q with %d tasks\n", ts.SpecName, len(ts.Tasks))
	return nil
}
