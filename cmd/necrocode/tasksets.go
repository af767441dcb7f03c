package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var tasksetsCmd = &cobra.Command{
	Use:   "tasksets",
	Short: "Inspect tasksets held by the registry",
}

var tasksetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every known taskset (list_tasksets)",
	RunE:  runTasksetsList,
}

var tasksetsShowCmd = &cobra.Command{
	Use:   "show <spec_name>",
	Short: "Print a taskset's full state (get_taskset)",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksetsShow,
}

func init() {
	rootCmd.AddCommand(tasksetsCmd)
	tasksetsCmd.AddCommand(tasksetsListCmd)
	tasksetsCmd.AddCommand(tasksetsShowCmd)
}

func runTasksetsList(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	names, err := reg.ListTasksets()
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

func runTasksetsShow(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	ts, err := reg.GetTaskset(args[0])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(ts)
}
