package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/necrocode/necrocode/internal/ncerrors"
	"github.com/necrocode/necrocode/internal/registry"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Inspect or control a single task",
}

var taskShowCmd = &cobra.Command{
	Use:   "show <spec_name> <task_id>",
	Short: "Print one task's current state",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskShow,
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel <spec_name> <task_id>",
	Short: "Request cancellation of a running task",
	Long: `Records a CancelRequested event against the task. A dispatcher process
running against the same registry directory observes in-flight tasks
directly; this command is the audit-trail entry point for an operator
acting against a registry it does not itself run the control loop for.`,
	Args: cobra.ExactArgs(2),
	RunE: runTaskCancel,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskCancelCmd)
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	ts, err := reg.GetTaskset(args[0])
	if err != nil {
		return err
	}
	for _, t := range ts.Tasks {
		if t.ID == args[1] {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		}
	}
	return ncerrors.New(ncerrors.NotFound, "task show", fmt.Sprintf("task %q not found in taskset %q", args[1], args[0]))
}

func runTaskCancel(cmd *cobra.Command, args []string) error {
	reg, err := openRegistry()
	if err != nil {
		return err
	}
	if err := reg.RecordEvent(args[0], args[1], registry.EventCancelRequested, nil); err != nil {
		return err
	}
	fmt.Printf("recorded cancellation request for task %s\n", args[1])
	return nil
}
