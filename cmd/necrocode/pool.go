package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect or recover a repo's worktree pool",
}

var poolRecoverCmd = &cobra.Command{
	Use:   "recover <repo_name>",
	Short: "Run detect_anomalies + auto_recover against a repo's pool",
	Args:  cobra.ExactArgs(1),
	RunE:  runPoolRecover,
}

var poolStatusCmd = &cobra.Command{
	Use:   "status <repo_name> <slot_id>",
	Short: "Print one slot's status (get_slot_status)",
	Args:  cobra.ExactArgs(2),
	RunE:  runPoolStatus,
}

func init() {
	rootCmd.AddCommand(poolCmd)
	poolCmd.AddCommand(poolRecoverCmd)
	poolCmd.AddCommand(poolStatusCmd)
}

func runPoolRecover(cmd *cobra.Command, args []string) error {
	mgr, err := openPool()
	if err != nil {
		return err
	}
	result, err := mgr.AutoRecover(context.Background(), args[0], viper.GetInt("pool.max_allocation_hours"))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "released=%d recovered=%d isolated=%d locks_cleaned=%d\n",
		result.Released, result.Recovered, result.Isolated, result.LocksCleaned)
	return nil
}

func runPoolStatus(cmd *cobra.Command, args []string) error {
	mgr, err := openPool()
	if err != nil {
		return err
	}
	status, err := mgr.GetSlotStatus(args[0], args[1])
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(status)
}
