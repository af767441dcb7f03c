package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/necrocode/necrocode/internal/config"
	"github.com/necrocode/necrocode/internal/ncerrors"
	"github.com/necrocode/necrocode/internal/telemetry"
)

var exit = os.Exit
var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "necrocode",
	Short:         "NecroCode: distributed build automation over LLM-driven agents",
	Long:          `NecroCode coordinates a Task Registry, a Repo Pool Manager, a Dispatcher, and stateless Agent Runners to carry a taskset from Ready tasks to merged branches.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func Execute() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n=== CRITICAL ERROR: Command Execution Panic ===\n")
			fmt.Fprintf(os.Stderr, "Error: %v\n", r)
			exit(3)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error's ncerrors.Kind to §6's CLI exit-code
// convention: 0 success, 1 user error, 2 transient (retry suggested),
// 3 fatal (investigate).
func exitCodeFor(err error) int {
	switch ncerrors.KindOf(err) {
	case ncerrors.Validation, ncerrors.NotFound, ncerrors.Conflict:
		return 1
	case ncerrors.ExternalTransient, ncerrors.ResourceExhausted, ncerrors.Timeout:
		return 2
	default:
		return 3
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default config.yaml in the working directory)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	config.Load(cfgFile)

	if err := config.ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		exit(1)
	}

	secretEnvVars := viper.GetStringSlice("secret_env_vars")
	telemetry.InitLogger(viper.GetBool("verbose"), "", secretEnvVars)

	go func() {
		port := viper.GetInt("metrics_port")
		if err := telemetry.StartMetricsServer(port); err != nil {
			telemetry.LogError("metrics server exited", err)
		}
	}()
}
