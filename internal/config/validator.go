package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// ValidateConfig fails fast on configuration that would otherwise surface as
// a confusing runtime error deep inside the Dispatcher or Registry.
func ValidateConfig() error {
	var problems []string

	checkPositiveInt := func(key string) {
		if viper.IsSet(key) && viper.GetInt(key) <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %d", key, viper.GetInt(key)))
		}
	}

	checkPositiveInt("dispatcher.max_concurrency")
	checkPositiveInt("dispatcher.aging_interval_seconds")
	checkPositiveInt("dispatcher.deadlock_threshold_seconds")
	checkPositiveInt("dispatcher.heartbeat_stale_seconds")
	checkPositiveInt("dispatcher.initial_backoff_seconds")
	checkPositiveInt("dispatcher.max_backoff_seconds")
	checkPositiveInt("registry.spec_lock_timeout_seconds")
	checkPositiveInt("registry.lock_lease_seconds")
	checkPositiveInt("pool.max_allocation_hours")
	checkPositiveInt("runner.heartbeat_interval_seconds")
	checkPositiveInt("runner.llm_max_attempts")
	checkPositiveInt("runner.push_max_retries")
	checkPositiveInt("runner.default_task_timeout_seconds")

	if viper.GetInt("dispatcher.initial_backoff_seconds") > viper.GetInt("dispatcher.max_backoff_seconds") {
		problems = append(problems, "dispatcher.initial_backoff_seconds must not exceed dispatcher.max_backoff_seconds")
	}

	if viper.IsSet("metrics_port") {
		port := viper.GetInt("metrics_port")
		if port < 1 || port > 65535 {
			problems = append(problems, fmt.Sprintf("metrics_port must be between 1 and 65535, got %d", port))
		}
	}

	if len(problems) == 0 {
		return nil
	}

	msg := problems[0]
	for _, p := range problems[1:] {
		msg += "\n  " + p
	}
	return fmt.Errorf("configuration validation failed:\n  %s", msg)
}

// ValidateAndExit is a CLI-facing convenience wrapper: it prints the
// validation error to stderr and exits with status 1.
func ValidateAndExit() {
	if err := ValidateConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
