package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes configuration from file, environment, and documented
// defaults for the aging, deadlock, lock, and heartbeat parameters spec.md
// §9's Open Questions leave to configuration.
func Load(cfgFile string) {
	if err := godotenv.Load(); err != nil {
		// .env is optional; absence is not an error.
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("NECRO")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Dispatcher defaults (spec.md §4.3)
	viper.SetDefault("dispatcher.max_concurrency", 8)
	viper.SetDefault("dispatcher.aging_interval_seconds", 300)
	viper.SetDefault("dispatcher.aging_max_delta", 5)
	viper.SetDefault("dispatcher.deadlock_threshold_seconds", 900)
	viper.SetDefault("dispatcher.auto_release_long_allocated", false)
	viper.SetDefault("dispatcher.heartbeat_stale_seconds", 120)
	viper.SetDefault("dispatcher.cancel_grace_seconds", 30)
	viper.SetDefault("dispatcher.initial_backoff_seconds", 5)
	viper.SetDefault("dispatcher.max_backoff_seconds", 300)
	viper.SetDefault("dispatcher.default_retry_budget", 0)

	// Registry / locking defaults (spec.md §5, §6)
	viper.SetDefault("registry.dir", "./data/registry")
	viper.SetDefault("registry.spec_lock_timeout_seconds", 30)
	viper.SetDefault("registry.lock_lease_seconds", 60)
	viper.SetDefault("registry.event_log_rotate_bytes", 100*1024*1024)
	viper.SetDefault("registry.sqlcache_path", "")

	// Pool defaults (spec.md §4.2)
	viper.SetDefault("pool.workspaces_dir", "./data/workspaces")
	viper.SetDefault("pool.max_allocation_hours", 6)
	viper.SetDefault("pool.lock_stale_seconds", 120)

	// Agent Runner defaults (spec.md §4.4)
	viper.SetDefault("runner.id", "")
	viper.SetDefault("runner.skills", []string{"go", "frontend", "backend"})
	viper.SetDefault("runner.heartbeat_interval_seconds", 30)
	viper.SetDefault("runner.llm_max_attempts", 5)
	viper.SetDefault("runner.llm_initial_backoff_seconds", 2)
	viper.SetDefault("runner.push_max_retries", 3)
	viper.SetDefault("runner.default_task_timeout_seconds", 1800)
	viper.SetDefault("runner.fail_fast", true)
	viper.SetDefault("runner.workspace_tree_depth", 3)
	viper.SetDefault("runner.execution_environment", "local")
	viper.SetDefault("runner.execution_image", "golang:1.25")

	// LLM provider defaults
	viper.SetDefault("llm.endpoint", "http://localhost:8081/v1/complete")
	viper.SetDefault("llm.model", "necrocode-default")
	viper.SetDefault("llm.max_tokens_default", 4096)

	// Artifact store defaults
	viper.SetDefault("artifacts.http_endpoint", "")
	viper.SetDefault("artifacts.local_dir", "./data/artifacts")

	// Ambient
	viper.SetDefault("metrics_port", 9464)
	viper.SetDefault("verbose", false)
	viper.SetDefault("git_default_branch", "main")
	viper.SetDefault("git_user_email", "necrocode-agent@example.com")
	viper.SetDefault("git_user_name", "NecroCode Agent")
	viper.SetDefault("secret_env_vars", []string{"NECRO_LLM_API_KEY", "NECRO_GIT_TOKEN", "SLACK_BOT_USER_TOKEN"})

	slackEnabled := os.Getenv("SLACK_BOT_USER_TOKEN") != ""
	viper.SetDefault("notifications.slack.enabled", slackEnabled)
	viper.SetDefault("notifications.slack.channel", "#necrocode")

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	} else if cfgFile == "" {
		if _, statErr := os.Stat("config.yaml"); os.IsNotExist(statErr) {
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
			viper.AddConfigPath(".")
			if writeErr := viper.SafeWriteConfig(); writeErr != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to create default config file: %v\n", writeErr)
			} else {
				fmt.Println("created default configuration file: config.yaml")
			}
		}
	}
}

// Duration reads key as an integer number of seconds and returns it as a
// time.Duration, so callers don't sprinkle viper.GetInt conversions
// through the core.
func Duration(key string) time.Duration {
	return time.Duration(viper.GetInt(key)) * time.Second
}
