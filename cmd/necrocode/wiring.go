package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/necrocode/necrocode/internal/artifacts"
	"github.com/necrocode/necrocode/internal/config"
	"github.com/necrocode/necrocode/internal/dispatcher"
	"github.com/necrocode/necrocode/internal/docker"
	"github.com/necrocode/necrocode/internal/k8s"
	"github.com/necrocode/necrocode/internal/llm"
	"github.com/necrocode/necrocode/internal/notify"
	"github.com/necrocode/necrocode/internal/pool"
	"github.com/necrocode/necrocode/internal/registry"
	"github.com/necrocode/necrocode/internal/runner"
	"github.com/necrocode/necrocode/internal/telemetry"
)

// core bundles the four subsystems once wired together, for the
// subcommands that need more than just the registry.
type core struct {
	reg        *registry.Registry
	poolMgr    *pool.Manager
	dispatcher *dispatcher.Dispatcher
	runner     *runner.Manager
}

// openRegistry opens just the Task Registry, for the lightweight
// read/write subcommands (submit, tasksets, task, graph).
func openRegistry() (*registry.Registry, error) {
	dir := viper.GetString("registry.dir")
	if dir == "" {
		dir = "./data/registry"
	}
	return registry.New(dir, viper.GetInt64("registry.event_log_rotate_bytes"))
}

// openPool opens just the Repo Pool Manager, for the pool subcommands.
func openPool() (*pool.Manager, error) {
	dir := viper.GetString("pool.workspaces_dir")
	if dir == "" {
		dir = "./data/workspaces"
	}
	return pool.NewManager(dir, config.Duration("pool.lock_stale_seconds"), 0)
}

// buildCore wires Registry, Pool Manager, Dispatcher, and Agent Runner
// together for the `serve` command, following the Completer/RunnerInvoker
// back-reference pattern: the Dispatcher is constructed first with a nil
// runner, the Runner is constructed against it, then SetRunner/SetCompleter
// close the loop.
func buildCore() (*core, error) {
	reg, err := openRegistry()
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	poolMgr, err := openPool()
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	dispCfg := dispatcher.Config{
		MaxConcurrency:           viper.GetInt("dispatcher.max_concurrency"),
		AgingInterval:            config.Duration("dispatcher.aging_interval_seconds"),
		AgingMaxDelta:            viper.GetInt("dispatcher.aging_max_delta"),
		DeadlockThreshold:        config.Duration("dispatcher.deadlock_threshold_seconds"),
		AutoReleaseLongAllocated: viper.GetBool("dispatcher.auto_release_long_allocated"),
		HeartbeatStale:           config.Duration("dispatcher.heartbeat_stale_seconds"),
		CancelGrace:              config.Duration("dispatcher.cancel_grace_seconds"),
		InitialBackoff:           config.Duration("dispatcher.initial_backoff_seconds"),
		MaxBackoff:               config.Duration("dispatcher.max_backoff_seconds"),
		DefaultRetryBudget:       viper.GetInt("dispatcher.default_retry_budget"),
		MaxAllocationHours:       viper.GetInt("pool.max_allocation_hours"),
	}
	disp := dispatcher.New(reg, poolMgr, nil, dispCfg)

	store, err := buildArtifactStore()
	if err != nil {
		return nil, fmt.Errorf("build artifact store: %w", err)
	}
	llmClient := llm.NewClient(llm.Config{
		Endpoint:       viper.GetString("llm.endpoint"),
		APIKeyEnvVar:   "NECRO_LLM_API_KEY",
		Model:          viper.GetString("llm.model"),
		MaxAttempts:    viper.GetInt("runner.llm_max_attempts"),
		InitialBackoff: config.Duration("runner.llm_initial_backoff_seconds"),
	})
	env, err := buildExecEnv()
	if err != nil {
		return nil, fmt.Errorf("build execution environment: %w", err)
	}
	notifier := notify.NewManager(telemetry.LogInfof)

	runnerCfg := runner.Config{
		Skills:             viper.GetStringSlice("runner.skills"),
		LanesPerSkill:      viper.GetInt("dispatcher.max_concurrency"),
		HeartbeatInterval:  config.Duration("runner.heartbeat_interval_seconds"),
		PushMaxRetries:     viper.GetInt("runner.push_max_retries"),
		DefaultTaskTimeout: config.Duration("runner.default_task_timeout_seconds"),
		FailFast:           viper.GetBool("runner.fail_fast"),
		DefaultBranch:      viper.GetString("git_default_branch"),
		GitUserName:        viper.GetString("git_user_name"),
		GitUserEmail:       viper.GetString("git_user_email"),
		GitTokenEnvVar:     "NECRO_GIT_TOKEN",
		Model:              viper.GetString("llm.model"),
		MaxTokensDefault:   viper.GetInt("llm.max_tokens_default"),
		WorkspaceTreeDepth: viper.GetInt("runner.workspace_tree_depth"),
	}
	runnerID := viper.GetString("runner.id")
	if runnerID == "" {
		runnerID = uuid.NewString()
	}
	runMgr := runner.New(runnerCfg, reg, llmClient, store, env, notifier, runnerID)
	runMgr.SetCompleter(disp)
	disp.SetRunner(runMgr)

	return &core{reg: reg, poolMgr: poolMgr, dispatcher: disp, runner: runMgr}, nil
}

func buildArtifactStore() (artifacts.Store, error) {
	endpoint := viper.GetString("artifacts.http_endpoint")
	if endpoint != "" {
		return artifacts.NewHTTPStore(endpoint), nil
	}
	root := viper.GetString("artifacts.local_dir")
	if root == "" {
		root = "./data/artifacts"
	}
	return artifacts.NewLocalStore(root)
}

func buildExecEnv() (runner.Env, error) {
	image := viper.GetString("runner.execution_image")
	switch viper.GetString("runner.execution_environment") {
	case "docker":
		dc, err := docker.NewClient()
		if err != nil {
			return nil, fmt.Errorf("docker client: %w", err)
		}
		return runner.NewDockerEnv(dc, image), nil
	case "k8s":
		kc, err := k8s.NewClient()
		if err != nil {
			return nil, fmt.Errorf("k8s client: %w", err)
		}
		return runner.NewK8sEnv(kc, image, nil), nil
	default:
		return runner.NewLocalEnv(), nil
	}
}
