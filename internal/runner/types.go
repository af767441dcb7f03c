// Package runner implements the Agent Runner: the stateless worker that
// executes a single task end-to-end against an allocated slot — prepare,
// invoke the LLM, apply edits, test, push, report (spec.md §4.4). A Manager
// holds a bounded pool of runner "lanes" per skill and implements the
// dispatcher.RunnerInvoker capability the Dispatcher depends on, so the two
// components never share a concrete type (spec.md §9's interface-abstraction
// mapping).
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/necrocode/necrocode/internal/artifacts"
	"github.com/necrocode/necrocode/internal/dispatcher"
	"github.com/necrocode/necrocode/internal/gitexec"
	"github.com/necrocode/necrocode/internal/llm"
	"github.com/necrocode/necrocode/internal/notify"
	"github.com/necrocode/necrocode/internal/registry"
)

// Completer is the slice of Dispatcher a runner needs: a way to report a
// task's outcome. Defined here (not imported as *dispatcher.Dispatcher) so
// the runner package depends only on the contract, per spec.md §9.
type Completer interface {
	CompleteTask(ctx context.Context, taskID string, failed bool, reason string) error
}

// Env is an execution-environment adapter (spec.md §4.4 "Execution
// environments"): the runner pipeline itself is indifferent to whether a
// shell command runs as a local subprocess, inside a container, or as a
// managed job. Implementations live in this package: LocalEnv, DockerEnv
// and K8sEnv.
type Env interface {
	// Run executes command in dir, returning captured stdout+stderr,
	// exit code, and wall time. Run must honor ctx cancellation by
	// terminating the underlying process group.
	Run(ctx context.Context, dir string, command []string, timeout time.Duration) (ExecResult, error)
}

// ExecResult is one command's observable outcome (spec.md §4.4 stage 5).
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Config holds the tunables named in spec.md §4.4 and §5, sourced from
// internal/config's runner.* namespace.
type Config struct {
	Skills             []string
	LanesPerSkill      int
	HeartbeatInterval  time.Duration
	PushMaxRetries     int
	DefaultTaskTimeout time.Duration
	FailFast           bool
	DefaultBranch      string
	GitUserName        string
	GitUserEmail       string
	GitTokenEnvVar     string
	Model              string
	MaxTokensDefault   int
	WorkspaceTreeDepth int
}

// Manager is the Agent Runner's process-local coordinator: it tracks idle
// lanes per skill, spawns one goroutine per dispatched task, and reports
// completion back to the Dispatcher through Completer.
type Manager struct {
	cfg       Config
	reg       *registry.Registry
	llmClient *llm.Client
	artifacts artifacts.Store
	env       Env
	git       *gitexec.Client
	notifier  notify.Notifier
	completer Completer
	runnerID  string

	mu        sync.Mutex
	lanes     map[string]int // skill -> lanes currently busy
	cancelFns map[string]context.CancelFunc
}

func New(cfg Config, reg *registry.Registry, llmClient *llm.Client, store artifacts.Store, env Env, notifier notify.Notifier, runnerID string) *Manager {
	if cfg.LanesPerSkill <= 0 {
		cfg.LanesPerSkill = 1
	}
	return &Manager{
		cfg:       cfg,
		reg:       reg,
		llmClient: llmClient,
		artifacts: store,
		env:       env,
		git:       gitexec.NewClient(),
		notifier:  notifier,
		runnerID:  runnerID,
		lanes:     make(map[string]int),
		cancelFns: make(map[string]context.CancelFunc),
	}
}

// SetCompleter wires the Dispatcher back-reference once both are
// constructed, breaking the Dispatcher<->Runner initialization cycle.
func (m *Manager) SetCompleter(c Completer) { m.completer = c }

var _ dispatcher.RunnerInvoker = (*Manager)(nil)
