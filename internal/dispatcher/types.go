// Package dispatcher implements the control loop that matches Ready tasks
// to available slots and idle runners, observes outcomes, and updates the
// Task Registry accordingly (spec.md §4.3).
package dispatcher

import (
	"context"
	"time"
)

// TaskContext is everything an Agent Runner needs to execute one task
// end-to-end, handed across the Dispatcher/Runner boundary (spec.md §4.4
// "Inputs").
type TaskContext struct {
	TaskID             string
	SpecName           string
	Title              string
	Description        string
	AcceptanceCriteria []string
	Dependencies       []string
	RequiredSkill      string
	SlotID             string
	SlotPath           string
	BranchName         string
	TestCommands       []string
	TimeoutSeconds     int
	RelatedFiles       []string
	MaxTokens          int
	PlaybookPath       string
}

// RunnerInvoker is the capability the Dispatcher depends on to actually run
// a task; the core only ever depends on this interface, never a concrete
// execution environment (local process, container, or job), mirroring the
// notifier-capability pattern used for outbound notifications.
type RunnerInvoker interface {
	// Dispatch starts task execution asynchronously and returns immediately.
	// The runner records progress (heartbeats) as Registry events and
	// reports completion by calling the Dispatcher's CompleteTask; the
	// Dispatcher does not block on Dispatch.
	Dispatch(ctx context.Context, tc TaskContext) error

	// IdleCount reports how many runners of the given skill are currently free
	// to accept work.
	IdleCount(skill string) int

	// Cancel asks a running task to abort cooperatively.
	Cancel(taskID string) error
}

// Config holds every tunable named in spec.md §4.3, sourced from
// internal/config's dispatcher.* namespace.
type Config struct {
	MaxConcurrency           int
	PerSkillLimit            map[string]int
	AgingInterval            time.Duration
	AgingMaxDelta            int
	DeadlockThreshold        time.Duration
	AutoReleaseLongAllocated bool
	HeartbeatStale           time.Duration
	CancelGrace              time.Duration
	InitialBackoff           time.Duration
	MaxBackoff               time.Duration
	DefaultRetryBudget       int
	MaxAllocationHours       int
}

// retryState tracks a single task's backoff schedule across Failed retries.
type retryState struct {
	attempts    int
	budget      int
	nextAttempt time.Time
	backoff     time.Duration
}

// inFlight tracks one dispatched task so the loop can check heartbeat
// freshness and know which slot to release on completion.
type inFlight struct {
	specName     string
	taskID       string
	slotID       string
	repoName     string
	skill        string
	dispatchedAt time.Time
}
