package runner

import (
	"context"

	"github.com/necrocode/necrocode/internal/dispatcher"
	"github.com/necrocode/necrocode/internal/ncerrors"
	"github.com/necrocode/necrocode/internal/registry"
	"github.com/necrocode/necrocode/internal/telemetry"
)

// Dispatch starts task execution asynchronously, satisfying
// dispatcher.RunnerInvoker. It returns as soon as the pipeline goroutine is
// launched; the Dispatcher observes progress through Registry events, not
// through this call blocking (spec.md §4.3 "Dispatching").
func (m *Manager) Dispatch(ctx context.Context, tc dispatcher.TaskContext) error {
	if !m.acquireLane(tc.RequiredSkill) {
		return ncerrors.New(ncerrors.ResourceExhausted, "runner.Dispatch", "no idle lane for skill "+tc.RequiredSkill)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancelFns[tc.TaskID] = cancel
	m.mu.Unlock()

	go func() {
		defer m.releaseLane(tc.RequiredSkill, tc.TaskID)
		outcome := m.runPipeline(runCtx, tc)
		if m.completer != nil {
			if err := m.completer.CompleteTask(context.Background(), tc.TaskID, outcome.failed, outcome.reason); err != nil {
				telemetry.LogError("failed to report task completion", err, "task", tc.TaskID)
			}
		}
	}()
	return nil
}

// IdleCount reports how many lanes of the given skill are free, satisfying
// dispatcher.RunnerInvoker.
func (m *Manager) IdleCount(skill string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg.LanesPerSkill - m.lanes[skill]
}

// Cancel asks a running task to abort cooperatively (spec.md §5
// "Cancellation"), satisfying dispatcher.RunnerInvoker.
func (m *Manager) Cancel(taskID string) error {
	m.mu.Lock()
	cancel, ok := m.cancelFns[taskID]
	m.mu.Unlock()
	if !ok {
		return ncerrors.New(ncerrors.NotFound, "runner.Cancel", "task not running: "+taskID)
	}
	cancel()
	return nil
}

func (m *Manager) acquireLane(skill string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lanes[skill] >= m.cfg.LanesPerSkill {
		return false
	}
	m.lanes[skill]++
	return true
}

func (m *Manager) releaseLane(skill, taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lanes[skill] > 0 {
		m.lanes[skill]--
	}
	delete(m.cancelFns, taskID)
}

// recordEvent is a small convenience wrapper so pipeline stages don't all
// repeat the spec_name/task_id pair.
func (m *Manager) recordEvent(tc dispatcher.TaskContext, eventType registry.EventType, details registry.Metadata) {
	if err := m.reg.RecordEvent(tc.SpecName, tc.TaskID, eventType, details); err != nil {
		telemetry.LogError("failed to record event", err, "task", tc.TaskID, "event", eventType)
	}
}
