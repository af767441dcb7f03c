package runner

import (
	"context"
	"time"

	"github.com/necrocode/necrocode/internal/dispatcher"
	"github.com/necrocode/necrocode/internal/registry"
)

// startHeartbeat emits a RunnerHeartbeat event on interval until ctx is
// done, for the long-running stages (LLM invoke, test run) the Dispatcher
// watches for staleness (spec.md §4.4 "heartbeats during long stages").
// The caller must call the returned stop function when the stage finishes.
func (m *Manager) startHeartbeat(ctx context.Context, tc dispatcher.TaskContext) (stop func()) {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				m.recordEvent(tc, registry.EventRunnerHeartbeat, nil)
			}
		}
	}()
	return func() { close(stopCh) }
}
