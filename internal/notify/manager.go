package notify

import (
	"context"
	"os"

	"github.com/spf13/viper"
)

// Manager fans a single Notify call out to every configured sink, logging
// (not failing) on a sink error so a broken webhook never fails the
// caller.
type Manager struct {
	sinks  []Notifier
	logger func(string, ...interface{})
}

// NewManager builds a Manager from configuration, wiring a SlackNotifier
// when notifications.slack.enabled is set and a bot token is present.
func NewManager(logger func(string, ...interface{})) *Manager {
	m := &Manager{logger: logger}

	if viper.GetBool("notifications.slack.enabled") {
		token := os.Getenv("SLACK_BOT_USER_TOKEN")
		channel := viper.GetString("notifications.slack.channel")
		if token == "" {
			m.logf("slack notifications enabled but SLACK_BOT_USER_TOKEN is not set; skipping")
		} else {
			m.sinks = append(m.sinks, NewSlackNotifier(token, channel))
		}
	}

	return m
}

func (m *Manager) logf(format string, args ...interface{}) {
	if m.logger != nil {
		m.logger(format, args...)
	}
}

// Notify sends message to every configured sink, collecting but not
// propagating individual sink failures.
func (m *Manager) Notify(ctx context.Context, message string) error {
	for _, sink := range m.sinks {
		if err := sink.Notify(ctx, message); err != nil {
			m.logf("notification sink failed: %v", err)
		}
	}
	return nil
}
