package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
)

// SlackNotifier posts messages to a single channel via the Slack Web API,
// using a bot token rather than an incoming webhook so the same client can
// later support reactions and threads if the Dispatcher needs them.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
}

// NewSlackNotifier builds a SlackNotifier from a bot token and target
// channel (name or ID).
func NewSlackNotifier(botToken, channelID string) *SlackNotifier {
	return &SlackNotifier{
		client:    slack.New(botToken),
		channelID: channelID,
	}
}

// Notify posts message to the configured channel.
func (s *SlackNotifier) Notify(ctx context.Context, message string) error {
	if s.channelID == "" {
		return fmt.Errorf("notify: slack channel is not configured")
	}
	_, _, err := s.client.PostMessageContext(ctx, s.channelID, slack.MsgOptionText(message, false))
	if err != nil {
		return fmt.Errorf("notify: slack post message: %w", err)
	}
	return nil
}
