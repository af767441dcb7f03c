// Package notify implements the Notifier capability for sending messages to
// an operator channel without depending on a concrete notification
// provider. The Agent Runner Manager is handed a Notifier at construction;
// neither the Dispatcher nor the runner pipeline calls Notify.
package notify

import "context"

// Notifier sends a single message to whatever channel it's configured
// for. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}
