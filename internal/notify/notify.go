// Package notify delivers client notifications produced by milestone billing
// rules. Delivery is fire-and-forget from the engine's point of view: a
// Dispatcher accepts a message and returns, and retries belong to whatever
// consumes the queue.
package notify

import (
	"context"

	"go.uber.org/zap"
)

// Dispatcher hands a message to the delivery channel.
type Dispatcher interface {
	Send(ctx context.Context, recipient, title, message string) error
}

// LogDispatcher writes messages to the log instead of delivering them. It is
// the dispatcher used when no queue is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLogDispatcher creates a LogDispatcher. A nil logger discards messages.
func NewLogDispatcher(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger}
}

// Send logs the message.
func (d *LogDispatcher) Send(_ context.Context, recipient, title, message string) error {
	d.logger.Info("notification",
		zap.String("recipient", recipient),
		zap.String("title", title),
		zap.String("message", message),
	)
	return nil
}
