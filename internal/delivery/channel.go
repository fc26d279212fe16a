package delivery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/notification"
)

// Outcome is the result of one channel send, wrapped into a
// DeliveryAttempt by the coordinator.
type Outcome struct {
	Status     notification.AttemptStatus
	Response   string
	ProviderID string
}

// ChannelAdapter is the contract for one delivery channel. External
// providers live behind this interface outside the core; the in-app
// channel is the only adapter implemented here.
type ChannelAdapter interface {
	Kind() notification.Channel
	Send(ctx context.Context, n *notification.Notification, r notification.Recipient) (Outcome, error)
}

// LogAdapter satisfies the adapter contract by logging instead of
// delivering. It stands in for external channels in development and tests.
type LogAdapter struct {
	kind   notification.Channel
	logger *zap.Logger
}

// NewLogAdapter builds a log-only adapter for the given channel kind.
func NewLogAdapter(kind notification.Channel, logger *zap.Logger) *LogAdapter {
	return &LogAdapter{kind: kind, logger: logger}
}

func (a *LogAdapter) Kind() notification.Channel { return a.kind }

func (a *LogAdapter) Send(_ context.Context, n *notification.Notification, r notification.Recipient) (Outcome, error) {
	a.logger.Info("logging notification (development mode)",
		zap.String("channel", string(a.kind)),
		zap.String("notification_id", n.ID.String()),
		zap.String("recipient", r.UserID),
		zap.String("subject", n.PersonalizedSubject(r)),
	)
	return Outcome{
		Status:     notification.AttemptSucceeded,
		ProviderID: fmt.Sprintf("log-%s", n.ID),
	}, nil
}
