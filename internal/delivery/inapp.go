package delivery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/notification"
	"github.com/jmallet/pulse/internal/wire"
)

// Pusher is the slice of the connection registry the in-app channel needs.
type Pusher interface {
	SendToUser(userID string, env wire.Envelope) int
}

// InAppAdapter pushes notifications to a recipient's live sessions through
// the connection registry. A recipient with no active session is a failed
// attempt, left to the retry schedule.
type InAppAdapter struct {
	pusher Pusher
	logger *zap.Logger
}

func NewInAppAdapter(pusher Pusher, logger *zap.Logger) *InAppAdapter {
	return &InAppAdapter{pusher: pusher, logger: logger}
}

func (a *InAppAdapter) Kind() notification.Channel { return notification.ChannelInApp }

func (a *InAppAdapter) Send(_ context.Context, n *notification.Notification, r notification.Recipient) (Outcome, error) {
	env := wire.NewEnvelope(wire.EnvelopeNotification, notificationPayload(n, r))

	delivered := a.pusher.SendToUser(r.UserID, env)
	if delivered == 0 {
		return Outcome{
			Status:   notification.AttemptFailed,
			Response: "no active sessions",
		}, nil
	}

	return Outcome{
		Status:   notification.AttemptSucceeded,
		Response: fmt.Sprintf("delivered to %d sessions", delivered),
	}, nil
}

// notificationPayload translates the aggregate into the outbound envelope
// payload, personalized per recipient.
func notificationPayload(n *notification.Notification, r notification.Recipient) map[string]any {
	payload := map[string]any{
		"id":       n.ID.String(),
		"kind":     string(n.Type),
		"category": string(n.Category),
		"priority": string(n.Priority),
		"subject":  n.PersonalizedSubject(r),
		"body":     n.PersonalizedContent(r),
	}
	if len(n.Tags) > 0 {
		payload["tags"] = n.Tags
	}
	if n.Related != nil {
		payload["related"] = map[string]any{
			"id":   n.Related.ID,
			"type": n.Related.Type,
		}
	}
	return payload
}
