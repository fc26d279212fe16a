package notification

import (
	"time"

	"github.com/google/uuid"
)

// EventKind names a domain event emitted by the aggregate.
type EventKind string

const (
	EventCreated           EventKind = "notification.created"
	EventDeliverySucceeded EventKind = "notification.delivery_succeeded"
	EventDeliveryFailed    EventKind = "notification.delivery_failed"
	EventExpired           EventKind = "notification.expired"
)

// Event is a domain event recorded during aggregate mutation. Events are
// buffered on the aggregate and drained by the coordinator; exhausted
// delivery surfaces here as EventDeliveryFailed rather than as an error
// to callers.
type Event struct {
	Kind           EventKind
	NotificationID uuid.UUID
	At             time.Time
	Fields         map[string]any
}
