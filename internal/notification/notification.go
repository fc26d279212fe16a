// Package notification holds the notification aggregate: recipients,
// content, scheduling, delivery-attempt history, retry policy, and the
// status state machine. All mutation goes through aggregate methods.
package notification

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Status is the delivery lifecycle state of a notification.
//
// Transitions:
//
//	Pending -> Scheduled -> Sent -> Delivered -> Read
//	Pending/Scheduled/Sent -> Failed   (retries exhausted)
//	Pending -> Expired                 (expiry reached while pending)
//
// Read, Failed and Expired are terminal. Engagement tracking stays valid
// after delivery; everything else is frozen in a terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further status transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusFailed || s == StatusExpired
}

// Channel identifies a delivery channel kind.
type Channel string

const (
	ChannelInApp   Channel = "in_app"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
)

// Type classifies the intent of a notification.
type Type string

const (
	TypeInfo           Type = "info"
	TypeReminder       Type = "reminder"
	TypeActionRequired Type = "action_required"
	TypeAlert          Type = "alert"
)

// Category names the business area a notification belongs to.
type Category string

const (
	CategoryContract   Category = "contract"
	CategoryCompliance Category = "compliance"
	CategoryTeam       Category = "team"
	CategoryBilling    Category = "billing"
	CategorySystem     Category = "system"
)

// Priority orders notifications for display and channel selection.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Recipient is an immutable addressee of a notification. Channels lists the
// recipient's preferred channel kinds in order.
type Recipient struct {
	UserID      string    `json:"user_id" validate:"required"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty" validate:"omitempty,email"`
	Phone       string    `json:"phone,omitempty"`
	Channels    []Channel `json:"channels,omitempty"`
	Timezone    string    `json:"timezone,omitempty"`
}

// AttemptStatus is the outcome of one delivery attempt.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// DeliveryAttempt records one concrete try at pushing the notification
// through one channel. Attempts are append-only.
type DeliveryAttempt struct {
	Channel    Channel       `json:"channel"`
	At         time.Time     `json:"at"`
	Status     AttemptStatus `json:"status"`
	Response   string        `json:"response,omitempty"`
	ProviderID string        `json:"provider_id,omitempty"`
}

// LinkClick is one tracked engagement event.
type LinkClick struct {
	URL    string    `json:"url"`
	UserID string    `json:"user_id"`
	At     time.Time `json:"at"`
}

// EntityRef points at the business entity a notification is about.
type EntityRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

const (
	// DefaultExpiry is applied when no expiry is supplied at creation.
	DefaultExpiry = 30 * 24 * time.Hour

	// DefaultMaxAttempts bounds the delivery-attempt count before the
	// notification is declared Failed.
	DefaultMaxAttempts = 3

	// MaxRecipients caps the recipient list of a single notification.
	MaxRecipients = 1000
)

// retryBackoff is the fixed progressive delay table between attempts.
// The last entry repeats if more attempts remain.
var retryBackoff = []time.Duration{
	5 * time.Minute,
	30 * time.Minute,
	120 * time.Minute,
}

var (
	// ErrValidation rejects creation or mutation that would break an
	// invariant. The aggregate is left unchanged.
	ErrValidation = errors.New("notification validation failed")

	// ErrInvalidTransition rejects an operation not allowed in the
	// current status.
	ErrInvalidTransition = errors.New("invalid status transition")
)

var validate = validator.New()

// Notification is the aggregate root. It owns its recipient list, attempt
// history and engagement data outright; nothing outside this package
// mutates fields directly.
type Notification struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	Category  Category  `json:"category"`
	Priority  Priority  `json:"priority"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	CreatorID string    `json:"creator_id"`

	Recipients []Recipient       `json:"recipients"`
	Variables  map[string]string `json:"variables,omitempty"`
	Related    *EntityRef        `json:"related,omitempty"`
	Tags       []string          `json:"tags,omitempty"`

	Status      Status     `json:"status"`
	MaxAttempts int        `json:"max_attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`

	Attempts     []DeliveryAttempt `json:"attempts,omitempty"`
	SuccessCount int               `json:"success_count"`
	FailureCount int               `json:"failure_count"`

	ReadAt *time.Time  `json:"read_at,omitempty"`
	ReadBy string      `json:"read_by,omitempty"`
	Clicks []LinkClick `json:"clicks,omitempty"`

	events []Event
}

// CreateParams carries everything needed to build a notification.
type CreateParams struct {
	Type        Type
	Category    Category          `validate:"required"`
	Priority    Priority
	Subject     string            `validate:"required,max=200"`
	Body        string            `validate:"required,max=10000"`
	CreatorID   string            `validate:"required"`
	Recipients  []Recipient       `validate:"required,min=1,max=1000,dive"`
	Variables   map[string]string
	Related     *EntityRef
	Tags        []string
	ExpiresAt   time.Time
	MaxAttempts int
}

// Create validates params and builds a Pending notification, emitting a
// creation event. There is no partial construction: any invariant
// violation returns ErrValidation and nothing else happens.
func Create(p CreateParams) (*Notification, error) {
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := time.Now().UTC()
	expires := p.ExpiresAt
	if expires.IsZero() {
		expires = now.Add(DefaultExpiry)
	}
	if expires.Before(now) {
		return nil, fmt.Errorf("%w: expiry %s is before creation time", ErrValidation, expires)
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	typ := p.Type
	if typ == "" {
		typ = TypeInfo
	}
	priority := p.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	recipients := make([]Recipient, len(p.Recipients))
	copy(recipients, p.Recipients)

	n := &Notification{
		ID:          uuid.New(),
		Type:        typ,
		Category:    p.Category,
		Priority:    priority,
		Subject:     p.Subject,
		Body:        p.Body,
		CreatorID:   p.CreatorID,
		Recipients:  recipients,
		Variables:   p.Variables,
		Related:     p.Related,
		Tags:        p.Tags,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		ExpiresAt:   expires,
	}

	n.emit(EventCreated, map[string]any{
		"recipient_count": len(n.Recipients),
		"category":        string(n.Category),
	})

	return n, nil
}

// ScheduleFor defers delivery to a future time. Only valid while Pending;
// the time must be strictly in the future and strictly before expiry.
func (n *Notification) ScheduleFor(t time.Time) error {
	if n.Status != StatusPending {
		return fmt.Errorf("%w: cannot schedule from %s", ErrInvalidTransition, n.Status)
	}
	if !t.After(time.Now()) {
		return fmt.Errorf("%w: schedule time %s is in the past", ErrValidation, t)
	}
	if !t.Before(n.ExpiresAt) {
		return fmt.Errorf("%w: schedule time %s is at or after expiry %s", ErrValidation, t, n.ExpiresAt)
	}
	st := t
	n.ScheduledFor = &st
	n.Status = StatusScheduled
	return nil
}

// CancelScheduled clears a pending schedule. Rejected once the
// notification has reached Sent.
func (n *Notification) CancelScheduled() error {
	switch n.Status {
	case StatusPending, StatusScheduled:
		n.ScheduledFor = nil
		n.Status = StatusPending
		return nil
	default:
		return fmt.Errorf("%w: cannot cancel schedule from %s", ErrInvalidTransition, n.Status)
	}
}

// MarkAsSent records that delivery has been handed to at least one
// channel. Valid from Pending or its Scheduled pass-through.
func (n *Notification) MarkAsSent() error {
	if n.Status != StatusPending && n.Status != StatusScheduled {
		return fmt.Errorf("%w: cannot mark sent from %s", ErrInvalidTransition, n.Status)
	}
	now := time.Now().UTC()
	n.SentAt = &now
	n.Status = StatusSent
	return nil
}

// RecordDeliveryAttempt appends an attempt to the history unconditionally;
// the audit trail is never lost. A success moves the notification to
// Delivered unless it is already past Sent. A failure that exhausts
// MaxAttempts moves it to Failed; earlier failures leave the status alone
// so retry logic can act.
func (n *Notification) RecordDeliveryAttempt(a DeliveryAttempt) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	n.Attempts = append(n.Attempts, a)

	if a.Status == AttemptSucceeded {
		n.SuccessCount++
		switch n.Status {
		case StatusPending, StatusScheduled, StatusSent:
			at := a.At
			n.DeliveredAt = &at
			n.Status = StatusDelivered
			n.emit(EventDeliverySucceeded, map[string]any{
				"channel":  string(a.Channel),
				"attempts": len(n.Attempts),
			})
		}
		return
	}

	n.FailureCount++
	if len(n.Attempts) < n.MaxAttempts {
		return
	}
	switch n.Status {
	case StatusPending, StatusScheduled, StatusSent:
		n.Status = StatusFailed
		n.emit(EventDeliveryFailed, map[string]any{
			"channel":  string(a.Channel),
			"attempts": len(n.Attempts),
			"failures": n.FailureCount,
		})
	}
}

// ShouldRetry reports whether another delivery attempt is warranted:
// non-terminal, at least one failure, attempts remaining, not expired.
func (n *Notification) ShouldRetry() bool {
	if n.Status != StatusPending && n.Status != StatusSent {
		return false
	}
	if n.FailureCount == 0 {
		return false
	}
	if len(n.Attempts) >= n.MaxAttempts {
		return false
	}
	return time.Now().Before(n.ExpiresAt)
}

// NextRetryTime applies the fixed backoff table to the later of sent-at
// and the last attempt's timestamp.
func (n *Notification) NextRetryTime() time.Time {
	base := n.CreatedAt
	if n.SentAt != nil && n.SentAt.After(base) {
		base = *n.SentAt
	}
	if len(n.Attempts) > 0 {
		if last := n.Attempts[len(n.Attempts)-1].At; last.After(base) {
			base = last
		}
	}

	idx := len(n.Attempts) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(retryBackoff) {
		idx = len(retryBackoff) - 1
	}
	return base.Add(retryBackoff[idx])
}

// MarkAsRead records which user read the notification and when. Only valid
// once the notification has actually gone out (Sent or Delivered).
func (n *Notification) MarkAsRead(userID string) error {
	if n.Status != StatusSent && n.Status != StatusDelivered {
		return fmt.Errorf("%w: cannot mark read from %s", ErrInvalidTransition, n.Status)
	}
	now := time.Now().UTC()
	n.ReadAt = &now
	n.ReadBy = userID
	n.Status = StatusRead
	return nil
}

// TrackLinkClick appends an engagement event. Valid in any state except
// Failed and Expired; it never changes the status.
func (n *Notification) TrackLinkClick(url, userID string) error {
	if n.Status == StatusFailed || n.Status == StatusExpired {
		return fmt.Errorf("%w: cannot track clicks on a %s notification", ErrInvalidTransition, n.Status)
	}
	n.Clicks = append(n.Clicks, LinkClick{
		URL:    url,
		UserID: userID,
		At:     time.Now().UTC(),
	})
	return nil
}

// Expire moves a Pending notification to Expired. It reports whether a
// transition happened; in any other state it is a no-op.
func (n *Notification) Expire() bool {
	if n.Status != StatusPending {
		return false
	}
	n.Status = StatusExpired
	n.emit(EventExpired, map[string]any{
		"expired_at": n.ExpiresAt,
	})
	return true
}

func (n *Notification) emit(kind EventKind, fields map[string]any) {
	n.events = append(n.events, Event{
		Kind:           kind,
		NotificationID: n.ID,
		At:             time.Now().UTC(),
		Fields:         fields,
	})
}

// DrainEvents returns and clears the events accumulated since the last
// drain. The caller owns publication.
func (n *Notification) DrainEvents() []Event {
	evs := n.events
	n.events = nil
	return evs
}
