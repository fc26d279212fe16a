// Package delivery bridges notification aggregates to concrete channels
// and owns retry scheduling. It is the only writer of delivery attempts.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/metrics"
	"github.com/jmallet/pulse/internal/notification"
)

// Store is the persistence collaborator. nextAttemptAt is the time the
// notification becomes due again (first delivery, schedule, or retry);
// nil parks it until an explicit mutation.
type Store interface {
	Load(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	Save(ctx context.Context, n *notification.Notification, nextAttemptAt *time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*notification.Notification, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*notification.Notification, error)
}

// Config tunes the coordinator's poll loop.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
}

// Coordinator turns notifications into delivery attempts across the
// configured channels, records outcomes on the aggregate, and re-polls
// for scheduled work, due retries and expiries.
type Coordinator struct {
	store    Store
	adapters map[notification.Channel]ChannelAdapter
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a coordinator over the given channel adapters. Later
// adapters with a duplicate kind replace earlier ones.
func New(store Store, cfg Config, logger *zap.Logger, adapters ...ChannelAdapter) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}

	byKind := make(map[notification.Channel]ChannelAdapter, len(adapters))
	for _, a := range adapters {
		byKind[a.Kind()] = a
	}

	return &Coordinator{
		store:    store,
		adapters: byKind,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Submit accepts a notification for delivery. It persists the aggregate
// with its next due time; the poll loop performs the actual delivery, so
// submitters never block on channel sends.
func (c *Coordinator) Submit(ctx context.Context, n *notification.Notification) error {
	due := c.now()
	next := &due
	if n.ScheduledFor != nil && n.ScheduledFor.After(due) {
		next = n.ScheduledFor
	}

	if err := c.store.Save(ctx, n, next); err != nil {
		return fmt.Errorf("persist notification: %w", err)
	}

	c.publishEvents(n)
	metrics.RecordNotificationSubmitted(string(n.Category))
	c.logger.Info("notification submitted",
		zap.String("notification_id", n.ID.String()),
		zap.String("category", string(n.Category)),
		zap.Int("recipients", len(n.Recipients)),
		zap.Timep("scheduled_for", n.ScheduledFor),
	)
	return nil
}

// Get loads a notification by id.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	return c.store.Load(ctx, id)
}

// MarkRead records a read receipt and persists the aggregate.
func (c *Coordinator) MarkRead(ctx context.Context, id uuid.UUID, userID string) error {
	n, err := c.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := n.MarkAsRead(userID); err != nil {
		return err
	}
	metrics.RecordTerminalState(string(notification.StatusRead))
	return c.persist(ctx, n)
}

// TrackClick records a link click and persists the aggregate.
func (c *Coordinator) TrackClick(ctx context.Context, id uuid.UUID, url, userID string) error {
	n, err := c.store.Load(ctx, id)
	if err != nil {
		return err
	}
	if err := n.TrackLinkClick(url, userID); err != nil {
		return err
	}
	return c.persist(ctx, n)
}

// Run polls for due work until the context is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.logger.Info("delivery coordinator started",
		zap.Duration("poll_interval", c.cfg.PollInterval),
		zap.Int("batch_size", c.cfg.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("delivery coordinator stopping")
			return
		case <-ticker.C:
			c.processDue(ctx)
			c.processExpired(ctx)
		}
	}
}

func (c *Coordinator) processDue(ctx context.Context) {
	due, err := c.store.ListDue(ctx, c.now(), c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("failed to list due notifications", zap.Error(err))
		return
	}
	for _, n := range due {
		c.Deliver(ctx, n)
	}
}

func (c *Coordinator) processExpired(ctx context.Context) {
	expired, err := c.store.ListExpired(ctx, c.now(), c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("failed to list expired notifications", zap.Error(err))
		return
	}
	for _, n := range expired {
		// A due schedule is abandoned before the expiry takes effect.
		if n.Status == notification.StatusScheduled {
			_ = n.CancelScheduled()
		}
		if !n.Expire() {
			continue
		}
		metrics.RecordTerminalState(string(notification.StatusExpired))
		if err := c.store.Save(ctx, n, nil); err != nil {
			c.logger.Error("failed to persist expiry",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
			continue
		}
		c.publishEvents(n)
	}
}

// Deliver runs one delivery pass: per recipient, the first preferred
// channel with a configured adapter gets the attempt. Outcomes are
// recorded on the aggregate, which decides Delivered, Failed, or retry.
// Failed and Expired notifications are never retried.
func (c *Coordinator) Deliver(ctx context.Context, n *notification.Notification) {
	if n.Status.Terminal() || n.Status == notification.StatusDelivered {
		return
	}

	if n.Status == notification.StatusPending || n.Status == notification.StatusScheduled {
		if err := n.MarkAsSent(); err != nil {
			c.logger.Error("cannot mark notification sent",
				zap.String("notification_id", n.ID.String()),
				zap.Error(err),
			)
			return
		}
	}

	for _, recipient := range n.Recipients {
		attempt := c.attemptFor(ctx, n, recipient)
		n.RecordDeliveryAttempt(attempt)
		metrics.RecordDeliveryAttempt(string(attempt.Channel), string(attempt.Status))
		if n.Status == notification.StatusFailed {
			break
		}
	}

	if err := c.persist(ctx, n); err != nil {
		c.logger.Error("failed to persist delivery outcome",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
	}
}

// attemptFor selects the channel and performs one send for one recipient.
func (c *Coordinator) attemptFor(ctx context.Context, n *notification.Notification, r notification.Recipient) notification.DeliveryAttempt {
	adapter := c.adapterFor(r)
	if adapter == nil {
		return notification.DeliveryAttempt{
			Channel:  notification.ChannelInApp,
			At:       c.now().UTC(),
			Status:   notification.AttemptFailed,
			Response: fmt.Sprintf("no adapter for preferred channels of %s", r.UserID),
		}
	}

	outcome, err := adapter.Send(ctx, n, r)
	attempt := notification.DeliveryAttempt{
		Channel:    adapter.Kind(),
		At:         c.now().UTC(),
		Status:     outcome.Status,
		Response:   outcome.Response,
		ProviderID: outcome.ProviderID,
	}
	if err != nil {
		attempt.Status = notification.AttemptFailed
		attempt.Response = err.Error()
	}
	return attempt
}

func (c *Coordinator) adapterFor(r notification.Recipient) ChannelAdapter {
	channels := r.Channels
	if len(channels) == 0 {
		channels = []notification.Channel{notification.ChannelInApp}
	}
	for _, kind := range channels {
		if a, ok := c.adapters[kind]; ok {
			return a
		}
	}
	return nil
}

// persist writes the aggregate back, scheduling the retry slot when the
// aggregate asks for one.
func (c *Coordinator) persist(ctx context.Context, n *notification.Notification) error {
	var next *time.Time
	if n.ShouldRetry() {
		at := n.NextRetryTime()
		next = &at
		c.logger.Info("retry scheduled",
			zap.String("notification_id", n.ID.String()),
			zap.Time("next_attempt_at", at),
			zap.Int("attempts", len(n.Attempts)),
		)
	}
	if err := c.store.Save(ctx, n, next); err != nil {
		return err
	}
	c.publishEvents(n)
	return nil
}

func (c *Coordinator) publishEvents(n *notification.Notification) {
	for _, evt := range n.DrainEvents() {
		if evt.Kind == notification.EventDeliveryFailed {
			metrics.RecordTerminalState(string(notification.StatusFailed))
		}
		c.logger.Info("domain event",
			zap.String("event", string(evt.Kind)),
			zap.String("notification_id", evt.NotificationID.String()),
			zap.Any("fields", evt.Fields),
		)
	}
}
