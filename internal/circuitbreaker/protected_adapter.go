package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jmallet/pulse/internal/delivery"
	"github.com/jmallet/pulse/internal/notification"
)

// ProtectedAdapter wraps a channel adapter with a circuit breaker.
// While the circuit is open, sends return ErrCircuitOpen without
// touching the channel; the coordinator records the failed attempt and
// the retry schedule takes over.
//
// Only transport errors count against the breaker. A failed Outcome
// with a nil error (a recipient with no active sessions, say) is a
// recipient-side condition, not a channel outage.
type ProtectedAdapter struct {
	adapter delivery.ChannelAdapter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// Protect wraps an adapter with circuit breaker protection.
func Protect(adapter delivery.ChannelAdapter, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{
		adapter: adapter,
		breaker: breaker,
		logger:  logger,
	}
}

func (p *ProtectedAdapter) Kind() notification.Channel {
	return p.adapter.Kind()
}

func (p *ProtectedAdapter) Send(ctx context.Context, n *notification.Notification, r notification.Recipient) (delivery.Outcome, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("notification_id", n.ID.String()),
			zap.String("recipient", r.UserID),
			zap.String("state", p.breaker.GetState().String()),
		)
		return delivery.Outcome{}, fmt.Errorf("%w: %s channel unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	outcome, err := p.adapter.Send(ctx, n, r)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return outcome, err
	}

	p.breaker.RecordSuccess()
	return outcome, nil
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedAdapter) Breaker() *CircuitBreaker {
	return p.breaker
}
