package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/store"
)

// Sender mirrors the transport.Sender interface to avoid circular imports.
type Sender interface {
	Send(ctx context.Context, d *store.Delivery) error
	SupportsChannel(channel string) bool
}

// ProtectedSender wraps any Sender with a CircuitBreaker. When the
// provider behind it (SES, SNS) starts failing, the circuit opens and
// sends fail fast instead of piling up against a dead service.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts the delivery through the circuit breaker. If the
// circuit is open it returns ErrCircuitOpen immediately; the dispatcher
// treats that like any other transport failure and schedules a retry.
func (p *ProtectedSender) Send(ctx context.Context, d *store.Delivery) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected delivery",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("delivery_id", d.ID.String()),
			zap.String("channel", d.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, d)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
