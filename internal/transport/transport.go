// Package transport delivers rendered messages over the outbound
// channels. Senders consume fully rendered deliveries; no templating
// happens at this layer.
package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/store"
)

// Sender is the unified interface for all outbound channels.
// Implementations: email (SES), SMS (SNS), log (development).
type Sender interface {
	Send(ctx context.Context, d *store.Delivery) error
	SupportsChannel(channel string) bool
}

// MultiSender routes deliveries to the first sender that supports the
// delivery's channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple underlying senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the delivery to the appropriate sender based on channel.
func (m *MultiSender) Send(ctx context.Context, d *store.Delivery) error {
	for _, sender := range m.senders {
		if sender.SupportsChannel(d.Channel) {
			m.logger.Debug("routing delivery to sender",
				zap.String("channel", d.Channel),
				zap.String("delivery_id", d.ID.String()),
			)
			return sender.Send(ctx, d)
		}
	}
	return fmt.Errorf("no sender found for channel: %s", d.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs deliveries instead of sending them, for development
// and tests.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, d *store.Delivery) error {
	fields := []zap.Field{
		zap.String("id", d.ID.String()),
		zap.String("channel", d.Channel),
		zap.String("recipient", d.Recipient),
		zap.String("body", d.RenderedBody),
	}
	if d.RenderedSubject != nil {
		fields = append(fields, zap.String("subject", *d.RenderedSubject))
	}
	s.logger.Info("logging delivery (development mode)", fields...)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == store.ChannelEmail || channel == store.ChannelSMS
}
