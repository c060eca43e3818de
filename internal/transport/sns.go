package transport

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/store"
)

// SNSSender sends SMS deliveries via AWS SNS.
type SNSSender struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS deliveries.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSSender{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send sends an SMS delivery via AWS SNS.
func (s *SNSSender) Send(ctx context.Context, d *store.Delivery) error {
	if d.Channel != store.ChannelSMS {
		return fmt.Errorf("SNS sender only supports SMS, got: %s", d.Channel)
	}
	if d.Recipient == "" {
		return fmt.Errorf("SMS delivery missing recipient")
	}
	if d.RenderedBody == "" {
		return fmt.Errorf("SMS delivery missing body")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(d.Recipient),
		Message:     aws.String(d.RenderedBody),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("id", d.ID.String()),
		zap.String("phone_number", d.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SNSSender) SupportsChannel(channel string) bool {
	return channel == store.ChannelSMS
}
