package events

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Handler processes one decoded event. A returned error leaves the
// message on the queue for redelivery; handlers must therefore be
// idempotent (the dedup keys downstream make them so).
type Handler interface {
	HandleEvent(ctx context.Context, ev *Event) error
}

// Config holds SQS consumer configuration.
type Config struct {
	Region   string
	QueueURL string
	// WaitTime is the long-poll duration, default 20s.
	WaitTime time.Duration
	// BatchSize is the max messages per receive, default 10.
	BatchSize int
}

// Consumer long-polls the domain event queue and hands decoded events
// to the handler.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	handler  Handler
	logger   *zap.Logger
	config   Config
}

// NewConsumer creates a new SQS event consumer.
func NewConsumer(ctx context.Context, cfg Config, handler Handler, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	if cfg.WaitTime == 0 {
		cfg.WaitTime = 20 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}

	logger.Info("sqs event consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		handler:  handler,
		logger:   logger,
		config:   cfg,
	}, nil
}

// Start consumes events until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("event consumer starting")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("event consumer stopping")
			return
		default:
		}

		if err := c.poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("event poll failed", zap.Error(err))
			time.Sleep(5 * time.Second)
		}
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: int32(c.config.BatchSize),
		WaitTimeSeconds:     int32(c.config.WaitTime.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("receive messages: %w", err)
	}

	for _, msg := range out.Messages {
		c.processMessage(ctx, msg)
	}
	return nil
}

func (c *Consumer) processMessage(ctx context.Context, msg types.Message) {
	ev, err := Decode([]byte(aws.ToString(msg.Body)))
	if err != nil {
		// Malformed events can never succeed; drop them from the queue
		// rather than redelivering forever.
		c.logger.Error("dropping malformed event", zap.Error(err))
		c.delete(ctx, msg)
		return
	}

	if err := c.handler.HandleEvent(ctx, ev); err != nil {
		c.logger.Error("event handler failed, leaving for redelivery",
			zap.Error(err),
			zap.String("event_id", ev.ID.String()),
			zap.String("kind", string(ev.Kind)),
		)
		return
	}

	c.delete(ctx, msg)
}

func (c *Consumer) delete(ctx context.Context, msg types.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		c.logger.Warn("failed to delete message", zap.Error(err))
	}
}
