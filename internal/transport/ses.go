package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/store"
)

// SESSender sends email deliveries via AWS SES.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
	FromName  string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}

	from := cfg.FromEmail
	if cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", cfg.FromName, cfg.FromEmail)
	}

	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   from,
		logger: logger,
	}, nil
}

// Send sends an email delivery via AWS SES.
func (s *SESSender) Send(ctx context.Context, d *store.Delivery) error {
	if d.Channel != store.ChannelEmail {
		return fmt.Errorf("SES sender only supports email, got: %s", d.Channel)
	}
	if d.Recipient == "" {
		return fmt.Errorf("email delivery missing recipient")
	}
	if d.RenderedBody == "" {
		return fmt.Errorf("email delivery missing body")
	}

	subject := ""
	if d.RenderedSubject != nil {
		subject = *d.RenderedSubject
	}

	body := &types.Body{}
	// Rendering prefers the HTML part of a template when one exists, so
	// the body may be markup or plain text.
	if strings.Contains(d.RenderedBody, "</") {
		body.Html = &types.Content{
			Data:    aws.String(d.RenderedBody),
			Charset: aws.String("UTF-8"),
		}
	} else {
		body.Text = &types.Content{
			Data:    aws.String(d.RenderedBody),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{d.Recipient},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: body,
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("id", d.ID.String()),
		zap.String("to", d.Recipient),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == store.ChannelEmail
}
