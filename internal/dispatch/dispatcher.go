// Package dispatch drains the delivery queue: it claims due deliveries,
// applies campaign throttles, hands them to transport, and applies the
// retry policy on failure.
package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/metrics"
	"github.com/campreserv/outreach/internal/store"
	"github.com/campreserv/outreach/internal/transport"
)

// Repository is the delivery persistence surface the dispatcher needs.
type Repository interface {
	ClaimDue(ctx context.Context, now time.Time, limit, maxAttempts int) ([]*store.Delivery, error)
	Release(ctx context.Context, id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID) error
	MarkSent(ctx context.Context, id uuid.UUID, attempt int) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempt int, errorMsg string, retryAt *time.Time) error
}

// CampaignSource looks up campaign state for throttle and cancellation
// checks.
type CampaignSource interface {
	Get(ctx context.Context, id uuid.UUID) (*store.Campaign, error)
}

// Guard is the cross-process duplicate-send barrier.
type Guard interface {
	Acquire(ctx context.Context, deliveryID uuid.UUID) (bool, error)
	Release(ctx context.Context, deliveryID uuid.UUID) error
}

// Throttle limits campaign send rates.
type Throttle interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// Config holds dispatcher tuning.
type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts is the total transport attempts per delivery. The
	// default of 2 gives every delivery exactly one retry.
	MaxAttempts int
	// RetryDelay is how long a failed delivery waits before its retry.
	RetryDelay time.Duration
}

// Dispatcher is the queue drain loop.
type Dispatcher struct {
	repo      Repository
	campaigns CampaignSource
	sender    transport.Sender
	guard     Guard
	throttle  Throttle
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a Dispatcher. guard and throttle may be nil in tests or
// single-process deployments; the database claim alone is then the only
// duplicate barrier and campaigns send unthrottled.
func New(repo Repository, campaigns CampaignSource, sender transport.Sender, guard Guard, throttle Throttle, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Minute
	}

	return &Dispatcher{
		repo:      repo,
		campaigns: campaigns,
		sender:    sender,
		guard:     guard,
		throttle:  throttle,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Start polls for due deliveries until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher starting",
		zap.Duration("poll_interval", d.config.PollInterval),
		zap.Int("batch_size", d.config.BatchSize),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case <-ticker.C:
			d.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch claims and drains one batch of due deliveries.
func (d *Dispatcher) ProcessBatch(ctx context.Context) {
	claimed, err := d.repo.ClaimDue(ctx, d.now(), d.config.BatchSize, d.config.MaxAttempts)
	if err != nil {
		d.logger.Error("failed to claim due deliveries", zap.Error(err))
		return
	}
	if len(claimed) == 0 {
		return
	}

	// Campaigns are looked up once per batch; the claim keeps batches
	// small enough that staleness within a batch doesn't matter.
	campaignCache := map[uuid.UUID]*store.Campaign{}

	for _, delivery := range claimed {
		d.process(ctx, delivery, campaignCache)
	}
}

func (d *Dispatcher) process(ctx context.Context, delivery *store.Delivery, campaignCache map[uuid.UUID]*store.Campaign) {
	if delivery.SourceCampaignID != nil {
		campaign := d.campaignFor(ctx, *delivery.SourceCampaignID, campaignCache)

		if campaign != nil && campaign.Status == store.CampaignCancelled {
			if err := d.repo.Cancel(ctx, delivery.ID); err != nil {
				d.logger.Error("failed to cancel delivery of cancelled campaign",
					zap.Error(err),
					zap.String("delivery_id", delivery.ID.String()),
				)
			}
			return
		}

		if campaign != nil && campaign.BatchPerMinute != nil && d.throttle != nil {
			allowed, err := d.throttle.Allow(ctx, "campaign:"+campaign.ID.String(), *campaign.BatchPerMinute)
			if err != nil {
				d.logger.Error("throttle check failed", zap.Error(err))
				// Fall through and send; a redis outage must not stall
				// the queue.
			} else if !allowed {
				// Window exhausted: give the claim back, the next poll
				// retries it.
				metrics.RecordThrottleDeferral()
				if err := d.repo.Release(ctx, delivery.ID); err != nil {
					d.logger.Error("failed to release throttled delivery",
						zap.Error(err),
						zap.String("delivery_id", delivery.ID.String()),
					)
				}
				return
			}
		}
	}

	if d.guard != nil {
		acquired, err := d.guard.Acquire(ctx, delivery.ID)
		if err != nil {
			d.logger.Error("send guard unavailable, proceeding on database claim",
				zap.Error(err),
				zap.String("delivery_id", delivery.ID.String()),
			)
		} else if !acquired {
			// Another replica holds the claim and will finalize the row.
			d.logger.Warn("delivery already claimed by another dispatcher",
				zap.String("delivery_id", delivery.ID.String()),
			)
			return
		}
	}

	err := d.sender.Send(ctx, delivery)
	attempt := delivery.Attempt + 1

	if err != nil {
		d.handleFailure(ctx, delivery, attempt, err)
		return
	}

	if err := d.repo.MarkSent(ctx, delivery.ID, attempt); err != nil {
		d.logger.Error("delivery sent but not recorded",
			zap.Error(err),
			zap.String("delivery_id", delivery.ID.String()),
		)
		return
	}

	metrics.RecordDeliveryProcessed(store.StatusSent, delivery.Channel)
	metrics.RecordDeliveryLatency(delivery.Channel, d.now().Sub(delivery.ScheduledAt))

	d.logger.Info("delivery sent",
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("channel", delivery.Channel),
		zap.Int("attempt", attempt),
	)
}

func (d *Dispatcher) handleFailure(ctx context.Context, delivery *store.Delivery, attempt int, sendErr error) {
	d.logger.Error("failed to send delivery",
		zap.Error(sendErr),
		zap.String("delivery_id", delivery.ID.String()),
		zap.String("channel", delivery.Channel),
		zap.Int("attempt", attempt),
	)

	if d.guard != nil {
		// Free the claim so the retry is not blocked by the TTL.
		if err := d.guard.Release(ctx, delivery.ID); err != nil {
			d.logger.Warn("failed to release send claim", zap.Error(err))
		}
	}

	var retryAt *time.Time
	if attempt < d.config.MaxAttempts {
		at := d.now().Add(d.config.RetryDelay)
		retryAt = &at
	} else {
		metrics.RecordDeliveryProcessed(store.StatusFailed, delivery.Channel)
		d.logger.Warn("delivery failed terminally",
			zap.String("delivery_id", delivery.ID.String()),
			zap.Int("attempts", attempt),
		)
	}

	if err := d.repo.MarkFailed(ctx, delivery.ID, attempt, sendErr.Error(), retryAt); err != nil {
		d.logger.Error("failed to record delivery failure",
			zap.Error(err),
			zap.String("delivery_id", delivery.ID.String()),
		)
	}
}

func (d *Dispatcher) campaignFor(ctx context.Context, id uuid.UUID, cache map[uuid.UUID]*store.Campaign) *store.Campaign {
	if campaign, ok := cache[id]; ok {
		return campaign
	}
	campaign, err := d.campaigns.Get(ctx, id)
	if err != nil {
		d.logger.Error("failed to load campaign for delivery",
			zap.Error(err),
			zap.String("campaign_id", id.String()),
		)
		cache[id] = nil
		return nil
	}
	cache[id] = campaign
	return campaign
}
