// Package campaign orchestrates one-off broadcasts: lifecycle
// transitions, audience materialization into the delivery queue, and
// completion detection.
package campaign

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/metrics"
	"github.com/campreserv/outreach/internal/render"
	"github.com/campreserv/outreach/internal/store"
	"github.com/campreserv/outreach/internal/transport"
)

// Repository is the campaign persistence surface.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*store.Campaign, error)
	Update(ctx context.Context, c *store.Campaign) error
	Transition(ctx context.Context, id uuid.UUID, from, to string) error
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*store.Campaign, error)
	ListSending(ctx context.Context, limit int) ([]*store.Campaign, error)
}

// DeliverySink accepts materialized deliveries and answers progress
// queries.
type DeliverySink interface {
	Create(ctx context.Context, d *store.Delivery) (bool, error)
	CancelPendingForCampaign(ctx context.Context, campaignID uuid.UUID) (int64, error)
	OutstandingForCampaign(ctx context.Context, campaignID uuid.UUID, maxAttempts int) (int64, error)
	StatusCounts(ctx context.Context, column string, sourceID uuid.UUID) (map[string]int, error)
}

// Audience is a resolved guest set.
type Audience interface {
	Size() int
	Preview() []*store.Guest
	Each(ctx context.Context, fn func(*store.Guest) error) error
}

// AudienceResolver resolves a campaign's filter into an Audience.
type AudienceResolver interface {
	Resolve(ctx context.Context, campgroundID uuid.UUID, channel string, filter store.AudienceFilter) (Audience, error)
}

// CampgroundSource looks up campground settings for rendering.
type CampgroundSource interface {
	GetCampground(ctx context.Context, id uuid.UUID) (*store.Campground, error)
}

// Orchestrator drives campaigns through their lifecycle.
type Orchestrator struct {
	repo        Repository
	deliveries  DeliverySink
	resolver    AudienceResolver
	campgrounds CampgroundSource
	renderer    *render.Renderer
	sender      transport.Sender
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
}

// New creates an Orchestrator. sender is only used for test sends and
// may be nil where that surface is not exposed. maxAttempts must match
// the dispatcher's setting so completion detection agrees with the
// retry policy.
func New(repo Repository, deliveries DeliverySink, resolver AudienceResolver, campgrounds CampgroundSource, renderer *render.Renderer, sender transport.Sender, maxAttempts int, logger *zap.Logger) *Orchestrator {
	if maxAttempts == 0 {
		maxAttempts = 2
	}
	return &Orchestrator{
		repo:        repo,
		deliveries:  deliveries,
		resolver:    resolver,
		campgrounds: campgrounds,
		renderer:    renderer,
		sender:      sender,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
	}
}

// Send starts an immediate send of a draft campaign.
func (o *Orchestrator) Send(ctx context.Context, id uuid.UUID) error {
	campaign, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := o.repo.Transition(ctx, id, campaign.Status, store.CampaignSending); err != nil {
		return err
	}

	return o.materialize(ctx, campaign)
}

// Schedule books a draft campaign for a future send.
func (o *Orchestrator) Schedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	if !at.After(o.now()) {
		return fmt.Errorf("scheduled time must be in the future")
	}

	campaign, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	campaign.ScheduledAt = &at
	if err := o.repo.Update(ctx, campaign); err != nil {
		return err
	}

	return o.repo.Transition(ctx, id, campaign.Status, store.CampaignScheduled)
}

// Cancel stops a campaign that has not finished. Pending deliveries are
// cancelled; already-sent ones are untouched.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) error {
	campaign, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := o.repo.Transition(ctx, id, campaign.Status, store.CampaignCancelled); err != nil {
		return err
	}

	cancelled, err := o.deliveries.CancelPendingForCampaign(ctx, id)
	if err != nil {
		return err
	}

	o.logger.Info("campaign cancelled",
		zap.String("campaign_id", id.String()),
		zap.Int64("pending_cancelled", cancelled),
	)
	return nil
}

// PreviewAudience resolves the campaign's audience without touching the
// queue.
func (o *Orchestrator) PreviewAudience(ctx context.Context, id uuid.UUID) (int, []*store.Guest, error) {
	campaign, err := o.repo.Get(ctx, id)
	if err != nil {
		return 0, nil, err
	}

	aud, err := o.resolver.Resolve(ctx, campaign.CampgroundID, campaign.Channel, campaign.Filter)
	if err != nil {
		return 0, nil, err
	}
	return aud.Size(), aud.Preview(), nil
}

// SendTest renders the campaign with sample data and sends it straight
// to the given address, bypassing the queue.
func (o *Orchestrator) SendTest(ctx context.Context, id uuid.UUID, address string) error {
	if o.sender == nil {
		return fmt.Errorf("test sender not configured")
	}

	campaign, err := o.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	campground, err := o.campgrounds.GetCampground(ctx, campaign.CampgroundID)
	if err != nil {
		return err
	}

	channel := campaign.Channel
	if channel == store.ChannelBoth {
		channel = store.ChannelEmail
	}

	result := o.renderer.Render(campaignTemplate(campaign), render.SampleVars(campground.Name), channel, "")

	d := &store.Delivery{
		ID:           uuid.New(),
		CampgroundID: campaign.CampgroundID,
		Recipient:    address,
		Channel:      channel,
		RenderedBody: result.Body,
		ScheduledAt:  o.now(),
		Status:       store.StatusSending,
	}
	if channel == store.ChannelEmail {
		subject := result.Subject
		d.RenderedSubject = &subject
	}

	if err := o.sender.Send(ctx, d); err != nil {
		return fmt.Errorf("send test: %w", err)
	}

	o.logger.Info("campaign test sent",
		zap.String("campaign_id", id.String()),
		zap.String("recipient", address),
	)
	return nil
}

// Stats returns per-status delivery counts for a campaign.
func (o *Orchestrator) Stats(ctx context.Context, id uuid.UUID) (map[string]int, error) {
	return o.deliveries.StatusCounts(ctx, "source_campaign_id", id)
}

// Tick advances campaign state: due scheduled campaigns start sending,
// and sending campaigns with nothing left in flight become sent. Run
// it on a timer from the main loop.
func (o *Orchestrator) Tick(ctx context.Context) {
	o.startDue(ctx)
	o.finishDrained(ctx)
}

func (o *Orchestrator) startDue(ctx context.Context) {
	due, err := o.repo.ListDueScheduled(ctx, o.now(), 10)
	if err != nil {
		o.logger.Error("failed to list due campaigns", zap.Error(err))
		return
	}

	for _, campaign := range due {
		if err := o.repo.Transition(ctx, campaign.ID, store.CampaignScheduled, store.CampaignSending); err != nil {
			// Another instance won the transition.
			o.logger.Debug("campaign already started",
				zap.String("campaign_id", campaign.ID.String()),
			)
			continue
		}
		if err := o.materialize(ctx, campaign); err != nil {
			o.logger.Error("failed to materialize campaign",
				zap.Error(err),
				zap.String("campaign_id", campaign.ID.String()),
			)
		}
	}
}

func (o *Orchestrator) finishDrained(ctx context.Context) {
	sending, err := o.repo.ListSending(ctx, 50)
	if err != nil {
		o.logger.Error("failed to list sending campaigns", zap.Error(err))
		return
	}

	for _, campaign := range sending {
		outstanding, err := o.deliveries.OutstandingForCampaign(ctx, campaign.ID, o.maxAttempts)
		if err != nil {
			o.logger.Error("failed to count outstanding deliveries",
				zap.Error(err),
				zap.String("campaign_id", campaign.ID.String()),
			)
			continue
		}
		if outstanding > 0 {
			continue
		}
		if err := o.repo.Transition(ctx, campaign.ID, store.CampaignSending, store.CampaignSent); err != nil {
			continue
		}
		o.logger.Info("campaign finished",
			zap.String("campaign_id", campaign.ID.String()),
		)
	}
}

// materialize resolves the audience and enqueues one delivery per guest
// and channel leg, in audience order. Dedup keys make materialization
// idempotent, so a crash halfway through is repaired by re-running.
func (o *Orchestrator) materialize(ctx context.Context, campaign *store.Campaign) error {
	campground, err := o.campgrounds.GetCampground(ctx, campaign.CampgroundID)
	if err != nil {
		return fmt.Errorf("get campground: %w", err)
	}

	aud, err := o.resolver.Resolve(ctx, campaign.CampgroundID, campaign.Channel, campaign.Filter)
	if err != nil {
		return fmt.Errorf("resolve audience: %w", err)
	}

	tmpl := campaignTemplate(campaign)
	scheduledAt := o.now()
	var seq int64
	var enqueued int64

	err = aud.Each(ctx, func(guest *store.Guest) error {
		seq++
		for _, channel := range channelLegs(campaign.Channel) {
			// The audience query guarantees opt-in for single-channel
			// campaigns; for a both-channel campaign each leg is gated
			// here and the guest is reached on the legs they accept.
			if !guest.OptedIn(channel) || guest.Contact(channel) == "" {
				continue
			}

			result := o.renderer.Render(tmpl, render.GuestVars(guest, nil, campground.Name), channel, "")

			d := &store.Delivery{
				ID:               uuid.New(),
				CampgroundID:     campaign.CampgroundID,
				GuestID:          &guest.ID,
				Recipient:        guest.Contact(channel),
				Channel:          channel,
				RenderedBody:     result.Body,
				ScheduledAt:      scheduledAt,
				Status:           store.StatusPending,
				SourceCampaignID: &campaign.ID,
				DedupKey:         fmt.Sprintf("campaign:%s:%s:%s", campaign.ID, channel, guest.ID),
				Seq:              seq,
			}
			if channel == store.ChannelEmail {
				subject := result.Subject
				d.RenderedSubject = &subject
			}

			created, err := o.deliveries.Create(ctx, d)
			if err != nil {
				return err
			}
			if created {
				enqueued++
				metrics.RecordDeliveryQueued("campaign", channel)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("materialize audience: %w", err)
	}

	o.logger.Info("campaign materialized",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("audience", aud.Size()),
		zap.Int64("deliveries", enqueued),
	)
	return nil
}

// campaignTemplate shapes the campaign's content as a template for the
// renderer.
func campaignTemplate(c *store.Campaign) *store.Template {
	return &store.Template{
		Name:     c.Name,
		Channel:  c.Channel,
		Category: "campaign",
		Subject:  c.Subject,
		HTML:     c.HTMLBody,
		TextBody: c.TextBody,
	}
}

func channelLegs(channel string) []string {
	if channel == store.ChannelBoth {
		return []string{store.ChannelEmail, store.ChannelSMS}
	}
	return []string{channel}
}
