package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/metrics"
	"github.com/campreserv/outreach/internal/render"
	"github.com/campreserv/outreach/internal/store"
)

// SettingsSource provides the per-campground configuration a sweep
// resolves against.
type SettingsSource interface {
	ListCampgrounds(ctx context.Context) ([]*store.Campground, error)
	ListScheduleEntries(ctx context.Context, campgroundID uuid.UUID) ([]*store.ScheduleEntry, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*store.Template, error)
}

// ReservationSource provides the reservations and guests a sweep
// anchors on.
type ReservationSource interface {
	ListReservationsByAnchor(ctx context.Context, campgroundID uuid.UUID, anchor string, since, until time.Time) ([]*store.Reservation, error)
	GetGuest(ctx context.Context, id uuid.UUID) (*store.Guest, error)
}

// DeliverySink accepts resolved deliveries.
type DeliverySink interface {
	Create(ctx context.Context, d *store.Delivery) (bool, error)
	InsertSkipped(ctx context.Context, d *store.Delivery) error
}

// SurveySource lists a campground's surveys for the post-stay entry.
type SurveySource interface {
	List(ctx context.Context, campgroundID uuid.UUID) ([]*store.Survey, error)
}

// InviteCreator resolves one survey invite. Satisfied by the survey
// service, which applies sampling and the cooldown window.
type InviteCreator interface {
	CreateInvite(ctx context.Context, surveyID, guestID, reservationID uuid.UUID, scheduledAt time.Time) (*store.Delivery, error)
}

// Config holds sweeper tuning.
type Config struct {
	// SweepInterval is how often a full pass runs.
	SweepInterval time.Duration
	// Horizon is how far ahead of now a pass materializes sends.
	Horizon time.Duration
	// Lookback is how far behind now a pass still materializes sends,
	// so a stalled sweeper catches up instead of silently dropping
	// windows it slept through.
	Lookback time.Duration
}

// DefaultConfig returns the standard sweep tuning.
func DefaultConfig() Config {
	return Config{
		SweepInterval: 15 * time.Minute,
		Horizon:       48 * time.Hour,
		Lookback:      24 * time.Hour,
	}
}

// Sweeper periodically materializes schedule-driven deliveries:
// date-relative entries resolved against reservations, plus the
// synthetic post-stay survey entry routed through the survey service.
// Every delivery carries a dedup key, so overlapping passes are
// harmless.
type Sweeper struct {
	settings     SettingsSource
	reservations ReservationSource
	deliveries   DeliverySink
	surveys      SurveySource
	invites      InviteCreator
	renderer     *render.Renderer
	config       Config
	logger       *zap.Logger
	now          func() time.Time
}

// NewSweeper creates a schedule sweeper.
func NewSweeper(settings SettingsSource, reservations ReservationSource, deliveries DeliverySink, surveys SurveySource, invites InviteCreator, renderer *render.Renderer, config Config, logger *zap.Logger) *Sweeper {
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultConfig().SweepInterval
	}
	if config.Horizon <= 0 {
		config.Horizon = DefaultConfig().Horizon
	}
	if config.Lookback <= 0 {
		config.Lookback = DefaultConfig().Lookback
	}
	return &Sweeper{
		settings:     settings,
		reservations: reservations,
		deliveries:   deliveries,
		surveys:      surveys,
		invites:      invites,
		renderer:     renderer,
		config:       config,
		logger:       logger,
		now:          time.Now,
	}
}

// Start runs sweep passes until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("schedule sweeper starting",
		zap.Duration("interval", s.config.SweepInterval),
		zap.Duration("horizon", s.config.Horizon),
	)

	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("schedule sweeper stopping")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep pass failed", zap.Error(err))
			}
		}
	}
}

// Sweep runs one full pass over every campground.
func (s *Sweeper) Sweep(ctx context.Context) error {
	campgrounds, err := s.settings.ListCampgrounds(ctx)
	if err != nil {
		return fmt.Errorf("list campgrounds: %w", err)
	}

	for _, campground := range campgrounds {
		if err := s.sweepCampground(ctx, campground); err != nil {
			s.logger.Error("campground sweep failed",
				zap.String("campground_id", campground.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// dayNormalizationSlack widens the anchor query window to cover the
// shift introduced by snapping day-unit entries to the send hour.
const dayNormalizationSlack = 24 * time.Hour

func (s *Sweeper) sweepCampground(ctx context.Context, campground *store.Campground) error {
	stored, err := s.settings.ListScheduleEntries(ctx, campground.ID)
	if err != nil {
		return fmt.Errorf("list schedule entries: %w", err)
	}

	loc, err := time.LoadLocation(campground.Timezone)
	if err != nil {
		s.logger.Warn("invalid campground timezone, using UTC",
			zap.String("campground_id", campground.ID.String()),
			zap.String("timezone", campground.Timezone),
		)
		loc = time.UTC
	}

	now := s.now()
	windowStart := now.Add(-s.config.Lookback)
	windowEnd := now.Add(s.config.Horizon)

	for _, entry := range EntriesFor(stored, campground.ID, campground.DefaultSurveyTemplateID) {
		if err := s.sweepEntry(ctx, campground, entry, loc, windowStart, windowEnd); err != nil {
			s.logger.Error("schedule entry sweep failed",
				zap.String("campground_id", campground.ID.String()),
				zap.String("entry_id", entry.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (s *Sweeper) sweepEntry(ctx context.Context, campground *store.Campground, entry *store.ScheduleEntry, loc *time.Location, windowStart, windowEnd time.Time) error {
	// The send lands near anchor+delta, so only reservations whose
	// anchor falls inside the inverted window can produce a send in
	// [windowStart, windowEnd].
	delta := entryDelta(entry)
	since := windowStart.Add(-delta).Add(-dayNormalizationSlack)
	until := windowEnd.Add(-delta).Add(dayNormalizationSlack)

	reservations, err := s.reservations.ListReservationsByAnchor(ctx, campground.ID, entry.Anchor, since, until)
	if err != nil {
		return fmt.Errorf("list reservations: %w", err)
	}

	for _, reservation := range reservations {
		sendAt, err := ResolveSendTime(entry, campground.SendHour, reservation.ArrivalAt, reservation.DepartureAt, loc)
		if errors.Is(err, ErrMissingAnchor) {
			continue
		}
		if err != nil {
			return err
		}
		if sendAt.Before(windowStart) || sendAt.After(windowEnd) {
			continue
		}

		if entry.ID == uuid.Nil {
			s.resolveSurveyInvites(ctx, campground, reservation, sendAt)
			continue
		}
		if err := s.resolveEntry(ctx, campground, entry, reservation, sendAt); err != nil {
			s.logger.Warn("schedule delivery not resolved",
				zap.String("entry_id", entry.ID.String()),
				zap.String("reservation_id", reservation.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

func entryDelta(entry *store.ScheduleEntry) time.Duration {
	var delta time.Duration
	switch entry.Unit {
	case store.UnitHours:
		delta = time.Duration(entry.Offset) * time.Hour
	default:
		delta = time.Duration(entry.Offset) * 24 * time.Hour
	}
	if entry.Direction == store.DirectionBefore {
		delta = -delta
	}
	return delta
}

// resolveEntry turns one stored entry and one reservation into queued
// deliveries, one per channel leg.
func (s *Sweeper) resolveEntry(ctx context.Context, campground *store.Campground, entry *store.ScheduleEntry, reservation *store.Reservation, sendAt time.Time) error {
	if entry.TemplateID == nil {
		return fmt.Errorf("entry has no template")
	}
	tmpl, err := s.settings.GetTemplate(ctx, *entry.TemplateID)
	if err != nil {
		return fmt.Errorf("get template: %w", err)
	}

	guest, err := s.reservations.GetGuest(ctx, reservation.GuestID)
	if err != nil {
		s.logger.Warn("skipped_missing_data: guest not found for schedule entry",
			zap.String("entry_id", entry.ID.String()),
			zap.String("guest_id", reservation.GuestID.String()),
		)
		return nil
	}

	for _, channel := range channelLegs(tmpl.Channel) {
		dedupKey := fmt.Sprintf("schedule:%s:%s:%s:%s", entry.ID, channel, guest.ID, reservation.ID)

		if !guest.OptedIn(channel) || guest.Contact(channel) == "" {
			skipped := &store.Delivery{
				ID:           uuid.New(),
				CampgroundID: campground.ID,
				GuestID:      &guest.ID,
				Recipient:    guest.Contact(channel),
				Channel:      channel,
				ScheduledAt:  sendAt,
				Status:       store.StatusSkippedOptOut,
				DedupKey:     dedupKey,
			}
			if err := s.deliveries.InsertSkipped(ctx, skipped); err != nil {
				return err
			}
			continue
		}

		result := s.renderer.Render(tmpl, render.GuestVars(guest, reservation, campground.Name), channel, "")

		d := &store.Delivery{
			ID:           uuid.New(),
			CampgroundID: campground.ID,
			GuestID:      &guest.ID,
			Recipient:    guest.Contact(channel),
			Channel:      channel,
			RenderedBody: result.Body,
			ScheduledAt:  sendAt,
			Status:       store.StatusPending,
			DedupKey:     dedupKey,
		}
		if channel == store.ChannelEmail {
			subject := result.Subject
			d.RenderedSubject = &subject
		}

		created, err := s.deliveries.Create(ctx, d)
		if err != nil {
			return fmt.Errorf("create schedule delivery: %w", err)
		}
		if created {
			metrics.RecordDeliveryQueued("schedule", channel)
			s.logger.Debug("schedule delivery queued",
				zap.String("entry_id", entry.ID.String()),
				zap.String("guest_id", guest.ID.String()),
				zap.Time("scheduled_at", sendAt),
			)
		}
	}
	return nil
}

// resolveSurveyInvites routes the synthetic post-stay entry through the
// survey service, which applies sampling and the cooldown window.
func (s *Sweeper) resolveSurveyInvites(ctx context.Context, campground *store.Campground, reservation *store.Reservation, sendAt time.Time) {
	surveys, err := s.surveys.List(ctx, campground.ID)
	if err != nil {
		s.logger.Error("list surveys failed",
			zap.String("campground_id", campground.ID.String()),
			zap.Error(err),
		)
		return
	}

	for _, survey := range surveys {
		if !survey.Active {
			continue
		}
		if _, err := s.invites.CreateInvite(ctx, survey.ID, reservation.GuestID, reservation.ID, sendAt); err != nil {
			s.logger.Error("survey invite failed",
				zap.String("survey_id", survey.ID.String()),
				zap.String("guest_id", reservation.GuestID.String()),
				zap.Error(err),
			)
		}
	}
}

func channelLegs(channel string) []string {
	if channel == store.ChannelBoth {
		return []string{store.ChannelEmail, store.ChannelSMS}
	}
	return []string{channel}
}
