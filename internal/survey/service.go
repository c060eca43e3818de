// Package survey is the NPS survey façade: survey definitions, invite
// creation through the dispatch queue, response recording, and score
// aggregation.
package survey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/metrics"
	"github.com/campreserv/outreach/internal/render"
	"github.com/campreserv/outreach/internal/store"
)

// defaultCooldownDays applies when neither the survey nor the
// campground configures a cooldown.
const defaultCooldownDays = 30

// Repository is the survey persistence surface.
type Repository interface {
	Create(ctx context.Context, s *store.Survey) error
	Get(ctx context.Context, id uuid.UUID) (*store.Survey, error)
	List(ctx context.Context, campgroundID uuid.UUID) ([]*store.Survey, error)
	RecordResponse(ctx context.Context, resp *store.SurveyResponse) error
	GetResponseBreakdown(ctx context.Context, surveyID uuid.UUID) (*store.ResponseBreakdown, error)
}

// DeliverySink accepts invite deliveries.
type DeliverySink interface {
	Create(ctx context.Context, d *store.Delivery) (bool, error)
	InsertSkipped(ctx context.Context, d *store.Delivery) error
	StatusCounts(ctx context.Context, column string, sourceID uuid.UUID) (map[string]int, error)
}

// GuestSource provides guest and reservation reads.
type GuestSource interface {
	GetGuest(ctx context.Context, id uuid.UUID) (*store.Guest, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*store.Reservation, error)
}

// SettingsSource provides campground and template reads.
type SettingsSource interface {
	GetCampground(ctx context.Context, id uuid.UUID) (*store.Campground, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*store.Template, error)
}

// Service coordinates surveys, invites, and scoring.
type Service struct {
	surveys    Repository
	deliveries DeliverySink
	guests     GuestSource
	settings   SettingsSource
	renderer   *render.Renderer
	baseURL    string
	logger     *zap.Logger
}

// New creates a survey Service. baseURL is the public origin used to
// build NPS response links.
func New(surveys Repository, deliveries DeliverySink, guests GuestSource, settings SettingsSource, renderer *render.Renderer, baseURL string, logger *zap.Logger) *Service {
	return &Service{
		surveys:    surveys,
		deliveries: deliveries,
		guests:     guests,
		settings:   settings,
		renderer:   renderer,
		baseURL:    baseURL,
		logger:     logger,
	}
}

// CreateSurvey validates and persists a survey definition.
func (s *Service) CreateSurvey(ctx context.Context, survey *store.Survey) error {
	if p := survey.SamplingPercent; p != nil && (*p < 0 || *p > 100) {
		return fmt.Errorf("sampling percent must be 0-100, got %d", *p)
	}
	if survey.CooldownDays < 0 {
		return fmt.Errorf("cooldown days must be >= 0, got %d", survey.CooldownDays)
	}
	if survey.ID == uuid.Nil {
		survey.ID = uuid.New()
	}
	return s.surveys.Create(ctx, survey)
}

// ListSurveys returns a campground's surveys.
func (s *Service) ListSurveys(ctx context.Context, campgroundID uuid.UUID) ([]*store.Survey, error) {
	return s.surveys.List(ctx, campgroundID)
}

// CreateInvite resolves one survey invite into the dispatch queue.
// Sampling is decided deterministically per (guest, survey); the
// cooldown is enforced by folding the cooldown window into the dedup
// key, so a second invite inside the window lands on the same key and
// is recorded as skipped_cooldown. Returns nil without error when the
// invite is sampled out or skipped.
func (s *Service) CreateInvite(ctx context.Context, surveyID, guestID, reservationID uuid.UUID, scheduledAt time.Time) (*store.Delivery, error) {
	survey, err := s.surveys.Get(ctx, surveyID)
	if err != nil {
		return nil, err
	}
	if !survey.Active {
		return nil, nil
	}

	campground, err := s.settings.GetCampground(ctx, survey.CampgroundID)
	if err != nil {
		return nil, err
	}

	// An unset survey percentage inherits the campground default; an
	// explicit 0 pauses invites entirely.
	sampling := campground.SurveySamplingPercent
	if survey.SamplingPercent != nil {
		sampling = *survey.SamplingPercent
	}
	if !InSample(guestID, surveyID, sampling) {
		s.logger.Debug("guest sampled out of survey",
			zap.String("survey_id", surveyID.String()),
			zap.String("guest_id", guestID.String()),
		)
		return nil, nil
	}

	guest, err := s.guests.GetGuest(ctx, guestID)
	if err != nil {
		s.logger.Warn("skipped_missing_data: guest not found for invite",
			zap.String("survey_id", surveyID.String()),
			zap.String("guest_id", guestID.String()),
		)
		return nil, nil
	}

	// Reservation is optional context for template variables.
	reservation, err := s.guests.GetReservation(ctx, reservationID)
	if err != nil {
		reservation = nil
	}

	tmpl, err := s.templateFor(ctx, survey, campground)
	if err != nil {
		return nil, err
	}

	channel := tmpl.Channel
	if channel == store.ChannelBoth || channel == "" {
		channel = store.ChannelEmail
	}

	dedupKey := s.dedupKey(survey, campground, guestID, scheduledAt)

	if !guest.OptedIn(channel) || guest.Contact(channel) == "" {
		skipped := &store.Delivery{
			ID:             uuid.New(),
			CampgroundID:   survey.CampgroundID,
			GuestID:        &guest.ID,
			Recipient:      guest.Contact(channel),
			Channel:        channel,
			ScheduledAt:    scheduledAt,
			Status:         store.StatusSkippedOptOut,
			SourceSurveyID: &survey.ID,
			DedupKey:       dedupKey,
		}
		if err := s.deliveries.InsertSkipped(ctx, skipped); err != nil {
			return nil, err
		}
		return nil, nil
	}

	link := fmt.Sprintf("%s/v1/nps/%s/respond?guest=%s", s.baseURL, surveyID, guestID)
	result := s.renderer.Render(tmpl, render.GuestVars(guest, reservation, campground.Name), channel, link)

	d := &store.Delivery{
		ID:             uuid.New(),
		CampgroundID:   survey.CampgroundID,
		GuestID:        &guest.ID,
		Recipient:      guest.Contact(channel),
		Channel:        channel,
		RenderedBody:   result.Body,
		ScheduledAt:    scheduledAt,
		Status:         store.StatusPending,
		SourceSurveyID: &survey.ID,
		DedupKey:       dedupKey,
	}
	if channel == store.ChannelEmail {
		subject := result.Subject
		d.RenderedSubject = &subject
	}

	created, err := s.deliveries.Create(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("create invite delivery: %w", err)
	}
	if !created {
		return nil, nil
	}

	metrics.RecordDeliveryQueued("survey", channel)
	s.logger.Info("survey invite queued",
		zap.String("survey_id", surveyID.String()),
		zap.String("guest_id", guestID.String()),
		zap.Time("scheduled_at", scheduledAt),
	)
	return d, nil
}

// dedupKey folds the cooldown window into the key: invites for the same
// guest and survey inside one window collide.
func (s *Service) dedupKey(survey *store.Survey, campground *store.Campground, guestID uuid.UUID, scheduledAt time.Time) string {
	cooldown := survey.CooldownDays
	if cooldown == 0 {
		cooldown = campground.SurveyCooldownDays
	}
	if cooldown == 0 {
		cooldown = defaultCooldownDays
	}
	window := scheduledAt.Unix() / int64(cooldown*24*60*60)
	return fmt.Sprintf("survey:%s:%s:%d", survey.ID, guestID, window)
}

func (s *Service) templateFor(ctx context.Context, survey *store.Survey, campground *store.Campground) (*store.Template, error) {
	templateID := survey.TemplateID
	if templateID == nil {
		templateID = campground.DefaultSurveyTemplateID
	}
	if templateID == nil {
		return defaultInviteTemplate(), nil
	}
	tmpl, err := s.settings.GetTemplate(ctx, *templateID)
	if err != nil {
		return nil, fmt.Errorf("get survey template: %w", err)
	}
	return tmpl, nil
}

// defaultInviteTemplate is the built-in invite copy used when neither
// the survey nor the campground configures a template.
func defaultInviteTemplate() *store.Template {
	return &store.Template{
		Name:     "default:nps_invite",
		Channel:  store.ChannelEmail,
		Category: "system",
		Subject:  "How was your stay at {{campground_name}}?",
		TextBody: "Hi {{first_name}}, thanks for staying at {{campground_name}}. How likely are you to recommend us? Tell us here: {{nps_link}}",
		Version:  1,
	}
}

// RecordResponse validates and persists one guest's NPS score.
func (s *Service) RecordResponse(ctx context.Context, surveyID, guestID uuid.UUID, score int, comment string) error {
	if score < 0 || score > 10 {
		return fmt.Errorf("score must be 0-10, got %d", score)
	}
	if _, err := s.surveys.Get(ctx, surveyID); err != nil {
		return err
	}

	if err := s.surveys.RecordResponse(ctx, &store.SurveyResponse{
		ID:       uuid.New(),
		SurveyID: surveyID,
		GuestID:  guestID,
		Score:    score,
		Comment:  comment,
	}); err != nil {
		return err
	}

	metrics.RecordSurveyResponse(score)
	return nil
}

// Metrics is a survey's aggregate outcome.
type Metrics struct {
	SurveyID   uuid.UUID `json:"survey_id"`
	Sent       int       `json:"sent"`
	Responses  int       `json:"responses"`
	Promoters  int       `json:"promoters"`
	Passives   int       `json:"passives"`
	Detractors int       `json:"detractors"`
	// NPS is promoters% minus detractors%, -100..100. Zero when there
	// are no responses.
	NPS int `json:"nps"`
}

// GetMetrics aggregates invite counts and the NPS score for a survey.
func (s *Service) GetMetrics(ctx context.Context, surveyID uuid.UUID) (*Metrics, error) {
	breakdown, err := s.surveys.GetResponseBreakdown(ctx, surveyID)
	if err != nil {
		return nil, err
	}

	counts, err := s.deliveries.StatusCounts(ctx, "source_survey_id", surveyID)
	if err != nil {
		return nil, err
	}

	m := &Metrics{
		SurveyID:   surveyID,
		Sent:       counts[store.StatusSent],
		Responses:  breakdown.Responses,
		Promoters:  breakdown.Promoters,
		Passives:   breakdown.Passives,
		Detractors: breakdown.Detractors,
	}
	if breakdown.Responses > 0 {
		m.NPS = (breakdown.Promoters*100)/breakdown.Responses - (breakdown.Detractors*100)/breakdown.Responses
	}
	return m, nil
}
