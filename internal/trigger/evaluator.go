// Package trigger maps domain events onto enabled trigger rules and
// resolves each match into a delivery for the dispatch queue.
package trigger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/events"
	"github.com/campreserv/outreach/internal/metrics"
	"github.com/campreserv/outreach/internal/render"
	"github.com/campreserv/outreach/internal/store"
)

// RuleSource provides the configuration reads the evaluator needs.
type RuleSource interface {
	ListEnabledRulesForEvent(ctx context.Context, campgroundID uuid.UUID, event string) ([]*store.TriggerRule, error)
	GetRule(ctx context.Context, id uuid.UUID) (*store.TriggerRule, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*store.Template, error)
	GetCampground(ctx context.Context, id uuid.UUID) (*store.Campground, error)
}

// GuestSource provides guest and reservation snapshots. Conditions are
// evaluated against a freshly fetched reservation, not the event
// payload, so stale payloads cannot drive sends.
type GuestSource interface {
	GetGuest(ctx context.Context, id uuid.UUID) (*store.Guest, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*store.Reservation, error)
}

// DeliverySink accepts resolved deliveries.
type DeliverySink interface {
	Create(ctx context.Context, d *store.Delivery) (bool, error)
	InsertSkipped(ctx context.Context, d *store.Delivery) error
}

// TestSender delivers test notifications straight to transport,
// bypassing the queue.
type TestSender interface {
	Send(ctx context.Context, d *store.Delivery) error
}

// Evaluator resolves domain events into deliveries.
type Evaluator struct {
	rules    RuleSource
	guests   GuestSource
	sink     DeliverySink
	renderer *render.Renderer
	sender   TestSender
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an Evaluator. sender may be nil if test deliveries are
// not needed (e.g. in the event consumer binary).
func New(rules RuleSource, guests GuestSource, sink DeliverySink, renderer *render.Renderer, sender TestSender, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		rules:    rules,
		guests:   guests,
		sink:     sink,
		renderer: renderer,
		sender:   sender,
		logger:   logger,
		now:      time.Now,
	}
}

// HandleEvent implements events.Handler.
func (e *Evaluator) HandleEvent(ctx context.Context, ev *events.Event) error {
	created, err := e.Evaluate(ctx, ev)

	outcome := "matched"
	switch {
	case err != nil:
		outcome = "error"
	case len(created) == 0:
		outcome = "no_match"
	}
	metrics.RecordEventConsumed(string(ev.Kind), outcome)

	return err
}

// Evaluate matches an event instance against the campground's enabled
// rules and creates one delivery per matched rule and channel leg.
// Re-evaluating the same event instance is safe: the dedup key embeds
// the event ID, so duplicates resolve to skipped, not doubles.
func (e *Evaluator) Evaluate(ctx context.Context, ev *events.Event) ([]*store.Delivery, error) {
	rules, err := e.rules.ListEnabledRulesForEvent(ctx, ev.CampgroundID, string(ev.Kind))
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	if len(rules) == 0 {
		return nil, nil
	}

	guest, err := e.guests.GetGuest(ctx, ev.GuestID)
	if err != nil {
		// The guest record will not materialize later; skip, don't retry.
		e.logger.Warn("skipped_missing_data: guest not found",
			zap.String("event_id", ev.ID.String()),
			zap.String("guest_id", ev.GuestID.String()),
		)
		return nil, nil
	}

	reservation, err := e.guests.GetReservation(ctx, ev.ReservationID)
	if err != nil {
		e.logger.Warn("skipped_missing_data: reservation not found",
			zap.String("event_id", ev.ID.String()),
			zap.String("reservation_id", ev.ReservationID.String()),
		)
		return nil, nil
	}

	campground, err := e.rules.GetCampground(ctx, ev.CampgroundID)
	if err != nil {
		return nil, fmt.Errorf("get campground: %w", err)
	}

	var created []*store.Delivery
	for _, rule := range rules {
		if !conditionsMatch(rule.Conditions, reservation) {
			e.logger.Debug("rule conditions not satisfied",
				zap.String("rule_id", rule.ID.String()),
				zap.String("event_id", ev.ID.String()),
			)
			continue
		}

		for _, channel := range channelLegs(rule.Channel) {
			d, err := e.resolveLeg(ctx, rule, channel, ev, guest, reservation, campground)
			if err != nil {
				return created, err
			}
			if d != nil {
				created = append(created, d)
			}
		}
	}
	return created, nil
}

func (e *Evaluator) resolveLeg(
	ctx context.Context,
	rule *store.TriggerRule,
	channel string,
	ev *events.Event,
	guest *store.Guest,
	reservation *store.Reservation,
	campground *store.Campground,
) (*store.Delivery, error) {
	dedupKey := fmt.Sprintf("rule:%s:%s:%s", rule.ID, channel, ev.ID)

	recipient := guest.Contact(channel)
	if recipient == "" {
		e.logger.Warn("skipped_missing_data: no contact for channel",
			zap.String("rule_id", rule.ID.String()),
			zap.String("guest_id", guest.ID.String()),
			zap.String("channel", channel),
		)
		return nil, nil
	}

	scheduledAt := ev.OccurredAt.Add(time.Duration(rule.DelayMinutes) * time.Minute)

	if !guest.OptedIn(channel) {
		skipped := &store.Delivery{
			ID:           uuid.New(),
			CampgroundID: campground.ID,
			GuestID:      &guest.ID,
			Recipient:    recipient,
			Channel:      channel,
			ScheduledAt:  scheduledAt,
			Status:       store.StatusSkippedOptOut,
			SourceRuleID: &rule.ID,
			DedupKey:     dedupKey,
		}
		if err := e.sink.InsertSkipped(ctx, skipped); err != nil {
			return nil, err
		}
		return nil, nil
	}

	tmpl, err := e.templateFor(ctx, rule, channel, ev.Kind)
	if err != nil {
		return nil, err
	}

	vars := render.GuestVars(guest, reservation, campground.Name)
	result := e.renderer.Render(tmpl, vars, channel, "")
	for _, warning := range result.Warnings {
		e.logger.Warn("render warning",
			zap.String("rule_id", rule.ID.String()),
			zap.String("warning", warning.String()),
		)
	}

	d := &store.Delivery{
		ID:           uuid.New(),
		CampgroundID: campground.ID,
		GuestID:      &guest.ID,
		Recipient:    recipient,
		Channel:      channel,
		RenderedBody: result.Body,
		ScheduledAt:  scheduledAt,
		Status:       store.StatusPending,
		SourceRuleID: &rule.ID,
		DedupKey:     dedupKey,
	}
	if channel == store.ChannelEmail {
		subject := result.Subject
		d.RenderedSubject = &subject
	}

	created, err := e.sink.Create(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	if !created {
		return nil, nil
	}

	metrics.RecordDeliveryQueued("rule", channel)
	e.logger.Info("delivery resolved from trigger",
		zap.String("delivery_id", d.ID.String()),
		zap.String("rule_id", rule.ID.String()),
		zap.String("event", string(ev.Kind)),
		zap.String("channel", channel),
		zap.Time("scheduled_at", d.ScheduledAt),
	)
	return d, nil
}

func (e *Evaluator) templateFor(ctx context.Context, rule *store.TriggerRule, channel string, kind events.Kind) (*store.Template, error) {
	if rule.TemplateID == nil {
		return defaultTemplate(kind, channel), nil
	}
	tmpl, err := e.rules.GetTemplate(ctx, *rule.TemplateID)
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return tmpl, nil
}

// TestNotification renders the rule's template with synthetic sample
// data and sends it straight to the given address. No delivery record
// is persisted and no guest is involved.
func (e *Evaluator) TestNotification(ctx context.Context, ruleID uuid.UUID, address string) error {
	if e.sender == nil {
		return fmt.Errorf("test sender not configured")
	}

	rule, err := e.rules.GetRule(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("get rule: %w", err)
	}

	campground, err := e.rules.GetCampground(ctx, rule.CampgroundID)
	if err != nil {
		return fmt.Errorf("get campground: %w", err)
	}

	channel := rule.Channel
	if channel == store.ChannelBoth {
		channel = store.ChannelEmail
	}

	tmpl, err := e.templateFor(ctx, rule, channel, events.Kind(rule.Event))
	if err != nil {
		return err
	}

	result := e.renderer.Render(tmpl, render.SampleVars(campground.Name), channel, "")

	d := &store.Delivery{
		ID:           uuid.New(),
		CampgroundID: campground.ID,
		Recipient:    address,
		Channel:      channel,
		RenderedBody: result.Body,
		ScheduledAt:  e.now(),
		Status:       store.StatusSending,
	}
	if channel == store.ChannelEmail {
		subject := result.Subject
		d.RenderedSubject = &subject
	}

	if err := e.sender.Send(ctx, d); err != nil {
		return fmt.Errorf("send test notification: %w", err)
	}

	e.logger.Info("test notification sent",
		zap.String("rule_id", ruleID.String()),
		zap.String("channel", channel),
	)
	return nil
}

func channelLegs(channel string) []string {
	if channel == store.ChannelBoth {
		return []string{store.ChannelEmail, store.ChannelSMS}
	}
	return []string{channel}
}

// conditionsMatch evaluates a rule's predicate against the reservation
// snapshot. An empty condition list always matches; an unknown field or
// operator fails closed.
func conditionsMatch(conditions []store.Condition, res *store.Reservation) bool {
	for _, c := range conditions {
		if !conditionMatches(c, res) {
			return false
		}
	}
	return true
}

func conditionMatches(c store.Condition, res *store.Reservation) bool {
	var actual string
	switch c.Field {
	case "site_type":
		actual = res.SiteType
	case "status":
		actual = res.Status
	case "total_cents":
		actual = strconv.Itoa(res.TotalCents)
	case "balance_cents":
		actual = strconv.Itoa(res.BalanceCents)
	case "nights":
		nights := int(res.DepartureAt.Sub(res.ArrivalAt).Hours() / 24)
		actual = strconv.Itoa(nights)
	default:
		return false
	}

	actualNum, actualErr := strconv.Atoi(actual)
	valueNum, valueErr := strconv.Atoi(c.Value)
	numeric := actualErr == nil && valueErr == nil

	switch c.Op {
	case "eq":
		if numeric {
			return actualNum == valueNum
		}
		return actual == c.Value
	case "neq":
		if numeric {
			return actualNum != valueNum
		}
		return actual != c.Value
	case "gt":
		return numeric && actualNum > valueNum
	case "gte":
		return numeric && actualNum >= valueNum
	case "lt":
		return numeric && actualNum < valueNum
	case "lte":
		return numeric && actualNum <= valueNum
	default:
		return false
	}
}
