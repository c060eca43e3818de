package trigger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/events"
	"github.com/campreserv/outreach/internal/render"
	"github.com/campreserv/outreach/internal/store"
)

type fakeRuleSource struct {
	rules      []*store.TriggerRule
	templates  map[uuid.UUID]*store.Template
	campground *store.Campground
}

func (f *fakeRuleSource) ListEnabledRulesForEvent(_ context.Context, campgroundID uuid.UUID, event string) ([]*store.TriggerRule, error) {
	var out []*store.TriggerRule
	for _, r := range f.rules {
		if r.CampgroundID == campgroundID && r.Event == event && r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRuleSource) GetRule(_ context.Context, id uuid.UUID) (*store.TriggerRule, error) {
	for _, r := range f.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("rule not found")
}

func (f *fakeRuleSource) GetTemplate(_ context.Context, id uuid.UUID) (*store.Template, error) {
	tmpl, ok := f.templates[id]
	if !ok {
		return nil, fmt.Errorf("template not found")
	}
	return tmpl, nil
}

func (f *fakeRuleSource) GetCampground(_ context.Context, id uuid.UUID) (*store.Campground, error) {
	if f.campground == nil || f.campground.ID != id {
		return nil, fmt.Errorf("campground not found")
	}
	return f.campground, nil
}

type fakeGuestSource struct {
	guest       *store.Guest
	reservation *store.Reservation
}

func (f *fakeGuestSource) GetGuest(_ context.Context, id uuid.UUID) (*store.Guest, error) {
	if f.guest == nil || f.guest.ID != id {
		return nil, fmt.Errorf("guest not found")
	}
	return f.guest, nil
}

func (f *fakeGuestSource) GetReservation(_ context.Context, id uuid.UUID) (*store.Reservation, error) {
	if f.reservation == nil || f.reservation.ID != id {
		return nil, fmt.Errorf("reservation not found")
	}
	return f.reservation, nil
}

// fakeSink enforces the dedup key rule the real repository enforces
// with its partial unique index.
type fakeSink struct {
	created []*store.Delivery
	skipped []*store.Delivery
	byKey   map[string]bool
}

func newFakeSink() *fakeSink {
	return &fakeSink{byKey: map[string]bool{}}
}

func (f *fakeSink) Create(_ context.Context, d *store.Delivery) (bool, error) {
	if f.byKey[d.DedupKey] {
		f.skipped = append(f.skipped, d)
		return false, nil
	}
	f.byKey[d.DedupKey] = true
	f.created = append(f.created, d)
	return true, nil
}

func (f *fakeSink) InsertSkipped(_ context.Context, d *store.Delivery) error {
	f.skipped = append(f.skipped, d)
	return nil
}

type recordingSender struct {
	sent []*store.Delivery
}

func (r *recordingSender) Send(_ context.Context, d *store.Delivery) error {
	r.sent = append(r.sent, d)
	return nil
}

func fixture() (*fakeRuleSource, *fakeGuestSource, *events.Event) {
	campgroundID := uuid.New()
	guestID := uuid.New()
	reservationID := uuid.New()

	rules := &fakeRuleSource{
		templates: map[uuid.UUID]*store.Template{},
		campground: &store.Campground{
			ID:   campgroundID,
			Name: "Pine Ridge Campground",
		},
	}
	guests := &fakeGuestSource{
		guest: &store.Guest{
			ID:           guestID,
			CampgroundID: campgroundID,
			FirstName:    "Dana",
			LastName:     "Wells",
			Email:        "dana@example.com",
			Phone:        "+15550100",
			EmailOptIn:   true,
			SMSOptIn:     true,
		},
		reservation: &store.Reservation{
			ID:           reservationID,
			CampgroundID: campgroundID,
			GuestID:      guestID,
			SiteType:     "rv",
			Status:       "confirmed",
			ArrivalAt:    time.Date(2025, 7, 4, 15, 0, 0, 0, time.UTC),
			DepartureAt:  time.Date(2025, 7, 7, 11, 0, 0, 0, time.UTC),
			TotalCents:   42000,
			BalanceCents: 0,
		},
	}
	ev := &events.Event{
		ID:            uuid.New(),
		Kind:          events.ReservationConfirmed,
		CampgroundID:  campgroundID,
		ReservationID: reservationID,
		GuestID:       guestID,
		OccurredAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	return rules, guests, ev
}

func newEvaluator(rules *fakeRuleSource, guests *fakeGuestSource, sink *fakeSink, sender TestSender) *Evaluator {
	return New(rules, guests, sink, render.New(), sender, zap.NewNop())
}

func TestEvaluateCreatesDelayedDelivery(t *testing.T) {
	rules, guests, ev := fixture()
	rules.rules = []*store.TriggerRule{{
		ID:           uuid.New(),
		CampgroundID: ev.CampgroundID,
		Event:        string(events.ReservationConfirmed),
		Channel:      store.ChannelEmail,
		Enabled:      true,
		DelayMinutes: 30,
	}}
	sink := newFakeSink()

	created, err := newEvaluator(rules, guests, sink, nil).Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(created))
	}

	d := created[0]
	want := ev.OccurredAt.Add(30 * time.Minute)
	if !d.ScheduledAt.Equal(want) {
		t.Errorf("scheduled_at = %v, want %v", d.ScheduledAt, want)
	}
	if d.Status != store.StatusPending {
		t.Errorf("status = %s, want pending", d.Status)
	}
	if d.Recipient != "dana@example.com" {
		t.Errorf("recipient = %s", d.Recipient)
	}
	if d.RenderedSubject == nil || *d.RenderedSubject == "" {
		t.Error("email delivery missing rendered subject")
	}
}

func TestEvaluateIsIdempotentPerEventInstance(t *testing.T) {
	rules, guests, ev := fixture()
	rules.rules = []*store.TriggerRule{{
		ID:           uuid.New(),
		CampgroundID: ev.CampgroundID,
		Event:        string(events.ReservationConfirmed),
		Channel:      store.ChannelEmail,
		Enabled:      true,
	}}
	sink := newFakeSink()
	eval := newEvaluator(rules, guests, sink, nil)

	for i := 0; i < 3; i++ {
		if _, err := eval.Evaluate(context.Background(), ev); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}

	if len(sink.created) != 1 {
		t.Fatalf("expected exactly 1 created delivery after redeliveries, got %d", len(sink.created))
	}

	// A distinct event instance of the same kind creates a new delivery.
	ev2 := *ev
	ev2.ID = uuid.New()
	if _, err := eval.Evaluate(context.Background(), &ev2); err != nil {
		t.Fatal(err)
	}
	if len(sink.created) != 2 {
		t.Fatalf("distinct event instance should create a new delivery, got %d", len(sink.created))
	}
}

func TestEvaluateDisabledRuleStopsNewEvents(t *testing.T) {
	rules, guests, ev := fixture()
	rule := &store.TriggerRule{
		ID:           uuid.New(),
		CampgroundID: ev.CampgroundID,
		Event:        string(events.ReservationConfirmed),
		Channel:      store.ChannelEmail,
		Enabled:      true,
	}
	rules.rules = []*store.TriggerRule{rule}
	sink := newFakeSink()
	eval := newEvaluator(rules, guests, sink, nil)

	created, err := eval.Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 {
		t.Fatalf("enabled rule should create 1 delivery, got %d", len(created))
	}

	// Staff disable the rule; a later distinct event must not match.
	rule.Enabled = false
	ev2 := *ev
	ev2.ID = uuid.New()
	ev2.OccurredAt = ev.OccurredAt.Add(time.Hour)

	created, err = eval.Evaluate(context.Background(), &ev2)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Fatalf("disabled rule must not create deliveries, got %d", len(created))
	}
	if len(sink.created) != 1 {
		t.Fatalf("delivery created before the toggle must remain, got %d", len(sink.created))
	}

	// Re-enabling picks new events back up.
	rule.Enabled = true
	ev3 := *ev
	ev3.ID = uuid.New()
	if _, err := eval.Evaluate(context.Background(), &ev3); err != nil {
		t.Fatal(err)
	}
	if len(sink.created) != 2 {
		t.Fatalf("re-enabled rule should match again, got %d created", len(sink.created))
	}
}

func TestEvaluateBothChannelProducesTwoLegs(t *testing.T) {
	rules, guests, ev := fixture()
	rules.rules = []*store.TriggerRule{{
		ID:           uuid.New(),
		CampgroundID: ev.CampgroundID,
		Event:        string(events.ReservationConfirmed),
		Channel:      store.ChannelBoth,
		Enabled:      true,
	}}
	sink := newFakeSink()

	created, err := newEvaluator(rules, guests, sink, nil).Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("expected 2 legs, got %d", len(created))
	}
	channels := map[string]bool{}
	for _, d := range created {
		channels[d.Channel] = true
		if d.DedupKey == "" {
			t.Error("leg missing dedup key")
		}
	}
	if !channels[store.ChannelEmail] || !channels[store.ChannelSMS] {
		t.Errorf("legs = %v, want email and sms", channels)
	}
	if created[0].DedupKey == created[1].DedupKey {
		t.Error("legs must carry distinct dedup keys")
	}
}

func TestEvaluateOptedOutGuestGetsSkippedRecord(t *testing.T) {
	rules, guests, ev := fixture()
	guests.guest.SMSOptIn = false
	rules.rules = []*store.TriggerRule{{
		ID:           uuid.New(),
		CampgroundID: ev.CampgroundID,
		Event:        string(events.ReservationConfirmed),
		Channel:      store.ChannelSMS,
		Enabled:      true,
	}}
	sink := newFakeSink()

	created, err := newEvaluator(rules, guests, sink, nil).Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 0 {
		t.Fatalf("opted-out guest must not get a pending delivery, got %d", len(created))
	}
	if len(sink.skipped) != 1 {
		t.Fatalf("expected 1 skipped record, got %d", len(sink.skipped))
	}
	if sink.skipped[0].Status != store.StatusSkippedOptOut {
		t.Errorf("skipped status = %s, want skipped_optout", sink.skipped[0].Status)
	}
}

func TestEvaluateConditions(t *testing.T) {
	tests := []struct {
		name       string
		conditions []store.Condition
		want       int
	}{
		{"no_conditions", nil, 1},
		{"site_type_match", []store.Condition{{Field: "site_type", Op: "eq", Value: "rv"}}, 1},
		{"site_type_mismatch", []store.Condition{{Field: "site_type", Op: "eq", Value: "tent"}}, 0},
		{"balance_zero", []store.Condition{{Field: "balance_cents", Op: "eq", Value: "0"}}, 1},
		{"total_over_threshold", []store.Condition{{Field: "total_cents", Op: "gte", Value: "40000"}}, 1},
		{"total_under_threshold", []store.Condition{{Field: "total_cents", Op: "lt", Value: "40000"}}, 0},
		{"nights_gte", []store.Condition{{Field: "nights", Op: "gte", Value: "3"}}, 0},
		{"nights_gte_two", []store.Condition{{Field: "nights", Op: "gte", Value: "2"}}, 1},
		{"all_must_match", []store.Condition{
			{Field: "site_type", Op: "eq", Value: "rv"},
			{Field: "status", Op: "eq", Value: "pending"},
		}, 0},
		{"unknown_field_fails_closed", []store.Condition{{Field: "color", Op: "eq", Value: "red"}}, 0},
		{"unknown_op_fails_closed", []store.Condition{{Field: "site_type", Op: "like", Value: "rv"}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, guests, ev := fixture()
			rules.rules = []*store.TriggerRule{{
				ID:           uuid.New(),
				CampgroundID: ev.CampgroundID,
				Event:        string(events.ReservationConfirmed),
				Channel:      store.ChannelEmail,
				Enabled:      true,
				Conditions:   tt.conditions,
			}}
			sink := newFakeSink()
			created, err := newEvaluator(rules, guests, sink, nil).Evaluate(context.Background(), ev)
			if err != nil {
				t.Fatal(err)
			}
			if len(created) != tt.want {
				t.Errorf("deliveries = %d, want %d", len(created), tt.want)
			}
		})
	}
}

func TestEvaluateMissingGuestSkipsWithoutError(t *testing.T) {
	rules, guests, ev := fixture()
	rules.rules = []*store.TriggerRule{{
		ID:           uuid.New(),
		CampgroundID: ev.CampgroundID,
		Event:        string(events.ReservationConfirmed),
		Channel:      store.ChannelEmail,
		Enabled:      true,
	}}
	guests.guest = nil
	sink := newFakeSink()

	created, err := newEvaluator(rules, guests, sink, nil).Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatalf("missing guest must not surface as a retryable error: %v", err)
	}
	if len(created) != 0 || len(sink.created) != 0 {
		t.Error("missing guest must not create deliveries")
	}
}

func TestEvaluateUsesRuleTemplate(t *testing.T) {
	rules, guests, ev := fixture()
	tmplID := uuid.New()
	rules.templates[tmplID] = &store.Template{
		ID:       tmplID,
		Channel:  store.ChannelEmail,
		Subject:  "Custom for {{first_name}}",
		TextBody: "Hello {{first_name}}, custom body.",
	}
	rules.rules = []*store.TriggerRule{{
		ID:           uuid.New(),
		CampgroundID: ev.CampgroundID,
		Event:        string(events.ReservationConfirmed),
		Channel:      store.ChannelEmail,
		Enabled:      true,
		TemplateID:   &tmplID,
	}}
	sink := newFakeSink()

	created, err := newEvaluator(rules, guests, sink, nil).Evaluate(context.Background(), ev)
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(created))
	}
	if created[0].RenderedBody != "Hello Dana, custom body." {
		t.Errorf("body = %q", created[0].RenderedBody)
	}
	if created[0].RenderedSubject == nil || *created[0].RenderedSubject != "Custom for Dana" {
		t.Errorf("subject = %v", created[0].RenderedSubject)
	}
}

func TestTestNotificationBypassesQueue(t *testing.T) {
	rules, guests, ev := fixture()
	rule := &store.TriggerRule{
		ID:           uuid.New(),
		CampgroundID: ev.CampgroundID,
		Event:        string(events.ReservationConfirmed),
		Channel:      store.ChannelBoth,
		Enabled:      true,
	}
	rules.rules = []*store.TriggerRule{rule}
	sink := newFakeSink()
	sender := &recordingSender{}

	err := newEvaluator(rules, guests, sink, sender).TestNotification(context.Background(), rule.ID, "staff@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 sent test message, got %d", len(sender.sent))
	}
	if sender.sent[0].Recipient != "staff@example.com" {
		t.Errorf("recipient = %s", sender.sent[0].Recipient)
	}
	if len(sink.created) != 0 || len(sink.skipped) != 0 {
		t.Error("test notification must not persist delivery records")
	}
	// Sample data renders the default template fully.
	if sender.sent[0].RenderedBody == "" {
		t.Error("test message has empty body")
	}
}
