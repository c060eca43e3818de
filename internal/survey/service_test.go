package survey

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/render"
	"github.com/campreserv/outreach/internal/store"
)

type fakeSurveyRepo struct {
	surveys   map[uuid.UUID]*store.Survey
	responses []*store.SurveyResponse
	breakdown store.ResponseBreakdown
}

func newFakeSurveyRepo(surveys ...*store.Survey) *fakeSurveyRepo {
	m := map[uuid.UUID]*store.Survey{}
	for _, s := range surveys {
		m[s.ID] = s
	}
	return &fakeSurveyRepo{surveys: m}
}

func (f *fakeSurveyRepo) Create(_ context.Context, s *store.Survey) error {
	f.surveys[s.ID] = s
	return nil
}

func (f *fakeSurveyRepo) Get(_ context.Context, id uuid.UUID) (*store.Survey, error) {
	s, ok := f.surveys[id]
	if !ok {
		return nil, fmt.Errorf("survey not found")
	}
	return s, nil
}

func (f *fakeSurveyRepo) List(_ context.Context, campgroundID uuid.UUID) ([]*store.Survey, error) {
	var out []*store.Survey
	for _, s := range f.surveys {
		if s.CampgroundID == campgroundID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeSurveyRepo) RecordResponse(_ context.Context, resp *store.SurveyResponse) error {
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeSurveyRepo) GetResponseBreakdown(_ context.Context, _ uuid.UUID) (*store.ResponseBreakdown, error) {
	return &f.breakdown, nil
}

type fakeSink struct {
	created []*store.Delivery
	skipped []*store.Delivery
	byKey   map[string]bool
	sent    int
}

func newFakeSink() *fakeSink {
	return &fakeSink{byKey: map[string]bool{}}
}

func (f *fakeSink) Create(_ context.Context, d *store.Delivery) (bool, error) {
	if f.byKey[d.DedupKey] {
		d.Status = store.StatusSkippedCooldown
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

func (f *fakeSink) StatusCounts(_ context.Context, _ string, _ uuid.UUID) (map[string]int, error) {
	return map[string]int{store.StatusSent: f.sent}, nil
}

type fakeGuests struct {
	guest       *store.Guest
	reservation *store.Reservation
}

func (f *fakeGuests) GetGuest(_ context.Context, id uuid.UUID) (*store.Guest, error) {
	if f.guest == nil || f.guest.ID != id {
		return nil, fmt.Errorf("guest not found")
	}
	return f.guest, nil
}

func (f *fakeGuests) GetReservation(_ context.Context, id uuid.UUID) (*store.Reservation, error) {
	if f.reservation == nil || f.reservation.ID != id {
		return nil, fmt.Errorf("reservation not found")
	}
	return f.reservation, nil
}

type fakeSettings struct {
	campground *store.Campground
	templates  map[uuid.UUID]*store.Template
}

func (f *fakeSettings) GetCampground(_ context.Context, _ uuid.UUID) (*store.Campground, error) {
	return f.campground, nil
}

func (f *fakeSettings) GetTemplate(_ context.Context, id uuid.UUID) (*store.Template, error) {
	tmpl, ok := f.templates[id]
	if !ok {
		return nil, fmt.Errorf("template not found")
	}
	return tmpl, nil
}

func pct(v int) *int { return &v }

func fixture() (*fakeSurveyRepo, *fakeSink, *fakeGuests, *fakeSettings, *store.Survey) {
	campgroundID := uuid.New()
	survey := &store.Survey{
		ID:              uuid.New(),
		CampgroundID:    campgroundID,
		Name:            "Post-stay NPS",
		CooldownDays:    30,
		SamplingPercent: pct(100),
		Active:          true,
	}
	guests := &fakeGuests{
		guest: &store.Guest{
			ID:           uuid.New(),
			CampgroundID: campgroundID,
			FirstName:    "Dana",
			Email:        "dana@example.com",
			EmailOptIn:   true,
		},
	}
	settings := &fakeSettings{
		campground: &store.Campground{ID: campgroundID, Name: "Pine Ridge Campground"},
		templates:  map[uuid.UUID]*store.Template{},
	}
	return newFakeSurveyRepo(survey), newFakeSink(), guests, settings, survey
}

func newService(repo Repository, sink DeliverySink, guests GuestSource, settings SettingsSource) *Service {
	return New(repo, sink, guests, settings, render.New(), "https://outreach.example.com", zap.NewNop())
}

func TestCreateInviteQueuesRenderedDelivery(t *testing.T) {
	repo, sink, guests, settings, survey := fixture()
	svc := newService(repo, sink, guests, settings)

	at := time.Date(2025, 7, 8, 9, 0, 0, 0, time.UTC)
	d, err := svc.CreateInvite(context.Background(), survey.ID, guests.guest.ID, uuid.New(), at)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil {
		t.Fatal("expected invite delivery")
	}
	if d.SourceSurveyID == nil || *d.SourceSurveyID != survey.ID {
		t.Error("invite missing survey source")
	}
	if !strings.Contains(d.RenderedBody, "https://outreach.example.com/v1/nps/") {
		t.Errorf("body missing nps link: %q", d.RenderedBody)
	}
	if strings.Contains(d.RenderedBody, "{{nps_link}}") {
		t.Error("nps_link placeholder not replaced")
	}
	if len(sink.created) != 1 {
		t.Fatalf("created = %d, want 1", len(sink.created))
	}
}

func TestCreateInviteCooldownFoldsWindowIntoKey(t *testing.T) {
	repo, sink, guests, settings, survey := fixture()
	svc := newService(repo, sink, guests, settings)

	base := time.Date(2025, 7, 8, 9, 0, 0, 0, time.UTC)

	if _, err := svc.CreateInvite(context.Background(), survey.ID, guests.guest.ID, uuid.New(), base); err != nil {
		t.Fatal(err)
	}
	// Second stay a week later: inside the 30-day cooldown window.
	d, err := svc.CreateInvite(context.Background(), survey.ID, guests.guest.ID, uuid.New(), base.Add(7*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatal("invite inside cooldown window must be deduplicated")
	}
	if len(sink.created) != 1 {
		t.Fatalf("created = %d, want 1", len(sink.created))
	}
	if len(sink.skipped) != 1 || sink.skipped[0].Status != store.StatusSkippedCooldown {
		t.Fatal("cooldown skip must be recorded as skipped_cooldown")
	}

	// A stay well past the window gets a fresh invite.
	d, err = svc.CreateInvite(context.Background(), survey.ID, guests.guest.ID, uuid.New(), base.Add(60*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if d == nil {
		t.Fatal("invite past cooldown window should be created")
	}
}

func TestCreateInviteRespectsSampling(t *testing.T) {
	repo, sink, guests, settings, survey := fixture()
	survey.SamplingPercent = pct(50)
	svc := newService(repo, sink, guests, settings)

	at := time.Now()
	sampled := InSample(guests.guest.ID, survey.ID, 50)

	d, err := svc.CreateInvite(context.Background(), survey.ID, guests.guest.ID, uuid.New(), at)
	if err != nil {
		t.Fatal(err)
	}
	if sampled && d == nil {
		t.Fatal("in-sample guest should get an invite")
	}
	if !sampled && d != nil {
		t.Fatal("out-of-sample guest must not get an invite")
	}
}

func TestCreateInviteZeroSamplingPausesInvites(t *testing.T) {
	repo, sink, guests, settings, survey := fixture()
	// Explicit 0% pauses invites; the campground default must not
	// override a deliberate pause.
	survey.SamplingPercent = pct(0)
	settings.campground.SurveySamplingPercent = 100
	svc := newService(repo, sink, guests, settings)

	d, err := svc.CreateInvite(context.Background(), survey.ID, guests.guest.ID, uuid.New(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if d != nil || len(sink.created) != 0 {
		t.Fatal("0%% sampling must not invite anyone")
	}
}

func TestCreateInviteUnsetSamplingInheritsCampground(t *testing.T) {
	repo, sink, guests, settings, survey := fixture()
	survey.SamplingPercent = nil
	svc := newService(repo, sink, guests, settings)

	settings.campground.SurveySamplingPercent = 100
	d, err := svc.CreateInvite(context.Background(), survey.ID, guests.guest.ID, uuid.New(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if d == nil {
		t.Fatal("unset sampling with 100%% campground default should invite")
	}

	settings.campground.SurveySamplingPercent = 0
	d, err = svc.CreateInvite(context.Background(), survey.ID, guests.guest.ID, uuid.New(), time.Now().Add(90*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatal("unset sampling with 0%% campground default must pause invites")
	}
}

func TestCreateInviteInactiveSurveyNoop(t *testing.T) {
	repo, sink, guests, settings, survey := fixture()
	survey.Active = false
	svc := newService(repo, sink, guests, settings)

	d, err := svc.CreateInvite(context.Background(), survey.ID, guests.guest.ID, uuid.New(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if d != nil || len(sink.created) != 0 {
		t.Fatal("inactive survey must not create invites")
	}
}

func TestCreateInviteOptedOutGuestSkipped(t *testing.T) {
	repo, sink, guests, settings, survey := fixture()
	guests.guest.EmailOptIn = false
	svc := newService(repo, sink, guests, settings)

	d, err := svc.CreateInvite(context.Background(), survey.ID, guests.guest.ID, uuid.New(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if d != nil {
		t.Fatal("opted-out guest must not get an invite")
	}
	if len(sink.skipped) != 1 || sink.skipped[0].Status != store.StatusSkippedOptOut {
		t.Fatal("opt-out skip must be recorded")
	}
}

func TestSamplingIsDeterministic(t *testing.T) {
	guestID := uuid.New()
	surveyID := uuid.New()

	first := InSample(guestID, surveyID, 40)
	for i := 0; i < 100; i++ {
		if InSample(guestID, surveyID, 40) != first {
			t.Fatal("sampling decision must be stable for the same pair")
		}
	}
}

func TestSamplingBounds(t *testing.T) {
	guestID := uuid.New()
	surveyID := uuid.New()

	if InSample(guestID, surveyID, 0) {
		t.Error("0%% must sample nobody")
	}
	if !InSample(guestID, surveyID, 100) {
		t.Error("100%% must sample everybody")
	}
}

func TestSamplingRoughlyProportional(t *testing.T) {
	surveyID := uuid.New()
	hits := 0
	n := 2000
	for i := 0; i < n; i++ {
		if InSample(uuid.New(), surveyID, 30) {
			hits++
		}
	}
	ratio := float64(hits) / float64(n)
	if ratio < 0.2 || ratio > 0.4 {
		t.Errorf("30%% sampling hit ratio = %.2f, want around 0.3", ratio)
	}
}

func TestRecordResponseValidatesScore(t *testing.T) {
	repo, sink, guests, settings, survey := fixture()
	svc := newService(repo, sink, guests, settings)

	if err := svc.RecordResponse(context.Background(), survey.ID, uuid.New(), 11, ""); err == nil {
		t.Fatal("score 11 must be rejected")
	}
	if err := svc.RecordResponse(context.Background(), survey.ID, uuid.New(), -1, ""); err == nil {
		t.Fatal("score -1 must be rejected")
	}
	if err := svc.RecordResponse(context.Background(), survey.ID, uuid.New(), 9, "great stay"); err != nil {
		t.Fatal(err)
	}
	if len(repo.responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(repo.responses))
	}
}

func TestGetMetricsComputesNPS(t *testing.T) {
	repo, sink, guests, settings, survey := fixture()
	repo.breakdown = store.ResponseBreakdown{
		Responses:  10,
		Promoters:  6,
		Passives:   2,
		Detractors: 2,
	}
	sink.sent = 40
	svc := newService(repo, sink, guests, settings)

	m, err := svc.GetMetrics(context.Background(), survey.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Sent != 40 {
		t.Errorf("sent = %d, want 40", m.Sent)
	}
	if m.NPS != 40 {
		t.Errorf("nps = %d, want 40 (60%% promoters - 20%% detractors)", m.NPS)
	}
}

func TestCreateSurveyValidation(t *testing.T) {
	repo, sink, guests, settings, _ := fixture()
	svc := newService(repo, sink, guests, settings)

	err := svc.CreateSurvey(context.Background(), &store.Survey{SamplingPercent: pct(120)})
	if err == nil {
		t.Fatal("sampling percent over 100 must be rejected")
	}
	err = svc.CreateSurvey(context.Background(), &store.Survey{CooldownDays: -1})
	if err == nil {
		t.Fatal("negative cooldown must be rejected")
	}
	s := &store.Survey{Name: "ok", SamplingPercent: pct(50), CooldownDays: 14}
	if err := svc.CreateSurvey(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	if s.ID == uuid.Nil {
		t.Error("create must assign an id")
	}
}
