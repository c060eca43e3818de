package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/store"
)

type fakeRepo struct {
	due []*store.Delivery

	// requeue makes Release put the delivery back on the due list, the
	// way a released row becomes claimable on the next poll.
	requeue bool
	byID    map[uuid.UUID]*store.Delivery

	released  []uuid.UUID
	cancelled []uuid.UUID
	sent      map[uuid.UUID]int
	failed    map[uuid.UUID]failure
}

type failure struct {
	attempt int
	errMsg  string
	retryAt *time.Time
}

func newFakeRepo(due ...*store.Delivery) *fakeRepo {
	byID := map[uuid.UUID]*store.Delivery{}
	for _, d := range due {
		byID[d.ID] = d
	}
	return &fakeRepo{
		due:    due,
		byID:   byID,
		sent:   map[uuid.UUID]int{},
		failed: map[uuid.UUID]failure{},
	}
}

func (f *fakeRepo) ClaimDue(_ context.Context, _ time.Time, limit, _ int) ([]*store.Delivery, error) {
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	out := f.due
	f.due = nil
	return out, nil
}

func (f *fakeRepo) Release(_ context.Context, id uuid.UUID) error {
	f.released = append(f.released, id)
	if f.requeue {
		f.due = append(f.due, f.byID[id])
	}
	return nil
}

func (f *fakeRepo) Cancel(_ context.Context, id uuid.UUID) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeRepo) MarkSent(_ context.Context, id uuid.UUID, attempt int) error {
	f.sent[id] = attempt
	return nil
}

func (f *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, attempt int, errMsg string, retryAt *time.Time) error {
	f.failed[id] = failure{attempt: attempt, errMsg: errMsg, retryAt: retryAt}
	return nil
}

type fakeCampaigns struct {
	campaigns map[uuid.UUID]*store.Campaign
}

func (f *fakeCampaigns) Get(_ context.Context, id uuid.UUID) (*store.Campaign, error) {
	c, ok := f.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign not found")
	}
	return c, nil
}

type fakeSender struct {
	err  error
	sent []*store.Delivery
}

func (f *fakeSender) Send(_ context.Context, d *store.Delivery) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, d)
	return nil
}

func (f *fakeSender) SupportsChannel(string) bool { return true }

type fakeThrottle struct {
	budget map[string]int
}

func (f *fakeThrottle) Allow(_ context.Context, key string, limit int) (bool, error) {
	if f.budget[key] >= limit {
		return false, nil
	}
	f.budget[key]++
	return true, nil
}

type fakeGuard struct {
	held     map[uuid.UUID]bool
	rejected bool
}

func (f *fakeGuard) Acquire(_ context.Context, id uuid.UUID) (bool, error) {
	if f.rejected {
		return false, nil
	}
	if f.held == nil {
		f.held = map[uuid.UUID]bool{}
	}
	if f.held[id] {
		return false, nil
	}
	f.held[id] = true
	return true, nil
}

func (f *fakeGuard) Release(_ context.Context, id uuid.UUID) error {
	delete(f.held, id)
	return nil
}

func delivery(channel string) *store.Delivery {
	return &store.Delivery{
		ID:           uuid.New(),
		CampgroundID: uuid.New(),
		Recipient:    "dest@example.com",
		Channel:      channel,
		RenderedBody: "hello",
		ScheduledAt:  time.Now().Add(-time.Minute),
		Status:       store.StatusSending,
	}
}

func newDispatcher(repo Repository, campaigns CampaignSource, sender *fakeSender, guard Guard, throttle Throttle) *Dispatcher {
	return New(repo, campaigns, sender, guard, throttle, Config{}, zap.NewNop())
}

func TestProcessBatchSendsDueDelivery(t *testing.T) {
	d := delivery(store.ChannelEmail)
	repo := newFakeRepo(d)
	sender := &fakeSender{}

	newDispatcher(repo, &fakeCampaigns{}, sender, nil, nil).ProcessBatch(context.Background())

	if len(sender.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sender.sent))
	}
	if repo.sent[d.ID] != 1 {
		t.Errorf("recorded attempt = %d, want 1", repo.sent[d.ID])
	}
}

func TestFirstFailureSchedulesRetry(t *testing.T) {
	d := delivery(store.ChannelEmail)
	repo := newFakeRepo(d)
	sender := &fakeSender{err: errors.New("ses down")}

	disp := newDispatcher(repo, &fakeCampaigns{}, sender, nil, nil)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	disp.now = func() time.Time { return base }

	disp.ProcessBatch(context.Background())

	f, ok := repo.failed[d.ID]
	if !ok {
		t.Fatal("delivery not marked failed")
	}
	if f.attempt != 1 {
		t.Errorf("attempt = %d, want 1", f.attempt)
	}
	if f.retryAt == nil {
		t.Fatal("first failure must schedule a retry")
	}
	if want := base.Add(5 * time.Minute); !f.retryAt.Equal(want) {
		t.Errorf("retry_at = %v, want %v", f.retryAt, want)
	}
	if f.errMsg != "ses down" {
		t.Errorf("error message = %q", f.errMsg)
	}
}

func TestSecondFailureIsTerminal(t *testing.T) {
	d := delivery(store.ChannelEmail)
	d.Attempt = 1
	repo := newFakeRepo(d)
	sender := &fakeSender{err: errors.New("still down")}

	newDispatcher(repo, &fakeCampaigns{}, sender, nil, nil).ProcessBatch(context.Background())

	f, ok := repo.failed[d.ID]
	if !ok {
		t.Fatal("delivery not marked failed")
	}
	if f.attempt != 2 {
		t.Errorf("attempt = %d, want 2", f.attempt)
	}
	if f.retryAt != nil {
		t.Error("second failure must be terminal, got retry_at set")
	}
}

func TestCampaignThrottleReleasesOverflow(t *testing.T) {
	campaignID := uuid.New()
	limit := 2
	campaigns := &fakeCampaigns{campaigns: map[uuid.UUID]*store.Campaign{
		campaignID: {
			ID:             campaignID,
			Status:         store.CampaignSending,
			BatchPerMinute: &limit,
		},
	}}

	var due []*store.Delivery
	for i := 0; i < 5; i++ {
		d := delivery(store.ChannelEmail)
		d.SourceCampaignID = &campaignID
		due = append(due, d)
	}
	repo := newFakeRepo(due...)
	sender := &fakeSender{}

	disp := newDispatcher(repo, campaigns, sender, nil, &fakeThrottle{budget: map[string]int{}})
	disp.ProcessBatch(context.Background())

	if len(sender.sent) != 2 {
		t.Fatalf("sent = %d, want exactly the throttle budget of 2", len(sender.sent))
	}
	if len(repo.released) != 3 {
		t.Fatalf("released = %d, want 3 given back for the next poll", len(repo.released))
	}
	if len(repo.failed) != 0 {
		t.Error("throttled deliveries must not be marked failed")
	}
}

func TestThrottledCampaignDrainsToCompletion(t *testing.T) {
	campaignID := uuid.New()
	limit := 2
	campaigns := &fakeCampaigns{campaigns: map[uuid.UUID]*store.Campaign{
		campaignID: {
			ID:             campaignID,
			Status:         store.CampaignSending,
			BatchPerMinute: &limit,
		},
	}}

	var due []*store.Delivery
	for i := 0; i < 5; i++ {
		d := delivery(store.ChannelEmail)
		d.SourceCampaignID = &campaignID
		due = append(due, d)
	}
	repo := newFakeRepo(due...)
	repo.requeue = true
	sender := &fakeSender{}
	throttle := &fakeThrottle{budget: map[string]int{}}

	disp := newDispatcher(repo, campaigns, sender, nil, throttle)

	// Each poll sends at most the per-minute budget; released overflow
	// is reclaimed once the window rolls over.
	wantAfterPass := []int{2, 4, 5}
	for pass, want := range wantAfterPass {
		disp.ProcessBatch(context.Background())
		if len(sender.sent) != want {
			t.Fatalf("pass %d: sent = %d, want %d", pass+1, len(sender.sent), want)
		}
		throttle.budget = map[string]int{}
	}

	if len(repo.due) != 0 {
		t.Fatalf("due = %d, want 0 after the drain", len(repo.due))
	}
	if len(repo.sent) != 5 {
		t.Fatalf("marked sent = %d, want all 5", len(repo.sent))
	}
	if len(repo.failed) != 0 {
		t.Error("throttle deferrals must never be marked failed")
	}
}

func TestCancelledCampaignDeliveryIsDropped(t *testing.T) {
	campaignID := uuid.New()
	campaigns := &fakeCampaigns{campaigns: map[uuid.UUID]*store.Campaign{
		campaignID: {ID: campaignID, Status: store.CampaignCancelled},
	}}

	d := delivery(store.ChannelEmail)
	d.SourceCampaignID = &campaignID
	repo := newFakeRepo(d)
	sender := &fakeSender{}

	newDispatcher(repo, campaigns, sender, nil, nil).ProcessBatch(context.Background())

	if len(sender.sent) != 0 {
		t.Fatal("cancelled campaign delivery must not be sent")
	}
	if len(repo.cancelled) != 1 {
		t.Fatalf("cancelled = %d, want 1", len(repo.cancelled))
	}
}

func TestGuardRejectionSkipsSend(t *testing.T) {
	d := delivery(store.ChannelEmail)
	repo := newFakeRepo(d)
	sender := &fakeSender{}

	newDispatcher(repo, &fakeCampaigns{}, sender, &fakeGuard{rejected: true}, nil).ProcessBatch(context.Background())

	if len(sender.sent) != 0 {
		t.Fatal("guard-rejected delivery must not be sent")
	}
	if len(repo.sent) != 0 || len(repo.failed) != 0 {
		t.Error("guard-rejected delivery must be left for the claim holder")
	}
}

func TestGuardReleasedOnFailureForRetry(t *testing.T) {
	d := delivery(store.ChannelSMS)
	repo := newFakeRepo(d)
	sender := &fakeSender{err: errors.New("sns down")}
	guard := &fakeGuard{}

	newDispatcher(repo, &fakeCampaigns{}, sender, guard, nil).ProcessBatch(context.Background())

	if guard.held[d.ID] {
		t.Error("claim must be released after failure so the retry can acquire it")
	}
}

func TestBatchRespectsClaimLimit(t *testing.T) {
	var due []*store.Delivery
	for i := 0; i < 40; i++ {
		due = append(due, delivery(store.ChannelEmail))
	}
	repo := newFakeRepo(due...)
	sender := &fakeSender{}

	New(repo, &fakeCampaigns{}, sender, nil, nil, Config{BatchSize: 10}, zap.NewNop()).ProcessBatch(context.Background())

	if len(sender.sent) != 10 {
		t.Fatalf("sent = %d, want batch size 10", len(sender.sent))
	}
}
