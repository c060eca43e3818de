package audience

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/campreserv/outreach/internal/store"
)

func TestBuildWhereAlwaysIntersectsOptIn(t *testing.T) {
	campgroundID := uuid.New()

	tests := []struct {
		channel string
		want    string
	}{
		{store.ChannelEmail, "email_opt_in = TRUE"},
		{store.ChannelSMS, "sms_opt_in = TRUE"},
		{store.ChannelBoth, "(email_opt_in AND email <> '') OR (sms_opt_in AND phone <> '')"},
	}

	for _, tt := range tests {
		t.Run(tt.channel, func(t *testing.T) {
			// An empty filter must not strip the opt-in predicate.
			where, args := buildWhere(campgroundID, tt.channel, store.AudienceFilter{})
			if !strings.Contains(where, tt.want) {
				t.Errorf("where = %q, missing %q", where, tt.want)
			}
			if !strings.Contains(where, "campground_id = $1") {
				t.Errorf("where = %q, missing campground scope", where)
			}
			if len(args) != 1 {
				t.Errorf("args = %d, want 1 (campground only)", len(args))
			}
		})
	}
}

func TestBuildWhereFilterClauses(t *testing.T) {
	campgroundID := uuid.New()
	lastStay := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	filter := store.AudienceFilter{
		SiteType:       "rv",
		State:          "CO",
		LastStayBefore: &lastStay,
		UsedPromo:      true,
		VIPOnly:        true,
		LoyaltyTier:    "gold",
	}

	where, args := buildWhere(campgroundID, store.ChannelEmail, filter)

	for _, clause := range []string{
		"res.site_type = $2",
		"state = $3",
		"last_stay_at < $4",
		"used_promo = TRUE",
		"vip = TRUE",
		"loyalty_tier = $5",
	} {
		if !strings.Contains(where, clause) {
			t.Errorf("where = %q, missing %q", where, clause)
		}
	}

	want := []any{campgroundID, "rv", "CO", lastStay, "gold"}
	if len(args) != len(want) {
		t.Fatalf("args = %d, want %d", len(args), len(want))
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("args[%d] = %v, want %v", i, args[i], want[i])
		}
	}
}

func TestBuildWhereUpcomingStayWindow(t *testing.T) {
	from := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 7, 31, 0, 0, 0, 0, time.UTC)

	where, args := buildWhere(uuid.New(), store.ChannelSMS, store.AudienceFilter{
		UpcomingStayFrom: &from,
		UpcomingStayTo:   &to,
	})

	if !strings.Contains(where, "res.arrival_at >= $2 AND res.arrival_at <= $3") {
		t.Errorf("where = %q, missing arrival window", where)
	}
	if !strings.Contains(where, "res.status NOT IN ('cancelled')") {
		t.Errorf("where = %q, cancelled reservations must be excluded", where)
	}
	if len(args) != 3 {
		t.Errorf("args = %d, want 3", len(args))
	}

	// One bound alone is not a window.
	where, _ = buildWhere(uuid.New(), store.ChannelSMS, store.AudienceFilter{UpcomingStayFrom: &from})
	if strings.Contains(where, "arrival_at") {
		t.Errorf("where = %q, open-ended window must not produce a clause", where)
	}
}

func TestBuildWhereNotStayedThisYearIncludesNeverStayed(t *testing.T) {
	where, _ := buildWhere(uuid.New(), store.ChannelEmail, store.AudienceFilter{NotStayedThisYear: true})
	if !strings.Contains(where, "last_stay_at IS NULL OR last_stay_at <") {
		t.Errorf("where = %q, guests who never stayed must match", where)
	}
}

func TestAudienceSizeAndPreview(t *testing.T) {
	guest := &store.Guest{ID: uuid.New(), FirstName: "Dana"}
	a := &Audience{Count: 42, Sample: []*store.Guest{guest}}

	if a.Size() != 42 {
		t.Errorf("Size() = %d, want 42", a.Size())
	}
	if len(a.Preview()) != 1 || a.Preview()[0].FirstName != "Dana" {
		t.Errorf("Preview() = %+v, want the sample prefix", a.Preview())
	}
}
