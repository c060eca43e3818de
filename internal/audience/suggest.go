package audience

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/campreserv/outreach/internal/store"
)

// Suggestion is an advisory audience a campground might want to target.
// Suggestions are computed from aggregate stay data and never applied
// automatically.
type Suggestion struct {
	Reason string               `json:"reason"`
	Count  int                  `json:"count"`
	Filter store.AudienceFilter `json:"filter"`
}

// Suggest returns heuristic audience suggestions for a campground.
// Only segments with at least one matching guest are returned.
func (r *Resolver) Suggest(ctx context.Context, campgroundID uuid.UUID) ([]Suggestion, error) {
	agg, err := r.guestAggregates(ctx, campgroundID)
	if err != nil {
		return nil, err
	}

	yearAgo := time.Now().UTC().AddDate(-1, 0, 0)

	var suggestions []Suggestion
	if agg.LapsedOverYear > 0 {
		suggestions = append(suggestions, Suggestion{
			Reason: "Guests who stayed over a year ago and haven't rebooked",
			Count:  agg.LapsedOverYear,
			Filter: store.AudienceFilter{LastStayBefore: &yearAgo},
		})
	}
	if agg.PromoNoRebook > 0 {
		suggestions = append(suggestions, Suggestion{
			Reason: "Promo users who haven't returned this year",
			Count:  agg.PromoNoRebook,
			Filter: store.AudienceFilter{UsedPromo: true, NotStayedThisYear: true},
		})
	}
	if agg.VIPNoUpcomingStay > 0 {
		suggestions = append(suggestions, Suggestion{
			Reason: "VIP guests without an upcoming reservation",
			Count:  agg.VIPNoUpcomingStay,
			Filter: store.AudienceFilter{VIPOnly: true},
		})
	}

	return suggestions, nil
}

func (r *Resolver) guestAggregates(ctx context.Context, campgroundID uuid.UUID) (*store.StayAggregates, error) {
	repo := store.NewGuestRepository(r.db, r.logger)
	agg, err := repo.GetStayAggregates(ctx, campgroundID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("stay aggregates: %w", err)
	}
	return agg, nil
}
