// Package audience resolves filter criteria into the set of guests a
// campaign may contact. Every query is intersected with the guest's
// communication opt-in for the requested channel; there is no way to
// ask this package for opted-out guests.
package audience

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/store"
)

// SampleSize is the bounded prefix returned for UI preview.
const SampleSize = 10

// Resolver answers audience queries over the guest read model.
type Resolver struct {
	db     *store.DB
	logger *zap.Logger
}

// NewResolver creates a new audience resolver.
func NewResolver(db *store.DB, logger *zap.Logger) *Resolver {
	return &Resolver{
		db:     db,
		logger: logger,
	}
}

// Audience is a resolved guest set. The full set is never materialized:
// Each streams it row by row and may be called more than once, each
// call re-running the query.
type Audience struct {
	Count  int
	Sample []*store.Guest

	resolver     *Resolver
	campgroundID uuid.UUID
	channel      string
	filter       store.AudienceFilter
}

// Size returns the full audience count.
func (a *Audience) Size() int { return a.Count }

// Preview returns the bounded sample prefix.
func (a *Audience) Preview() []*store.Guest { return a.Sample }

// Each streams every matching guest to fn in a stable order. Returning
// an error from fn stops the iteration and propagates the error.
func (a *Audience) Each(ctx context.Context, fn func(*store.Guest) error) error {
	where, args := buildWhere(a.campgroundID, a.channel, a.filter)
	query := `SELECT ` + store.GuestColumns() + ` FROM guests WHERE ` + where + ` ORDER BY created_at ASC, id ASC`

	rows, err := a.resolver.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query audience: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		guest, err := store.ScanGuest(rows)
		if err != nil {
			return fmt.Errorf("scan guest: %w", err)
		}
		if err := fn(guest); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate rows: %w", err)
	}
	return nil
}

// Resolve computes the audience for the filter on the given channel.
// Count and Sample are loaded eagerly; the full set stays lazy.
func (r *Resolver) Resolve(ctx context.Context, campgroundID uuid.UUID, channel string, filter store.AudienceFilter) (*Audience, error) {
	where, args := buildWhere(campgroundID, channel, filter)

	var count int
	countQuery := `SELECT COUNT(*) FROM guests WHERE ` + where
	if err := r.db.Pool().QueryRow(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, fmt.Errorf("count audience: %w", err)
	}

	sampleQuery := fmt.Sprintf(
		`SELECT %s FROM guests WHERE %s ORDER BY created_at ASC, id ASC LIMIT %d`,
		store.GuestColumns(), where, SampleSize,
	)
	rows, err := r.db.Pool().Query(ctx, sampleQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query audience sample: %w", err)
	}
	defer rows.Close()

	var sample []*store.Guest
	for rows.Next() {
		guest, err := store.ScanGuest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan guest: %w", err)
		}
		sample = append(sample, guest)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	r.logger.Debug("audience resolved",
		zap.String("campground_id", campgroundID.String()),
		zap.String("channel", channel),
		zap.Int("count", count),
	)

	return &Audience{
		Count:        count,
		Sample:       sample,
		resolver:     r,
		campgroundID: campgroundID,
		channel:      channel,
		filter:       filter,
	}, nil
}

// buildWhere assembles the WHERE clause for a filter. The opt-in
// predicate is appended unconditionally and cannot be filtered away.
func buildWhere(campgroundID uuid.UUID, channel string, f store.AudienceFilter) (string, []any) {
	clauses := []string{"campground_id = $1"}
	args := []any{campgroundID}

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch channel {
	case store.ChannelEmail:
		clauses = append(clauses, "email_opt_in = TRUE", "email <> ''")
	case store.ChannelSMS:
		clauses = append(clauses, "sms_opt_in = TRUE", "phone <> ''")
	default:
		// A both-channel campaign reaches guests opted into either leg;
		// per-leg opt-in is re-checked when legs are materialized.
		clauses = append(clauses, "((email_opt_in AND email <> '') OR (sms_opt_in AND phone <> ''))")
	}

	if f.SiteType != "" {
		clauses = append(clauses, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM reservations res
			WHERE res.guest_id = guests.id AND res.site_type = %s
		)`, arg(f.SiteType)))
	}
	if f.State != "" {
		clauses = append(clauses, "state = "+arg(f.State))
	}
	if f.LastStayBefore != nil {
		clauses = append(clauses, "last_stay_at IS NOT NULL AND last_stay_at < "+arg(*f.LastStayBefore))
	}
	if f.NotStayedThisYear {
		startOfYear := time.Date(time.Now().UTC().Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		clauses = append(clauses, "(last_stay_at IS NULL OR last_stay_at < "+arg(startOfYear)+")")
	}
	if f.UsedPromo {
		clauses = append(clauses, "used_promo = TRUE")
	}
	if f.VIPOnly {
		clauses = append(clauses, "vip = TRUE")
	}
	if f.LoyaltyTier != "" {
		clauses = append(clauses, "loyalty_tier = "+arg(f.LoyaltyTier))
	}
	if f.UpcomingStayFrom != nil && f.UpcomingStayTo != nil {
		clauses = append(clauses, fmt.Sprintf(`EXISTS (
			SELECT 1 FROM reservations res
			WHERE res.guest_id = guests.id
			  AND res.status NOT IN ('cancelled')
			  AND res.arrival_at >= %s AND res.arrival_at <= %s
		)`, arg(*f.UpcomingStayFrom), arg(*f.UpcomingStayTo)))
	}

	return strings.Join(clauses, " AND "), args
}
