package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// GuestRepository reads the guest and reservation records the engine
// anchors on. The records themselves are owned by the reservation
// system; this repository never writes them.
type GuestRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewGuestRepository creates a new guest repository
func NewGuestRepository(db *DB, logger *zap.Logger) *GuestRepository {
	return &GuestRepository{
		db:     db,
		logger: logger,
	}
}

const guestColumns = `
	id, campground_id, first_name, last_name, email, phone,
	email_opt_in, sms_opt_in, state, vip, loyalty_tier, used_promo,
	last_stay_at, created_at
`

// ScanGuest scans one guest row. Exported for the audience resolver,
// which streams rows from its own filter query.
func ScanGuest(row pgx.Row) (*Guest, error) {
	var g Guest
	err := row.Scan(
		&g.ID,
		&g.CampgroundID,
		&g.FirstName,
		&g.LastName,
		&g.Email,
		&g.Phone,
		&g.EmailOptIn,
		&g.SMSOptIn,
		&g.State,
		&g.VIP,
		&g.LoyaltyTier,
		&g.UsedPromo,
		&g.LastStayAt,
		&g.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// GuestColumns returns the canonical guest column list for queries
// built outside this package.
func GuestColumns() string {
	return guestColumns
}

// GetGuest retrieves a guest by ID
func (r *GuestRepository) GetGuest(ctx context.Context, id uuid.UUID) (*Guest, error) {
	query := `SELECT ` + guestColumns + ` FROM guests WHERE id = $1`

	g, err := ScanGuest(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("guest not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query guest: %w", err)
	}
	return g, nil
}

// GetReservation retrieves a fresh reservation snapshot. The trigger
// evaluator conditions run against this snapshot, not the event
// payload, so a stale event cannot act on outdated attributes.
func (r *GuestRepository) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	query := `
		SELECT id, campground_id, guest_id, site_type, status,
		       arrival_at, departure_at, total_cents, balance_cents, created_at
		FROM reservations
		WHERE id = $1
	`

	var res Reservation
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&res.ID,
		&res.CampgroundID,
		&res.GuestID,
		&res.SiteType,
		&res.Status,
		&res.ArrivalAt,
		&res.DepartureAt,
		&res.TotalCents,
		&res.BalanceCents,
		&res.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("reservation not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return &res, nil
}

// ListReservationsByAnchor returns non-cancelled reservations whose
// anchor timestamp (arrival or departure) falls inside [since, until].
// The schedule sweep uses this to bound each pass to reservations that
// can produce a send inside its horizon.
func (r *GuestRepository) ListReservationsByAnchor(ctx context.Context, campgroundID uuid.UUID, anchor string, since, until time.Time) ([]*Reservation, error) {
	column := "departure_at"
	if anchor == AnchorArrival {
		column = "arrival_at"
	}

	query := `
		SELECT id, campground_id, guest_id, site_type, status,
		       arrival_at, departure_at, total_cents, balance_cents, created_at
		FROM reservations
		WHERE campground_id = $1
		  AND status NOT IN ('cancelled')
		  AND ` + column + ` >= $2 AND ` + column + ` <= $3
		ORDER BY ` + column + ` ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, campgroundID, since, until)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var reservations []*Reservation
	for rows.Next() {
		var res Reservation
		err := rows.Scan(
			&res.ID,
			&res.CampgroundID,
			&res.GuestID,
			&res.SiteType,
			&res.Status,
			&res.ArrivalAt,
			&res.DepartureAt,
			&res.TotalCents,
			&res.BalanceCents,
			&res.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		reservations = append(reservations, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return reservations, nil
}

// StayAggregates summarizes a campground's guest base for audience
// suggestions: lapsed guests, promo users who never returned, VIPs
// without an upcoming stay.
type StayAggregates struct {
	LapsedOverYear     int
	PromoNoRebook      int
	VIPNoUpcomingStay  int
	OptedInGuestsTotal int
}

// GetStayAggregates computes the aggregate counts behind Suggest.
func (r *GuestRepository) GetStayAggregates(ctx context.Context, campgroundID uuid.UUID, now time.Time) (*StayAggregates, error) {
	yearAgo := now.AddDate(-1, 0, 0)

	query := `
		SELECT
			COUNT(*) FILTER (WHERE last_stay_at IS NOT NULL AND last_stay_at < $2),
			COUNT(*) FILTER (WHERE used_promo AND (last_stay_at IS NULL OR last_stay_at < $2)),
			COUNT(*) FILTER (WHERE vip AND NOT EXISTS (
				SELECT 1 FROM reservations res
				WHERE res.guest_id = guests.id AND res.arrival_at > $3 AND res.status NOT IN ('cancelled')
			)),
			COUNT(*) FILTER (WHERE email_opt_in OR sms_opt_in)
		FROM guests
		WHERE campground_id = $1
	`

	var agg StayAggregates
	err := r.db.Pool().QueryRow(ctx, query, campgroundID, yearAgo, now).Scan(
		&agg.LapsedOverYear,
		&agg.PromoNoRebook,
		&agg.VIPNoUpcomingStay,
		&agg.OptedInGuestsTotal,
	)
	if err != nil {
		return nil, fmt.Errorf("query stay aggregates: %w", err)
	}
	return &agg, nil
}
