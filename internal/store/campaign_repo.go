package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrInvalidTransition indicates a campaign status change the state
// machine does not allow (e.g. sent back to draft).
var ErrInvalidTransition = errors.New("invalid campaign status transition")

// CampaignRepository handles database operations for campaigns.
type CampaignRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewCampaignRepository creates a new campaign repository
func NewCampaignRepository(db *DB, logger *zap.Logger) *CampaignRepository {
	return &CampaignRepository{
		db:     db,
		logger: logger,
	}
}

const campaignColumns = `
	id, campground_id, name, subject, from_email, from_name,
	html_body, text_body, channel, filter, status, scheduled_at,
	batch_per_minute, created_at, updated_at
`

func scanCampaign(row pgx.Row) (*Campaign, error) {
	var c Campaign
	var filter []byte
	err := row.Scan(
		&c.ID,
		&c.CampgroundID,
		&c.Name,
		&c.Subject,
		&c.FromEmail,
		&c.FromName,
		&c.HTMLBody,
		&c.TextBody,
		&c.Channel,
		&filter,
		&c.Status,
		&c.ScheduledAt,
		&c.BatchPerMinute,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &c.Filter); err != nil {
			return nil, fmt.Errorf("unmarshal filter: %w", err)
		}
	}
	return &c, nil
}

// Create inserts a new campaign in draft status
func (r *CampaignRepository) Create(ctx context.Context, c *Campaign) error {
	filter, err := json.Marshal(c.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}
	if c.Status == "" {
		c.Status = CampaignDraft
	}

	query := `
		INSERT INTO campaigns (
			id, campground_id, name, subject, from_email, from_name,
			html_body, text_body, channel, filter, status, scheduled_at, batch_per_minute
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		c.ID, c.CampgroundID, c.Name, c.Subject, c.FromEmail, c.FromName,
		c.HTMLBody, c.TextBody, c.Channel, filter, c.Status, c.ScheduledAt, c.BatchPerMinute,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	r.logger.Info("campaign created",
		zap.String("campaign_id", c.ID.String()),
		zap.String("name", c.Name),
		zap.String("status", c.Status),
	)
	return nil
}

// Update rewrites a draft campaign's content and targeting. Only drafts
// are editable; later states are owned by the orchestrator.
func (r *CampaignRepository) Update(ctx context.Context, c *Campaign) error {
	filter, err := json.Marshal(c.Filter)
	if err != nil {
		return fmt.Errorf("marshal filter: %w", err)
	}

	query := `
		UPDATE campaigns
		SET name = $2, subject = $3, from_email = $4, from_name = $5,
		    html_body = $6, text_body = $7, channel = $8, filter = $9,
		    scheduled_at = $10, batch_per_minute = $11, updated_at = NOW()
		WHERE id = $1 AND status = 'draft'
	`

	result, err := r.db.Pool().Exec(ctx, query,
		c.ID, c.Name, c.Subject, c.FromEmail, c.FromName,
		c.HTMLBody, c.TextBody, c.Channel, filter, c.ScheduledAt, c.BatchPerMinute)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("campaign not found or not editable: %s", c.ID)
	}
	return nil
}

// Get retrieves a campaign by ID
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	c, err := scanCampaign(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("campaign not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}
	return c, nil
}

// List retrieves campaigns for a campground with pagination
func (r *CampaignRepository) List(ctx context.Context, campgroundID uuid.UUID, limit, offset int) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE campground_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, campgroundID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return campaigns, nil
}

// allowedTransitions encodes the campaign state machine: forward through
// scheduled/sending to sent, cancellable from any pre-sent state, never
// back to draft.
var allowedTransitions = map[string][]string{
	CampaignDraft:     {CampaignScheduled, CampaignSending, CampaignCancelled},
	CampaignScheduled: {CampaignSending, CampaignCancelled},
	CampaignSending:   {CampaignSent, CampaignCancelled},
}

func transitionAllowed(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition moves a campaign between statuses with a compare-and-set
// on the current status, so a concurrent cancel and orchestrator tick
// cannot both win.
func (r *CampaignRepository) Transition(ctx context.Context, id uuid.UUID, from, to string) error {
	if !transitionAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	query := `UPDATE campaigns SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`

	result, err := r.db.Pool().Exec(ctx, query, id, from, to)
	if err != nil {
		return fmt.Errorf("transition campaign: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: campaign %s no longer in status %s", ErrInvalidTransition, id, from)
	}

	r.logger.Info("campaign status changed",
		zap.String("campaign_id", id.String()),
		zap.String("from", from),
		zap.String("to", to),
	)
	return nil
}

// ListDueScheduled returns scheduled campaigns whose send instant has
// arrived, for the orchestrator tick to pick up.
func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at IS NOT NULL AND scheduled_at <= $1
		ORDER BY scheduled_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool().Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return campaigns, nil
}

// ListSending returns campaigns currently materialized and draining.
func (r *CampaignRepository) ListSending(ctx context.Context, limit int) ([]*Campaign, error) {
	query := `
		SELECT ` + campaignColumns + `
		FROM campaigns
		WHERE status = 'sending'
		ORDER BY updated_at ASC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query sending campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return campaigns, nil
}
