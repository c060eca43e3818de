package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DeliveryRepository handles database operations for deliveries.
type DeliveryRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewDeliveryRepository creates a new delivery repository
func NewDeliveryRepository(db *DB, logger *zap.Logger) *DeliveryRepository {
	return &DeliveryRepository{
		db:     db,
		logger: logger,
	}
}

const deliveryColumns = `
	id, campground_id, guest_id, recipient, channel,
	rendered_subject, rendered_body, scheduled_at, status, attempt,
	error_message, retry_at, source_rule_id, source_campaign_id, source_survey_id,
	dedup_key, seq, sent_at, created_at, updated_at
`

func scanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	err := row.Scan(
		&d.ID,
		&d.CampgroundID,
		&d.GuestID,
		&d.Recipient,
		&d.Channel,
		&d.RenderedSubject,
		&d.RenderedBody,
		&d.ScheduledAt,
		&d.Status,
		&d.Attempt,
		&d.ErrorMessage,
		&d.RetryAt,
		&d.SourceRuleID,
		&d.SourceCampaignID,
		&d.SourceSurveyID,
		&d.DedupKey,
		&d.Seq,
		&d.SentAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// Create inserts a delivery under its dedup key. A partial unique index
// covers non-terminal and sent rows, so the insert silently loses when a
// live delivery already holds the key; in that case one skipped_cooldown
// audit row is kept for the key and created=false is returned.
func (r *DeliveryRepository) Create(ctx context.Context, d *Delivery) (created bool, err error) {
	insertQuery := `
		INSERT INTO deliveries (
			id, campground_id, guest_id, recipient, channel,
			rendered_subject, rendered_body, scheduled_at, status, attempt,
			source_rule_id, source_campaign_id, source_survey_id, dedup_key, seq
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (dedup_key) WHERE status IN ('pending', 'sending', 'sent') DO NOTHING
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(
		ctx,
		insertQuery,
		d.ID,
		d.CampgroundID,
		d.GuestID,
		d.Recipient,
		d.Channel,
		d.RenderedSubject,
		d.RenderedBody,
		d.ScheduledAt,
		d.Status,
		d.Attempt,
		d.SourceRuleID,
		d.SourceCampaignID,
		d.SourceSurveyID,
		d.DedupKey,
		d.Seq,
	).Scan(&d.CreatedAt, &d.UpdatedAt)

	if err == pgx.ErrNoRows {
		// Duplicate evaluation of the same key. Not an error; keep the
		// skipped row so staff can see the dedup decision.
		d.Status = StatusSkippedCooldown
		if skipErr := r.insertSkipped(ctx, d); skipErr != nil {
			return false, skipErr
		}
		r.logger.Debug("delivery deduplicated",
			zap.String("dedup_key", d.DedupKey),
			zap.String("recipient", d.Recipient),
		)
		return false, nil
	}

	if err != nil {
		r.logger.Error("failed to create delivery",
			zap.Error(err),
			zap.String("dedup_key", d.DedupKey),
		)
		return false, fmt.Errorf("insert delivery: %w", err)
	}

	return true, nil
}

// InsertSkipped records a delivery that was resolved but will never be
// dispatched (opt-out, dedup). One audit row per (dedup_key, status):
// the sweeper and evaluator re-resolve the same keys on every pass, and
// repeats must not pile up rows or skew status counts.
func (r *DeliveryRepository) InsertSkipped(ctx context.Context, d *Delivery) error {
	return r.insertSkipped(ctx, d)
}

func (r *DeliveryRepository) insertSkipped(ctx context.Context, d *Delivery) error {
	query := `
		INSERT INTO deliveries (
			id, campground_id, guest_id, recipient, channel,
			rendered_subject, rendered_body, scheduled_at, status, attempt,
			source_rule_id, source_campaign_id, source_survey_id, dedup_key, seq
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		ON CONFLICT (dedup_key, status) WHERE status IN ('skipped_cooldown', 'skipped_optout') DO NOTHING
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		d.ID,
		d.CampgroundID,
		d.GuestID,
		d.Recipient,
		d.Channel,
		d.RenderedSubject,
		d.RenderedBody,
		d.ScheduledAt,
		d.Status,
		d.Attempt,
		d.SourceRuleID,
		d.SourceCampaignID,
		d.SourceSurveyID,
		d.DedupKey,
		d.Seq,
	).Scan(&d.CreatedAt, &d.UpdatedAt)
	if err == pgx.ErrNoRows {
		// Already recorded on an earlier pass.
		r.logger.Debug("skip already recorded",
			zap.String("dedup_key", d.DedupKey),
			zap.String("status", d.Status),
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert skipped delivery: %w", err)
	}
	return nil
}

// Get retrieves a delivery by ID
func (r *DeliveryRepository) Get(ctx context.Context, id uuid.UUID) (*Delivery, error) {
	query := `SELECT ` + deliveryColumns + ` FROM deliveries WHERE id = $1`

	d, err := scanDelivery(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("delivery not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query delivery: %w", err)
	}
	return d, nil
}

// ClaimDue atomically claims up to limit due deliveries by flipping them
// to 'sending'. The subselect takes row locks with SKIP LOCKED, so two
// concurrent poll cycles can never claim the same delivery. Failed
// deliveries with a retry window still open are claimed alongside
// pending ones.
func (r *DeliveryRepository) ClaimDue(ctx context.Context, now time.Time, limit, maxAttempts int) ([]*Delivery, error) {
	query := `
		UPDATE deliveries SET status = 'sending', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM deliveries
			WHERE (status = 'pending' AND scheduled_at <= $1)
			   OR (status = 'failed' AND retry_at IS NOT NULL AND retry_at <= $1 AND attempt < $3)
			ORDER BY scheduled_at ASC, seq ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + deliveryColumns

	rows, err := r.db.Pool().Query(ctx, query, now, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("claim due deliveries: %w", err)
	}
	defer rows.Close()

	var claimed []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		claimed = append(claimed, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	// RETURNING does not preserve the subselect order, so restore it.
	sort.Slice(claimed, func(i, j int) bool {
		if claimed[i].ScheduledAt.Equal(claimed[j].ScheduledAt) {
			return claimed[i].Seq < claimed[j].Seq
		}
		return claimed[i].ScheduledAt.Before(claimed[j].ScheduledAt)
	})
	return claimed, nil
}

// Release returns a claimed delivery to pending, e.g. when a campaign
// throttle window is exhausted mid-batch.
func (r *DeliveryRepository) Release(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE deliveries SET status = 'pending', updated_at = NOW() WHERE id = $1 AND status = 'sending'`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("release delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery not claimed: %s", id)
	}
	return nil
}

// Cancel drops a claimed delivery whose campaign was cancelled after
// the claim was taken.
func (r *DeliveryRepository) Cancel(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE deliveries SET status = 'cancelled', updated_at = NOW() WHERE id = $1 AND status = 'sending'`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("cancel delivery: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery not claimed: %s", id)
	}
	return nil
}

// MarkSent transitions a claimed delivery to its terminal sent state.
func (r *DeliveryRepository) MarkSent(ctx context.Context, id uuid.UUID, attempt int) error {
	query := `
		UPDATE deliveries
		SET status = 'sent', attempt = $2, sent_at = NOW(), error_message = NULL, retry_at = NULL, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, attempt)
	if err != nil {
		return fmt.Errorf("mark delivery sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery not found: %s", id)
	}
	return nil
}

// MarkFailed records a transport failure. A non-nil retryAt keeps the
// delivery eligible for one more claim; nil makes the failure terminal.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, errorMsg string, retryAt *time.Time) error {
	query := `
		UPDATE deliveries
		SET status = 'failed', attempt = $2, error_message = $3, retry_at = $4, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query, id, attempt, errorMsg, retryAt)
	if err != nil {
		return fmt.Errorf("mark delivery failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("delivery not found: %s", id)
	}
	return nil
}

// CancelPendingForCampaign prevents still-pending deliveries of a
// cancelled campaign from being dispatched. Sent deliveries are untouched.
func (r *DeliveryRepository) CancelPendingForCampaign(ctx context.Context, campaignID uuid.UUID) (int64, error) {
	query := `
		UPDATE deliveries SET status = 'cancelled', updated_at = NOW()
		WHERE source_campaign_id = $1 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, campaignID)
	if err != nil {
		return 0, fmt.Errorf("cancel campaign deliveries: %w", err)
	}

	cancelled := result.RowsAffected()
	r.logger.Info("campaign deliveries cancelled",
		zap.String("campaign_id", campaignID.String()),
		zap.Int64("count", cancelled),
	)
	return cancelled, nil
}

// OutstandingForCampaign counts deliveries that may still reach
// transport: pending, claimed, or failed with an open retry window.
func (r *DeliveryRepository) OutstandingForCampaign(ctx context.Context, campaignID uuid.UUID, maxAttempts int) (int64, error) {
	query := `
		SELECT COUNT(*) FROM deliveries
		WHERE source_campaign_id = $1
		  AND (status IN ('pending', 'sending')
		       OR (status = 'failed' AND retry_at IS NOT NULL AND attempt < $2))
	`

	var count int64
	if err := r.db.Pool().QueryRow(ctx, query, campaignID, maxAttempts).Scan(&count); err != nil {
		return 0, fmt.Errorf("count outstanding deliveries: %w", err)
	}
	return count, nil
}

// StatusCounts returns per-status delivery counts for a rule or campaign.
func (r *DeliveryRepository) StatusCounts(ctx context.Context, column string, sourceID uuid.UUID) (map[string]int, error) {
	var query string
	switch column {
	case "source_rule_id":
		query = `SELECT status, COUNT(*) FROM deliveries WHERE source_rule_id = $1 GROUP BY status`
	case "source_campaign_id":
		query = `SELECT status, COUNT(*) FROM deliveries WHERE source_campaign_id = $1 GROUP BY status`
	case "source_survey_id":
		query = `SELECT status, COUNT(*) FROM deliveries WHERE source_survey_id = $1 GROUP BY status`
	default:
		return nil, fmt.Errorf("unknown source column: %s", column)
	}

	rows, err := r.db.Pool().Query(ctx, query, sourceID)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return counts, nil
}

// ListForCampaign retrieves a campaign's deliveries with pagination.
func (r *DeliveryRepository) ListForCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE source_campaign_id = $1
		ORDER BY seq ASC, created_at ASC
		LIMIT $2 OFFSET $3
	`
	return r.list(ctx, query, campaignID, limit, offset)
}

// ListForRule retrieves a trigger rule's deliveries with pagination.
func (r *DeliveryRepository) ListForRule(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]*Delivery, error) {
	query := `
		SELECT ` + deliveryColumns + `
		FROM deliveries
		WHERE source_rule_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	return r.list(ctx, query, ruleID, limit, offset)
}

func (r *DeliveryRepository) list(ctx context.Context, query string, sourceID uuid.UUID, limit, offset int) ([]*Delivery, error) {
	rows, err := r.db.Pool().Query(ctx, query, sourceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return deliveries, nil
}
