package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SurveyRepository handles database operations for NPS surveys.
type SurveyRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSurveyRepository creates a new survey repository
func NewSurveyRepository(db *DB, logger *zap.Logger) *SurveyRepository {
	return &SurveyRepository{
		db:     db,
		logger: logger,
	}
}

const surveyColumns = `id, campground_id, name, template_id, cooldown_days, sampling_percent, active, created_at, updated_at`

func scanSurvey(row pgx.Row) (*Survey, error) {
	var s Survey
	err := row.Scan(
		&s.ID,
		&s.CampgroundID,
		&s.Name,
		&s.TemplateID,
		&s.CooldownDays,
		&s.SamplingPercent,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create inserts a new survey
func (r *SurveyRepository) Create(ctx context.Context, s *Survey) error {
	query := `
		INSERT INTO surveys (
			id, campground_id, name, template_id, cooldown_days, sampling_percent, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		s.ID, s.CampgroundID, s.Name, s.TemplateID, s.CooldownDays, s.SamplingPercent, s.Active,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert survey: %w", err)
	}

	r.logger.Info("survey created",
		zap.String("survey_id", s.ID.String()),
		zap.String("name", s.Name),
	)
	return nil
}

// Get retrieves a survey by ID
func (r *SurveyRepository) Get(ctx context.Context, id uuid.UUID) (*Survey, error) {
	query := `SELECT ` + surveyColumns + ` FROM surveys WHERE id = $1`

	s, err := scanSurvey(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("survey not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query survey: %w", err)
	}
	return s, nil
}

// List retrieves all surveys for a campground
func (r *SurveyRepository) List(ctx context.Context, campgroundID uuid.UUID) ([]*Survey, error) {
	query := `SELECT ` + surveyColumns + ` FROM surveys WHERE campground_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, campgroundID)
	if err != nil {
		return nil, fmt.Errorf("query surveys: %w", err)
	}
	defer rows.Close()

	var surveys []*Survey
	for rows.Next() {
		s, err := scanSurvey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan survey: %w", err)
		}
		surveys = append(surveys, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return surveys, nil
}

// RecordResponse stores a guest's NPS score
func (r *SurveyRepository) RecordResponse(ctx context.Context, resp *SurveyResponse) error {
	query := `
		INSERT INTO survey_responses (id, survey_id, guest_id, score, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		resp.ID, resp.SurveyID, resp.GuestID, resp.Score, resp.Comment,
	).Scan(&resp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert survey response: %w", err)
	}
	return nil
}

// ResponseBreakdown holds the response counts an NPS score is computed from.
type ResponseBreakdown struct {
	Responses  int
	Promoters  int
	Passives   int
	Detractors int
}

// GetResponseBreakdown counts responses by NPS band (promoters 9-10,
// passives 7-8, detractors 0-6).
func (r *SurveyRepository) GetResponseBreakdown(ctx context.Context, surveyID uuid.UUID) (*ResponseBreakdown, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE score >= 9),
			COUNT(*) FILTER (WHERE score BETWEEN 7 AND 8),
			COUNT(*) FILTER (WHERE score <= 6)
		FROM survey_responses
		WHERE survey_id = $1
	`

	var b ResponseBreakdown
	err := r.db.Pool().QueryRow(ctx, query, surveyID).Scan(
		&b.Responses,
		&b.Promoters,
		&b.Passives,
		&b.Detractors,
	)
	if err != nil {
		return nil, fmt.Errorf("query response breakdown: %w", err)
	}
	return &b, nil
}
