package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SettingsRepository handles staff-authored configuration: trigger
// rules, schedule entries, and templates. All mutation comes through
// the settings API; the engine only reads.
type SettingsRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *DB, logger *zap.Logger) *SettingsRepository {
	return &SettingsRepository{
		db:     db,
		logger: logger,
	}
}

// --- Trigger rules ---

// CreateRule inserts a new trigger rule
func (r *SettingsRepository) CreateRule(ctx context.Context, rule *TriggerRule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}

	query := `
		INSERT INTO trigger_rules (
			id, campground_id, event, channel, enabled, template_id, delay_minutes, conditions
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err = r.db.Pool().QueryRow(ctx, query,
		rule.ID,
		rule.CampgroundID,
		rule.Event,
		rule.Channel,
		rule.Enabled,
		rule.TemplateID,
		rule.DelayMinutes,
		conditions,
	).Scan(&rule.CreatedAt, &rule.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert trigger rule: %w", err)
	}

	r.logger.Info("trigger rule created",
		zap.String("rule_id", rule.ID.String()),
		zap.String("event", rule.Event),
		zap.String("channel", rule.Channel),
	)
	return nil
}

// UpdateRule rewrites a rule's mutable fields
func (r *SettingsRepository) UpdateRule(ctx context.Context, rule *TriggerRule) error {
	conditions, err := json.Marshal(rule.Conditions)
	if err != nil {
		return fmt.Errorf("marshal conditions: %w", err)
	}

	query := `
		UPDATE trigger_rules
		SET event = $2, channel = $3, enabled = $4, template_id = $5,
		    delay_minutes = $6, conditions = $7, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query,
		rule.ID, rule.Event, rule.Channel, rule.Enabled, rule.TemplateID, rule.DelayMinutes, conditions)
	if err != nil {
		return fmt.Errorf("update trigger rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("trigger rule not found: %s", rule.ID)
	}
	return nil
}

// DeleteRule removes a rule. Deliveries it already produced are kept.
func (r *SettingsRepository) DeleteRule(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM trigger_rules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete trigger rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("trigger rule not found: %s", id)
	}
	return nil
}

const ruleColumns = `id, campground_id, event, channel, enabled, template_id, delay_minutes, conditions, created_at, updated_at`

func scanRule(row pgx.Row) (*TriggerRule, error) {
	var rule TriggerRule
	var conditions []byte
	err := row.Scan(
		&rule.ID,
		&rule.CampgroundID,
		&rule.Event,
		&rule.Channel,
		&rule.Enabled,
		&rule.TemplateID,
		&rule.DelayMinutes,
		&conditions,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &rule.Conditions); err != nil {
			return nil, fmt.Errorf("unmarshal conditions: %w", err)
		}
	}
	return &rule, nil
}

// GetRule retrieves a trigger rule by ID
func (r *SettingsRepository) GetRule(ctx context.Context, id uuid.UUID) (*TriggerRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM trigger_rules WHERE id = $1`

	rule, err := scanRule(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("trigger rule not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query trigger rule: %w", err)
	}
	return rule, nil
}

// ListRules retrieves all rules for a campground
func (r *SettingsRepository) ListRules(ctx context.Context, campgroundID uuid.UUID) ([]*TriggerRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM trigger_rules WHERE campground_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, campgroundID)
	if err != nil {
		return nil, fmt.Errorf("query trigger rules: %w", err)
	}
	defer rows.Close()

	var rules []*TriggerRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return rules, nil
}

// ListEnabledRulesForEvent retrieves the enabled rules bound to an event
// kind. The evaluator calls this on every event instance, so a disabled
// rule stops matching on the next event without touching deliveries
// already produced.
func (r *SettingsRepository) ListEnabledRulesForEvent(ctx context.Context, campgroundID uuid.UUID, event string) ([]*TriggerRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM trigger_rules
		WHERE campground_id = $1 AND event = $2 AND enabled = TRUE
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, campgroundID, event)
	if err != nil {
		return nil, fmt.Errorf("query enabled rules: %w", err)
	}
	defer rows.Close()

	var rules []*TriggerRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trigger rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return rules, nil
}

// --- Schedule entries ---

const entryColumns = `id, campground_id, anchor, direction, "offset", unit, template_id, enabled, created_at, updated_at`

// CreateScheduleEntry inserts a new schedule entry
func (r *SettingsRepository) CreateScheduleEntry(ctx context.Context, entry *ScheduleEntry) error {
	query := `
		INSERT INTO schedule_entries (
			id, campground_id, anchor, direction, "offset", unit, template_id, enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		entry.ID,
		entry.CampgroundID,
		entry.Anchor,
		entry.Direction,
		entry.Offset,
		entry.Unit,
		entry.TemplateID,
		entry.Enabled,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert schedule entry: %w", err)
	}
	return nil
}

// UpdateScheduleEntry rewrites an entry's mutable fields
func (r *SettingsRepository) UpdateScheduleEntry(ctx context.Context, entry *ScheduleEntry) error {
	query := `
		UPDATE schedule_entries
		SET anchor = $2, direction = $3, "offset" = $4, unit = $5,
		    template_id = $6, enabled = $7, updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query,
		entry.ID, entry.Anchor, entry.Direction, entry.Offset, entry.Unit, entry.TemplateID, entry.Enabled)
	if err != nil {
		return fmt.Errorf("update schedule entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("schedule entry not found: %s", entry.ID)
	}
	return nil
}

// DeleteScheduleEntry removes a stored entry. The synthetic post-stay
// entry is appended at evaluation time and is not deletable here.
func (r *SettingsRepository) DeleteScheduleEntry(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM schedule_entries WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("schedule entry not found: %s", id)
	}
	return nil
}

// ListScheduleEntries retrieves all entries for a campground
func (r *SettingsRepository) ListScheduleEntries(ctx context.Context, campgroundID uuid.UUID) ([]*ScheduleEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM schedule_entries WHERE campground_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.Pool().Query(ctx, query, campgroundID)
	if err != nil {
		return nil, fmt.Errorf("query schedule entries: %w", err)
	}
	defer rows.Close()

	var entries []*ScheduleEntry
	for rows.Next() {
		var entry ScheduleEntry
		err := rows.Scan(
			&entry.ID,
			&entry.CampgroundID,
			&entry.Anchor,
			&entry.Direction,
			&entry.Offset,
			&entry.Unit,
			&entry.TemplateID,
			&entry.Enabled,
			&entry.CreatedAt,
			&entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan schedule entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// --- Templates ---

const templateColumns = `id, campground_id, name, channel, category, subject, html, text_body, version, created_at, updated_at`

func scanTemplate(row pgx.Row) (*Template, error) {
	var t Template
	err := row.Scan(
		&t.ID,
		&t.CampgroundID,
		&t.Name,
		&t.Channel,
		&t.Category,
		&t.Subject,
		&t.HTML,
		&t.TextBody,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateTemplate inserts a new template at version 1
func (r *SettingsRepository) CreateTemplate(ctx context.Context, t *Template) error {
	if t.Version == 0 {
		t.Version = 1
	}

	query := `
		INSERT INTO templates (
			id, campground_id, name, channel, category, subject, html, text_body, version
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.ID, t.CampgroundID, t.Name, t.Channel, t.Category, t.Subject, t.HTML, t.TextBody, t.Version,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// UpdateTemplate rewrites a template's content and bumps its version
func (r *SettingsRepository) UpdateTemplate(ctx context.Context, t *Template) error {
	query := `
		UPDATE templates
		SET name = $2, channel = $3, category = $4, subject = $5,
		    html = $6, text_body = $7, version = version + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING version
	`

	err := r.db.Pool().QueryRow(ctx, query,
		t.ID, t.Name, t.Channel, t.Category, t.Subject, t.HTML, t.TextBody,
	).Scan(&t.Version)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("template not found: %s", t.ID)
	}
	if err != nil {
		return fmt.Errorf("update template: %w", err)
	}
	return nil
}

// DeleteTemplate removes a template
func (r *SettingsRepository) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("template not found: %s", id)
	}
	return nil
}

// GetTemplate retrieves a template by ID
func (r *SettingsRepository) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`

	t, err := scanTemplate(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("template not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return t, nil
}

// ListTemplates retrieves all templates for a campground
func (r *SettingsRepository) ListTemplates(ctx context.Context, campgroundID uuid.UUID) ([]*Template, error) {
	query := `SELECT ` + templateColumns + ` FROM templates WHERE campground_id = $1 ORDER BY name ASC`

	rows, err := r.db.Pool().Query(ctx, query, campgroundID)
	if err != nil {
		return nil, fmt.Errorf("query templates: %w", err)
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return templates, nil
}

// --- Campgrounds ---

// GetCampground retrieves a campground's engine configuration
func (r *SettingsRepository) GetCampground(ctx context.Context, id uuid.UUID) (*Campground, error) {
	query := `
		SELECT id, name, timezone, send_hour, default_survey_template_id,
		       survey_cooldown_days, survey_sampling_percent, created_at, updated_at
		FROM campgrounds
		WHERE id = $1
	`

	var c Campground
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Name,
		&c.Timezone,
		&c.SendHour,
		&c.DefaultSurveyTemplateID,
		&c.SurveyCooldownDays,
		&c.SurveySamplingPercent,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("campground not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query campground: %w", err)
	}
	return &c, nil
}

// ListCampgrounds returns every campground. The schedule sweep iterates
// this on each pass.
func (r *SettingsRepository) ListCampgrounds(ctx context.Context) ([]*Campground, error) {
	query := `
		SELECT id, name, timezone, send_hour, default_survey_template_id,
		       survey_cooldown_days, survey_sampling_percent, created_at, updated_at
		FROM campgrounds
		ORDER BY created_at ASC
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query campgrounds: %w", err)
	}
	defer rows.Close()

	var campgrounds []*Campground
	for rows.Next() {
		var c Campground
		err := rows.Scan(
			&c.ID,
			&c.Name,
			&c.Timezone,
			&c.SendHour,
			&c.DefaultSurveyTemplateID,
			&c.SurveyCooldownDays,
			&c.SurveySamplingPercent,
			&c.CreatedAt,
			&c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan campground: %w", err)
		}
		campgrounds = append(campgrounds, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return campgrounds, nil
}
