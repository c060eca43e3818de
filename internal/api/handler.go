// Package api exposes the staff-facing HTTP surface: settings CRUD,
// campaign lifecycle actions, audience preview, NPS endpoints, and the
// delivery audit trail.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/audience"
	"github.com/campreserv/outreach/internal/schedule"
	"github.com/campreserv/outreach/internal/store"
	"github.com/campreserv/outreach/internal/survey"
)

// SettingsStore is the settings persistence surface the handlers use.
type SettingsStore interface {
	CreateRule(ctx context.Context, rule *store.TriggerRule) error
	UpdateRule(ctx context.Context, rule *store.TriggerRule) error
	DeleteRule(ctx context.Context, id uuid.UUID) error
	GetRule(ctx context.Context, id uuid.UUID) (*store.TriggerRule, error)
	ListRules(ctx context.Context, campgroundID uuid.UUID) ([]*store.TriggerRule, error)

	CreateScheduleEntry(ctx context.Context, entry *store.ScheduleEntry) error
	UpdateScheduleEntry(ctx context.Context, entry *store.ScheduleEntry) error
	DeleteScheduleEntry(ctx context.Context, id uuid.UUID) error
	ListScheduleEntries(ctx context.Context, campgroundID uuid.UUID) ([]*store.ScheduleEntry, error)

	CreateTemplate(ctx context.Context, t *store.Template) error
	UpdateTemplate(ctx context.Context, t *store.Template) error
	DeleteTemplate(ctx context.Context, id uuid.UUID) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*store.Template, error)
	ListTemplates(ctx context.Context, campgroundID uuid.UUID) ([]*store.Template, error)

	GetCampground(ctx context.Context, id uuid.UUID) (*store.Campground, error)
}

// CampaignStore persists campaigns.
type CampaignStore interface {
	Create(ctx context.Context, c *store.Campaign) error
	Update(ctx context.Context, c *store.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*store.Campaign, error)
	List(ctx context.Context, campgroundID uuid.UUID, limit, offset int) ([]*store.Campaign, error)
}

// CampaignActions is the campaign lifecycle surface.
type CampaignActions interface {
	Send(ctx context.Context, id uuid.UUID) error
	Schedule(ctx context.Context, id uuid.UUID, at time.Time) error
	Cancel(ctx context.Context, id uuid.UUID) error
	PreviewAudience(ctx context.Context, id uuid.UUID) (int, []*store.Guest, error)
	SendTest(ctx context.Context, id uuid.UUID, address string) error
	Stats(ctx context.Context, id uuid.UUID) (map[string]int, error)
}

// RuleTester sends one rendered test notification for a rule.
type RuleTester interface {
	TestNotification(ctx context.Context, ruleID uuid.UUID, address string) error
}

// AudienceSource answers ad-hoc audience queries.
type AudienceSource interface {
	Resolve(ctx context.Context, campgroundID uuid.UUID, channel string, filter store.AudienceFilter) (*audience.Audience, error)
	Suggest(ctx context.Context, campgroundID uuid.UUID) ([]audience.Suggestion, error)
}

// SurveyService is the NPS surface.
type SurveyService interface {
	CreateSurvey(ctx context.Context, s *store.Survey) error
	ListSurveys(ctx context.Context, campgroundID uuid.UUID) ([]*store.Survey, error)
	RecordResponse(ctx context.Context, surveyID, guestID uuid.UUID, score int, comment string) error
	GetMetrics(ctx context.Context, surveyID uuid.UUID) (*survey.Metrics, error)
}

// DeliveryStore reads the delivery audit trail.
type DeliveryStore interface {
	Get(ctx context.Context, id uuid.UUID) (*store.Delivery, error)
	ListForCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]*store.Delivery, error)
	ListForRule(ctx context.Context, ruleID uuid.UUID, limit, offset int) ([]*store.Delivery, error)
	StatusCounts(ctx context.Context, column string, sourceID uuid.UUID) (map[string]int, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger     *zap.Logger
	settings   SettingsStore
	campaigns  CampaignStore
	actions    CampaignActions
	rules      RuleTester
	audiences  AudienceSource
	surveys    SurveyService
	deliveries DeliveryStore
}

// NewHandler creates a new API handler
func NewHandler(
	logger *zap.Logger,
	settings SettingsStore,
	campaigns CampaignStore,
	actions CampaignActions,
	rules RuleTester,
	audiences AudienceSource,
	surveys SurveyService,
	deliveries DeliveryStore,
) *Handler {
	return &Handler{
		logger:     logger,
		settings:   settings,
		campaigns:  campaigns,
		actions:    actions,
		rules:      rules,
		audiences:  audiences,
		surveys:    surveys,
		deliveries: deliveries,
	}
}

// Routes mounts every handler on a chi router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/v1", func(r chi.Router) {
		r.Route("/rules", func(r chi.Router) {
			r.Post("/", h.CreateRule)
			r.Get("/", h.ListRules)
			r.Put("/{id}", h.UpdateRule)
			r.Delete("/{id}", h.DeleteRule)
			r.Post("/{id}/test", h.TestRule)
			r.Get("/{id}/deliveries", h.ListRuleDeliveries)
		})

		r.Route("/schedule-entries", func(r chi.Router) {
			r.Post("/", h.CreateScheduleEntry)
			r.Get("/", h.ListScheduleEntries)
			r.Put("/{id}", h.UpdateScheduleEntry)
			r.Delete("/{id}", h.DeleteScheduleEntry)
		})

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", h.CreateTemplate)
			r.Get("/", h.ListTemplates)
			r.Get("/{id}", h.GetTemplate)
			r.Put("/{id}", h.UpdateTemplate)
			r.Delete("/{id}", h.DeleteTemplate)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.CreateCampaign)
			r.Get("/", h.ListCampaigns)
			r.Get("/{id}", h.GetCampaign)
			r.Put("/{id}", h.UpdateCampaign)
			r.Post("/{id}/send", h.SendCampaign)
			r.Post("/{id}/schedule", h.ScheduleCampaign)
			r.Post("/{id}/cancel", h.CancelCampaign)
			r.Post("/{id}/test", h.TestCampaign)
			r.Get("/{id}/audience", h.CampaignAudience)
			r.Get("/{id}/stats", h.CampaignStats)
			r.Get("/{id}/deliveries", h.ListCampaignDeliveries)
		})

		r.Route("/audience", func(r chi.Router) {
			r.Post("/preview", h.PreviewAudience)
			r.Get("/suggestions", h.AudienceSuggestions)
		})

		r.Route("/surveys", func(r chi.Router) {
			r.Post("/", h.CreateSurvey)
			r.Get("/", h.ListSurveys)
			r.Get("/{id}/metrics", h.SurveyMetrics)
		})

		r.Post("/nps/{surveyID}/respond", h.RecordSurveyResponse)

		r.Get("/deliveries/{id}", h.GetDelivery)
	})

	return r
}

// --- Trigger rules ---

var validChannels = map[string]bool{
	store.ChannelEmail: true,
	store.ChannelSMS:   true,
	store.ChannelBoth:  true,
}

// validateRule checks a rule's declarative fields, including template
// channel compatibility when a template is referenced.
func (h *Handler) validateRule(ctx context.Context, rule *store.TriggerRule) (string, string) {
	if rule.Event == "" {
		return "invalid_request", "event is required"
	}
	if !validChannels[rule.Channel] {
		return "invalid_request", "channel must be email, sms, or both"
	}
	if rule.DelayMinutes < 0 {
		return "invalid_request", "delay_minutes must be >= 0"
	}
	for _, c := range rule.Conditions {
		switch c.Op {
		case "eq", "neq", "gt", "gte", "lt", "lte":
		default:
			return "invalid_request", "condition op must be one of eq, neq, gt, gte, lt, lte"
		}
	}
	if rule.TemplateID != nil {
		tmpl, err := h.settings.GetTemplate(ctx, *rule.TemplateID)
		if err != nil {
			return "invalid_request", "template not found"
		}
		if !tmpl.CompatibleWith(rule.Channel) {
			return "channel_mismatch", "template channel is not compatible with the rule channel"
		}
	}
	return "", ""
}

// CreateRule handles POST /v1/rules
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var rule store.TriggerRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if rule.CampgroundID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing campground_id", "")
		return
	}
	if errType, detail := h.validateRule(ctx, &rule); errType != "" {
		h.writeError(w, http.StatusBadRequest, errType, "Invalid rule", detail)
		return
	}

	if rule.ID == uuid.Nil {
		rule.ID = uuid.New()
	}
	if err := h.settings.CreateRule(ctx, &rule); err != nil {
		h.logger.Error("failed to create rule", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create rule", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, &rule)
}

// ListRules handles GET /v1/rules?campground_id=xxx
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	campgroundID, ok := h.campgroundParam(w, r)
	if !ok {
		return
	}

	rules, err := h.settings.ListRules(r.Context(), campgroundID)
	if err != nil {
		h.logger.Error("failed to list rules", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list rules", "")
		return
	}
	h.writeList(w, rules, len(rules))
}

// UpdateRule handles PUT /v1/rules/{id}
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}

	var rule store.TriggerRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	rule.ID = id
	if errType, detail := h.validateRule(ctx, &rule); errType != "" {
		h.writeError(w, http.StatusBadRequest, errType, "Invalid rule", detail)
		return
	}

	if err := h.settings.UpdateRule(ctx, &rule); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Rule not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, &rule)
}

// DeleteRule handles DELETE /v1/rules/{id}
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.settings.DeleteRule(r.Context(), id); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Rule not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestRule handles POST /v1/rules/{id}/test. The test send bypasses the
// queue entirely; nothing is persisted.
func (h *Handler) TestRule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Address == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing address", "address is required")
		return
	}

	if err := h.rules.TestNotification(r.Context(), id, req.Address); err != nil {
		h.logger.Error("test notification failed", zap.Error(err), zap.String("rule_id", id.String()))
		h.writeError(w, http.StatusBadGateway, "send_error", "Test notification failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// ListRuleDeliveries handles GET /v1/rules/{id}/deliveries
func (h *Handler) ListRuleDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	limit, offset := pagination(r)

	deliveries, err := h.deliveries.ListForRule(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("failed to list rule deliveries", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}
	h.writeList(w, deliveries, len(deliveries))
}

// --- Schedule entries ---

// CreateScheduleEntry handles POST /v1/schedule-entries
func (h *Handler) CreateScheduleEntry(w http.ResponseWriter, r *http.Request) {
	var entry store.ScheduleEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if entry.CampgroundID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing campground_id", "")
		return
	}
	if err := schedule.Validate(&entry); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule entry", err.Error())
		return
	}

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if err := h.settings.CreateScheduleEntry(r.Context(), &entry); err != nil {
		h.logger.Error("failed to create schedule entry", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create schedule entry", "")
		return
	}
	h.writeJSON(w, http.StatusCreated, &entry)
}

// ListScheduleEntries handles GET /v1/schedule-entries?campground_id=xxx
func (h *Handler) ListScheduleEntries(w http.ResponseWriter, r *http.Request) {
	campgroundID, ok := h.campgroundParam(w, r)
	if !ok {
		return
	}

	entries, err := h.settings.ListScheduleEntries(r.Context(), campgroundID)
	if err != nil {
		h.logger.Error("failed to list schedule entries", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list schedule entries", "")
		return
	}
	h.writeList(w, entries, len(entries))
}

// UpdateScheduleEntry handles PUT /v1/schedule-entries/{id}
func (h *Handler) UpdateScheduleEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}

	var entry store.ScheduleEntry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	entry.ID = id
	if err := schedule.Validate(&entry); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid schedule entry", err.Error())
		return
	}

	if err := h.settings.UpdateScheduleEntry(r.Context(), &entry); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Schedule entry not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, &entry)
}

// DeleteScheduleEntry handles DELETE /v1/schedule-entries/{id}
func (h *Handler) DeleteScheduleEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.settings.DeleteScheduleEntry(r.Context(), id); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Schedule entry not found", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Templates ---

func validateTemplate(t *store.Template) string {
	if t.Name == "" {
		return "name is required"
	}
	if !validChannels[t.Channel] {
		return "channel must be email, sms, or both"
	}
	if t.TextBody == "" {
		return "text_body is required"
	}
	if t.Channel != store.ChannelSMS && t.Subject == "" {
		return "subject is required for email templates"
	}
	return ""
}

// CreateTemplate handles POST /v1/templates
func (h *Handler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl store.Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if tmpl.CampgroundID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing campground_id", "")
		return
	}
	if detail := validateTemplate(&tmpl); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template", detail)
		return
	}

	if tmpl.ID == uuid.Nil {
		tmpl.ID = uuid.New()
	}
	if err := h.settings.CreateTemplate(r.Context(), &tmpl); err != nil {
		h.logger.Error("failed to create template", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create template", "")
		return
	}
	h.writeJSON(w, http.StatusCreated, &tmpl)
}

// ListTemplates handles GET /v1/templates?campground_id=xxx
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	campgroundID, ok := h.campgroundParam(w, r)
	if !ok {
		return
	}

	templates, err := h.settings.ListTemplates(r.Context(), campgroundID)
	if err != nil {
		h.logger.Error("failed to list templates", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list templates", "")
		return
	}
	h.writeList(w, templates, len(templates))
}

// GetTemplate handles GET /v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	tmpl, err := h.settings.GetTemplate(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Template not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, tmpl)
}

// UpdateTemplate handles PUT /v1/templates/{id}. The store bumps the
// template version on every update.
func (h *Handler) UpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}

	var tmpl store.Template
	if err := json.NewDecoder(r.Body).Decode(&tmpl); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	tmpl.ID = id
	if detail := validateTemplate(&tmpl); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template", detail)
		return
	}

	if err := h.settings.UpdateTemplate(r.Context(), &tmpl); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Template not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, &tmpl)
}

// DeleteTemplate handles DELETE /v1/templates/{id}
func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.settings.DeleteTemplate(r.Context(), id); err != nil {
		h.writeError(w, http.StatusConflict, "template_in_use", "Template could not be deleted", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Deliveries ---

// GetDelivery handles GET /v1/deliveries/{id}
func (h *Handler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	d, err := h.deliveries.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Delivery not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// --- Shared helpers ---

func (h *Handler) idParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) campgroundParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := r.URL.Query().Get("campground_id")
	if raw == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing campground_id", "campground_id query parameter is required")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campground_id", "campground_id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 20
	offset = 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeList(w http.ResponseWriter, data any, count int) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  data,
		"count": count,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
