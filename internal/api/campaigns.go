package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/store"
)

func validateCampaign(c *store.Campaign) string {
	if c.Name == "" {
		return "name is required"
	}
	if !validChannels[c.Channel] {
		return "channel must be email, sms, or both"
	}
	if c.TextBody == "" {
		return "text_body is required"
	}
	if c.Channel != store.ChannelSMS && c.Subject == "" {
		return "subject is required for email campaigns"
	}
	if c.BatchPerMinute != nil && *c.BatchPerMinute <= 0 {
		return "batch_per_minute must be > 0"
	}
	return ""
}

// CreateCampaign handles POST /v1/campaigns. Campaigns are always
// created in draft.
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var c store.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if c.CampgroundID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing campground_id", "")
		return
	}
	if detail := validateCampaign(&c); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign", detail)
		return
	}

	c.ID = uuid.New()
	c.Status = store.CampaignDraft
	if err := h.campaigns.Create(r.Context(), &c); err != nil {
		h.logger.Error("failed to create campaign", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create campaign", "")
		return
	}
	h.writeJSON(w, http.StatusCreated, &c)
}

// ListCampaigns handles GET /v1/campaigns?campground_id=xxx
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	campgroundID, ok := h.campgroundParam(w, r)
	if !ok {
		return
	}
	limit, offset := pagination(r)

	campaigns, err := h.campaigns.List(r.Context(), campgroundID, limit, offset)
	if err != nil {
		h.logger.Error("failed to list campaigns", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list campaigns", "")
		return
	}
	h.writeList(w, campaigns, len(campaigns))
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	c, err := h.campaigns.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, c)
}

// UpdateCampaign handles PUT /v1/campaigns/{id}. Only drafts are
// editable; the store enforces that.
func (h *Handler) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}

	var c store.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	c.ID = id
	if detail := validateCampaign(&c); detail != "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign", detail)
		return
	}

	if err := h.campaigns.Update(r.Context(), &c); err != nil {
		h.writeError(w, http.StatusConflict, "not_editable", "Campaign not found or not editable", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, &c)
}

// SendCampaign handles POST /v1/campaigns/{id}/send
func (h *Handler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.actions.Send(r.Context(), id); err != nil {
		h.campaignActionError(w, err, "Failed to start campaign")
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": store.CampaignSending})
}

// ScheduleCampaign handles POST /v1/campaigns/{id}/schedule
func (h *Handler) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}

	var req struct {
		At time.Time `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.At.IsZero() {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing send time", "at is required and must be RFC 3339")
		return
	}

	if err := h.actions.Schedule(r.Context(), id, req.At); err != nil {
		h.campaignActionError(w, err, "Failed to schedule campaign")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": store.CampaignScheduled})
}

// CancelCampaign handles POST /v1/campaigns/{id}/cancel
func (h *Handler) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.actions.Cancel(r.Context(), id); err != nil {
		h.campaignActionError(w, err, "Failed to cancel campaign")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": store.CampaignCancelled})
}

// TestCampaign handles POST /v1/campaigns/{id}/test
func (h *Handler) TestCampaign(w http.ResponseWriter, r *http.Request) {
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

	if err := h.actions.SendTest(r.Context(), id, req.Address); err != nil {
		h.logger.Error("campaign test failed", zap.Error(err), zap.String("campaign_id", id.String()))
		h.writeError(w, http.StatusBadGateway, "send_error", "Campaign test failed", err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// CampaignAudience handles GET /v1/campaigns/{id}/audience
func (h *Handler) CampaignAudience(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	count, sample, err := h.actions.PreviewAudience(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":  count,
		"sample": sample,
	})
}

// CampaignStats handles GET /v1/campaigns/{id}/stats
func (h *Handler) CampaignStats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	counts, err := h.actions.Stats(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to load campaign stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load stats", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"id":     id.String(),
		"counts": counts,
	})
}

// ListCampaignDeliveries handles GET /v1/campaigns/{id}/deliveries
func (h *Handler) ListCampaignDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}
	limit, offset := pagination(r)

	deliveries, err := h.deliveries.ListForCampaign(r.Context(), id, limit, offset)
	if err != nil {
		h.logger.Error("failed to list campaign deliveries", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list deliveries", "")
		return
	}
	h.writeList(w, deliveries, len(deliveries))
}

// PreviewAudience handles POST /v1/audience/preview: count and sample
// for an ad-hoc filter, no campaign required.
func (h *Handler) PreviewAudience(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CampgroundID uuid.UUID            `json:"campground_id"`
		Channel      string               `json:"channel"`
		Filter       store.AudienceFilter `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if req.CampgroundID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing campground_id", "")
		return
	}
	if !validChannels[req.Channel] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email, sms, or both")
		return
	}

	aud, err := h.audiences.Resolve(r.Context(), req.CampgroundID, req.Channel, req.Filter)
	if err != nil {
		h.logger.Error("failed to resolve audience", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to resolve audience", "")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"count":  aud.Size(),
		"sample": aud.Preview(),
	})
}

// AudienceSuggestions handles GET /v1/audience/suggestions?campground_id=xxx
func (h *Handler) AudienceSuggestions(w http.ResponseWriter, r *http.Request) {
	campgroundID, ok := h.campgroundParam(w, r)
	if !ok {
		return
	}

	suggestions, err := h.audiences.Suggest(r.Context(), campgroundID)
	if err != nil {
		h.logger.Error("failed to compute audience suggestions", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to compute suggestions", "")
		return
	}
	h.writeList(w, suggestions, len(suggestions))
}

func (h *Handler) campaignActionError(w http.ResponseWriter, err error, title string) {
	if errors.Is(err, store.ErrInvalidTransition) {
		h.writeError(w, http.StatusConflict, "invalid_transition", title, err.Error())
		return
	}
	h.writeError(w, http.StatusBadRequest, "invalid_request", title, err.Error())
}
