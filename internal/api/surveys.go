package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/campreserv/outreach/internal/store"
)

// CreateSurvey handles POST /v1/surveys
func (h *Handler) CreateSurvey(w http.ResponseWriter, r *http.Request) {
	var s store.Survey
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if s.CampgroundID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing campground_id", "")
		return
	}
	if s.Name == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing name", "name is required")
		return
	}

	if err := h.surveys.CreateSurvey(r.Context(), &s); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid survey", err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, &s)
}

// ListSurveys handles GET /v1/surveys?campground_id=xxx
func (h *Handler) ListSurveys(w http.ResponseWriter, r *http.Request) {
	campgroundID, ok := h.campgroundParam(w, r)
	if !ok {
		return
	}

	surveys, err := h.surveys.ListSurveys(r.Context(), campgroundID)
	if err != nil {
		h.logger.Error("failed to list surveys", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list surveys", "")
		return
	}
	h.writeList(w, surveys, len(surveys))
}

// RecordSurveyResponse handles POST /v1/nps/{surveyID}/respond?guest=xxx.
// This is the guest-facing endpoint the invite links point at.
func (h *Handler) RecordSurveyResponse(w http.ResponseWriter, r *http.Request) {
	surveyID, ok := h.idParam(w, r, "surveyID")
	if !ok {
		return
	}

	guestID, err := uuid.Parse(r.URL.Query().Get("guest"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid guest", "guest query parameter must be a valid UUID")
		return
	}

	var req struct {
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if err := h.surveys.RecordResponse(r.Context(), surveyID, guestID, req.Score, req.Comment); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Could not record response", err.Error())
		return
	}

	h.logger.Info("survey response recorded",
		zap.String("survey_id", surveyID.String()),
		zap.Int("score", req.Score),
	)
	h.writeJSON(w, http.StatusCreated, map[string]string{"status": "recorded"})
}

// SurveyMetrics handles GET /v1/surveys/{id}/metrics
func (h *Handler) SurveyMetrics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.idParam(w, r, "id")
	if !ok {
		return
	}

	metrics, err := h.surveys.GetMetrics(r.Context(), id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "Survey not found", "")
		return
	}
	h.writeJSON(w, http.StatusOK, metrics)
}
