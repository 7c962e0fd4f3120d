package api

import (
	"context"
	"net/http"
	"strings"
)

// adviser is the on-demand surface of the advisor stage beyond the pipeline:
// education explainers and wellness plans are generated per request, not per
// event.
type adviser interface {
	Education(ctx context.Context, topic, level string) (string, error)
	WellnessPlan(ctx context.Context, patientID string, goals []string) (string, error)
}

type educationRequest struct {
	Topic string `json:"topic"`
	Level string `json:"level,omitempty"`
}

type wellnessRequest struct {
	PatientID string   `json:"patient_id"`
	Goals     []string `json:"goals"`
}

func (h *Handler) advisorOps() (adviser, bool) {
	adv, ok := h.orch.Stages().Advisor.(adviser)
	return adv, ok
}

// Education serves POST /api/education: a patient-education explainer on a
// topic.
func (h *Handler) Education(w http.ResponseWriter, r *http.Request) {
	adv, ok := h.advisorOps()
	if !ok {
		Error(w, http.StatusServiceUnavailable, "advisor is not configured")
		return
	}

	var req educationRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if strings.TrimSpace(req.Topic) == "" {
		Error(w, http.StatusBadRequest, "topic is required")
		return
	}

	text, err := adv.Education(r.Context(), req.Topic, req.Level)
	if err != nil {
		h.logger.Error("education generation failed", "topic", req.Topic, "error", err)
		Error(w, http.StatusServiceUnavailable, "educational material is not available right now")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"topic":   req.Topic,
		"content": text,
	})
}

// WellnessPlan serves POST /api/wellness-plan: a multi-week plan for the
// patient's stated goals.
func (h *Handler) WellnessPlan(w http.ResponseWriter, r *http.Request) {
	adv, ok := h.advisorOps()
	if !ok {
		Error(w, http.StatusServiceUnavailable, "advisor is not configured")
		return
	}

	var req wellnessRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.PatientID == "" {
		Error(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	if len(req.Goals) == 0 {
		Error(w, http.StatusBadRequest, "at least one goal is required")
		return
	}

	plan, err := adv.WellnessPlan(r.Context(), req.PatientID, req.Goals)
	if err != nil {
		h.logger.Error("wellness plan generation failed", "patient_id", req.PatientID, "error", err)
		Error(w, http.StatusServiceUnavailable, "a wellness plan is not available right now")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"patient_id": req.PatientID,
		"plan":       plan,
	})
}
