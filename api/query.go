package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/healthmesh/core"
)

// patientSnapshot is the read model returned by GET /api/patients/{patientID}.
type patientSnapshot struct {
	SessionID   string        `json:"session_id"`
	PatientID   string        `json:"patient_id"`
	Version     int64         `json:"version"`
	Events      int           `json:"events"`
	Findings    int           `json:"findings"`
	Outcomes    int           `json:"outcomes"`
	Summary     *core.Summary `json:"summary,omitempty"`
	LastOutcome *core.Outcome `json:"last_outcome,omitempty"`
	Updated     time.Time     `json:"updated"`
}

// GetPatient returns the session snapshot for one patient.
func (h *Handler) GetPatient(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	sess, err := h.orch.Session(r.Context(), patientID)
	if err != nil {
		if core.IsNotFound(err) {
			Error(w, http.StatusNotFound, "unknown patient")
			return
		}
		h.logger.Error("load session failed", "patient_id", patientID, "error", err)
		Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	events, findings := sess.Counts()
	outcomes := sess.GetOutcomes()
	snap := patientSnapshot{
		SessionID: sess.ID,
		PatientID: sess.PatientID,
		Version:   sess.Version,
		Events:    events,
		Findings:  findings,
		Outcomes:  len(outcomes),
		Summary:   sess.GetSummary(),
		Updated:   sess.Updated,
	}
	if len(outcomes) > 0 {
		last := outcomes[len(outcomes)-1]
		snap.LastOutcome = &last
	}

	JSON(w, http.StatusOK, snap)
}

// GetPatientOutcomes returns the full outcome history for one patient.
func (h *Handler) GetPatientOutcomes(w http.ResponseWriter, r *http.Request) {
	patientID := chi.URLParam(r, "patientID")

	sess, err := h.orch.Session(r.Context(), patientID)
	if err != nil {
		if core.IsNotFound(err) {
			Error(w, http.StatusNotFound, "unknown patient")
			return
		}
		h.logger.Error("load session failed", "patient_id", patientID, "error", err)
		Error(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"patient_id": sess.PatientID,
		"outcomes":   sess.GetOutcomes(),
	})
}

// stageStatus describes one stage in the GET /api/stages/status response.
type stageStatus struct {
	Enabled  bool     `json:"enabled"`
	Deadline string   `json:"deadline,omitempty"`
	Interest []string `json:"interest,omitempty"`
}

func statusFor(st core.Stage) stageStatus {
	if st == nil {
		return stageStatus{}
	}
	s := stageStatus{
		Enabled:  true,
		Deadline: st.StaticDeadline().String(),
	}
	for _, k := range st.Interest() {
		s.Interest = append(s.Interest, string(k))
	}
	return s
}

// GetStagesStatus returns the per-stage enabled map plus the state of the
// recurring medication check.
func (h *Handler) GetStagesStatus(w http.ResponseWriter, r *http.Request) {
	set := h.orch.Stages()
	resp := map[string]any{
		"stages": map[string]stageStatus{
			core.StageIntake:     statusFor(set.Intake),
			core.StageMedication: statusFor(set.Medication),
			core.StageVitals:     statusFor(set.Vitals),
			core.StageAdvisor:    statusFor(set.Advisor),
		},
	}
	if loop := h.orch.Loop(); loop != nil {
		resp["monitoring"] = map[string]any{
			"running":  loop.Running(),
			"sessions": len(loop.Sessions()),
		}
	}

	JSON(w, http.StatusOK, resp)
}
