package api

import (
	"net/http"
	"time"

	"github.com/hupe1980/healthmesh/core"
)

// failSafeMessage is what callers see when a pass could not complete. The
// real cause goes to the logs; the channel facing people stays generic.
const failSafeMessage = "unable to process this health update right now; the care team has been notified"

// eventRequest is the generic submission body for POST /api/events.
type eventRequest struct {
	PatientID string         `json:"patient_id"`
	Kind      string         `json:"kind"`
	Source    string         `json:"source,omitempty"`
	Text      string         `json:"text,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// SubmitEvent accepts a raw patient event, runs the pipeline and returns
// the outcome.
func (h *Handler) SubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatientID == "" {
		Error(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	kind := core.EventKind(req.Kind)
	switch kind {
	case core.EventSymptom, core.EventVitals, core.EventMedication, core.EventQuestion, core.EventProfile:
	default:
		Error(w, http.StatusBadRequest, "unknown event kind")
		return
	}

	ev := core.NewEvent(req.PatientID, kind)
	if req.Source != "" {
		ev.Source = req.Source
	}
	ev.Text = req.Text
	ev.Data = req.Data

	h.process(w, r, ev)
}

// intakeRequest is the profile body for POST /api/intake.
type intakeRequest struct {
	PatientID        string                    `json:"patient_id"`
	Name             string                    `json:"name,omitempty"`
	Age              int                       `json:"age,omitempty"`
	Conditions       []string                  `json:"conditions,omitempty"`
	Allergies        []string                  `json:"allergies,omitempty"`
	Medications      []core.MedicationSchedule `json:"medications,omitempty"`
	EmergencyContact string                    `json:"emergency_contact,omitempty"`
	PrimaryConcern   string                    `json:"primary_concern,omitempty"`
}

// SubmitIntake records a patient profile and runs the intake triage.
func (h *Handler) SubmitIntake(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatientID == "" {
		Error(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	for _, m := range req.Medications {
		if err := m.Validate(); err != nil {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	profile := core.PatientProfile{
		Name:             req.Name,
		Age:              req.Age,
		Conditions:       req.Conditions,
		Allergies:        req.Allergies,
		Medications:      req.Medications,
		EmergencyContact: req.EmergencyContact,
		PrimaryConcern:   req.PrimaryConcern,
	}

	h.process(w, r, core.NewProfileEvent(req.PatientID, profile))
}

// vitalsRequest is the reading body for POST /api/vitals.
type vitalsRequest struct {
	PatientID string             `json:"patient_id"`
	Readings  map[string]float64 `json:"readings"`
}

// SubmitVitals accepts a vital-signs reading and runs the pipeline.
func (h *Handler) SubmitVitals(w http.ResponseWriter, r *http.Request) {
	var req vitalsRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatientID == "" {
		Error(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	if len(req.Readings) == 0 {
		Error(w, http.StatusBadRequest, "readings are required")
		return
	}

	h.process(w, r, core.NewVitalsEvent(req.PatientID, req.Readings))
}

// medicationRequest registers one medication schedule via POST /api/medications.
type medicationRequest struct {
	PatientID    string   `json:"patient_id"`
	Name         string   `json:"name"`
	Dosage       string   `json:"dosage,omitempty"`
	Times        []string `json:"times,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	RefillDate   string   `json:"refill_date,omitempty"`
}

// SubmitMedication registers a medication schedule for loop monitoring.
func (h *Handler) SubmitMedication(w http.ResponseWriter, r *http.Request) {
	var req medicationRequest
	if err := decode(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatientID == "" {
		Error(w, http.StatusBadRequest, "patient_id is required")
		return
	}

	schedule := core.MedicationSchedule{
		Name:         req.Name,
		Dosage:       req.Dosage,
		Times:        req.Times,
		Instructions: req.Instructions,
		RefillDate:   req.RefillDate,
	}
	if err := schedule.Validate(); err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}

	h.process(w, r, core.NewMedicationScheduleEvent(req.PatientID, schedule))
}

// process runs one event through the orchestrator and writes the outcome.
// A failed pass still carries a fail-safe outcome; the caller gets that
// outcome with a 503 and a generic message instead of the internal error.
func (h *Handler) process(w http.ResponseWriter, r *http.Request, ev core.Event) {
	start := time.Now()
	out, err := h.orch.HandleEvent(r.Context(), ev)
	if err != nil {
		h.logger.Error("event pass failed",
			"event_id", ev.ID,
			"patient_id", ev.PatientID,
			"kind", ev.Kind,
			"error", err,
		)
		if out == nil {
			Error(w, http.StatusInternalServerError, failSafeMessage)
			return
		}
		JSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":   failSafeMessage,
			"outcome": out,
		})
		return
	}

	h.logger.Info("event processed",
		"event_id", ev.ID,
		"patient_id", ev.PatientID,
		"kind", ev.Kind,
		"decision", out.Decision,
		"elapsed", time.Since(start).String(),
	)
	JSON(w, http.StatusOK, out)
}
