package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/healthmesh/coordinator"
	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/model"
	"github.com/hupe1980/healthmesh/notify"
	"github.com/hupe1980/healthmesh/notify/ws"
	"github.com/hupe1980/healthmesh/pipeline"
	"github.com/hupe1980/healthmesh/stage"
)

func newTestRouter(t *testing.T, stages pipeline.StageSet, optFns ...func(o *HandlerOptions)) chi.Router {
	t.Helper()
	coord := coordinator.New(stages, func(o *coordinator.Options) {
		o.StoreBackoff = time.Millisecond
	})
	r := chi.NewRouter()
	NewHandler(coord, optFns...).RegisterRoutes(r)
	return r
}

func defaultStages() pipeline.StageSet {
	return pipeline.StageSet{
		Intake: stage.NewIntakeStage(),
		Vitals: stage.NewVitalsStage(),
	}
}

func postJSON(t *testing.T, r http.Handler, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func decodeOutcome(t *testing.T, rec *httptest.ResponseRecorder) core.Outcome {
	t.Helper()
	var out core.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestSubmitVitalsReturnsOutcome(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	rec := postJSON(t, r, "/api/vitals", `{"patient_id":"patient-1","readings":{"systolic_bp":165}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	out := decodeOutcome(t, rec)
	assert.Equal(t, "patient-1", out.PatientID)
	assert.Equal(t, core.SeverityWarning, out.Severity)
	assert.Equal(t, core.DecisionNotifyCaregiver, out.Decision)
	require.Len(t, out.Findings, 1)
	assert.Equal(t, "systolic_bp", out.Findings[0].Category)
}

func TestSubmitEventGenericSymptom(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	rec := postJSON(t, r, "/api/events", `{"patient_id":"patient-1","kind":"symptom","text":"mild headache"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decodeOutcome(t, rec)
	assert.Equal(t, core.SeverityAdvisory, out.Severity)
	assert.Equal(t, core.DecisionNotifyPatient, out.Decision)
}

func TestSubmitEventRejectsBadRequests(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"missing patient id", `{"kind":"symptom","text":"headache"}`, "patient_id is required"},
		{"unknown kind", `{"patient_id":"p1","kind":"labs"}`, "unknown event kind"},
		{"malformed body", `{"patient_id":`, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postJSON(t, r, "/api/events", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.wantErr)
		})
	}
}

func TestSubmitIntakeRunsTriage(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	rec := postJSON(t, r, "/api/intake", `{
		"patient_id": "patient-2",
		"name": "Jordan Avery",
		"age": 71,
		"conditions": ["type 2 diabetes", "hypertension"],
		"allergies": ["penicillin"],
		"medications": [{"name": "Metformin", "dosage": "500mg", "times": ["08:00"]}],
		"primary_concern": "blood sugar management"
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decodeOutcome(t, rec)
	assert.Equal(t, core.SeverityInfo, out.Severity)
	assert.Equal(t, core.DecisionNone, out.Decision)

	snap := get(t, r, "/api/patients/patient-2")
	require.Equal(t, http.StatusOK, snap.Code)
	var got patientSnapshot
	require.NoError(t, json.Unmarshal(snap.Body.Bytes(), &got))
	assert.Equal(t, coordinator.SessionID("patient-2"), got.SessionID)
	assert.EqualValues(t, 3, got.Version)
	assert.Equal(t, 1, got.Events)
	assert.Equal(t, 1, got.Findings)
	assert.Equal(t, 1, got.Outcomes)
	require.NotNil(t, got.LastOutcome)
	assert.Equal(t, out.ID, got.LastOutcome.ID)
}

func TestSubmitIntakeRejectsBadSchedule(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	rec := postJSON(t, r, "/api/intake", `{
		"patient_id": "patient-2",
		"medications": [{"name": "Metformin", "times": ["8am"]}]
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid time")
}

func TestSubmitMedicationSchedulesReminder(t *testing.T) {
	morning := time.Date(2026, 8, 20, 7, 30, 0, 0, time.UTC)
	stages := defaultStages()
	stages.Medication = stage.NewMedicationStage(func(o *stage.MedicationOptions) {
		o.Now = func() time.Time { return morning }
	})
	r := newTestRouter(t, stages)

	rec := postJSON(t, r, "/api/medications", `{
		"patient_id": "patient-3",
		"name": "Metformin",
		"dosage": "500mg",
		"times": ["08:00", "20:00"]
	}`)
	require.Equal(t, http.StatusOK, rec.Code)

	out := decodeOutcome(t, rec)
	assert.Equal(t, core.SeverityAdvisory, out.Severity)
	assert.Equal(t, core.DecisionNotifyPatient, out.Decision)
	require.Len(t, out.Findings, 1)
	assert.Contains(t, out.Findings[0].Message, "due at 08:00")
}

func TestSubmitMedicationRejectsBadRefillDate(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	rec := postJSON(t, r, "/api/medications", `{
		"patient_id": "patient-3",
		"name": "Metformin",
		"refill_date": "September 1st"
	}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid refill date")
}

func TestGetPatientNotFound(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	rec := get(t, r, "/api/patients/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown patient")
}

func TestGetPatientOutcomesHistory(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	first := postJSON(t, r, "/api/vitals", `{"patient_id":"patient-4","readings":{"systolic_bp":165}}`)
	require.Equal(t, http.StatusOK, first.Code)
	second := postJSON(t, r, "/api/events", `{"patient_id":"patient-4","kind":"symptom","text":"feeling dizzy"}`)
	require.Equal(t, http.StatusOK, second.Code)

	rec := get(t, r, "/api/patients/patient-4/outcomes")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		PatientID string         `json:"patient_id"`
		Outcomes  []core.Outcome `json:"outcomes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "patient-4", got.PatientID)
	assert.Len(t, got.Outcomes, 2)
}

func TestGetStagesStatus(t *testing.T) {
	stages := defaultStages()
	stages.Medication = stage.NewMedicationStage()
	r := newTestRouter(t, stages)

	rec := get(t, r, "/api/stages/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var got struct {
		Stages     map[string]stageStatus `json:"stages"`
		Monitoring *struct {
			Running  bool `json:"running"`
			Sessions int  `json:"sessions"`
		} `json:"monitoring"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))

	assert.True(t, got.Stages[core.StageIntake].Enabled)
	assert.True(t, got.Stages[core.StageVitals].Enabled)
	assert.True(t, got.Stages[core.StageMedication].Enabled)
	assert.False(t, got.Stages[core.StageAdvisor].Enabled)
	assert.Contains(t, got.Stages[core.StageMedication].Interest, "medication")

	require.NotNil(t, got.Monitoring)
	assert.False(t, got.Monitoring.Running)
	assert.Zero(t, got.Monitoring.Sessions)
}

func TestStagesStatusWithoutMedicationOmitsMonitoring(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	rec := get(t, r, "/api/stages/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "monitoring")
}

func advisorStages(gen model.Generator) pipeline.StageSet {
	stages := defaultStages()
	stages.Advisor = stage.NewAdvisorStage(func(o *stage.AdvisorOptions) { o.Generator = gen })
	return stages
}

func TestEducationEndpoint(t *testing.T) {
	gen := model.NewStaticGenerator()
	gen.AddResponse("blood pressure", "Blood pressure is the force of blood against artery walls.")
	r := newTestRouter(t, advisorStages(gen))

	rec := postJSON(t, r, "/api/education", `{"topic":"blood pressure","level":"basic"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "artery walls")

	rec = postJSON(t, r, "/api/education", `{"level":"basic"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "topic is required")
}

func TestWellnessPlanEndpoint(t *testing.T) {
	gen := model.NewStaticGenerator()
	gen.AddResponse("wellness plan", "Week 1: establish a walking routine.")
	r := newTestRouter(t, advisorStages(gen))

	rec := postJSON(t, r, "/api/wellness-plan", `{"patient_id":"patient-1","goals":["lower blood pressure"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Week 1")

	rec = postJSON(t, r, "/api/wellness-plan", `{"patient_id":"patient-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "at least one goal")
}

func TestAdviceUnavailableWithoutAdvisor(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	rec := postJSON(t, r, "/api/education", `{"topic":"diabetes"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "advisor is not configured")
}

func TestHealthz(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	rec := get(t, r, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)
	assert.Contains(t, rec.Body.String(), `"store":"ok"`)
}

type degradedOrch struct {
	Orchestrator
}

func (degradedOrch) Sessions(context.Context) ([]*core.Session, error) {
	return nil, errors.New("kv backend offline")
}

func TestHealthzDegradedWhenStoreDown(t *testing.T) {
	coord := coordinator.New(defaultStages())
	r := chi.NewRouter()
	NewHandler(degradedOrch{coord}).RegisterRoutes(r)

	rec := get(t, r, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"store":"unreachable"`)
}

func TestStreamRouteAbsentWithoutHub(t *testing.T) {
	r := newTestRouter(t, defaultStages())

	rec := get(t, r, "/api/outcomes/stream")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutcomeStreamDeliversLiveOutcomes(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()

	coord := coordinator.New(defaultStages(), func(o *coordinator.Options) {
		o.StoreBackoff = time.Millisecond
		o.Dispatcher = notify.NewDispatcher().Broadcast(hub)
	})
	r := chi.NewRouter()
	NewHandler(coord, func(o *HandlerOptions) { o.Hub = hub }).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/outcomes/stream", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test done")

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 },
		2*time.Second, 10*time.Millisecond)

	resp, err := http.Post(srv.URL+"/api/vitals", "application/json",
		strings.NewReader(`{"patient_id":"patient-7","readings":{"systolic_bp":185}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	_, payload, err := conn.Read(ctx)
	require.NoError(t, err)

	var got core.Outcome
	require.NoError(t, json.Unmarshal(payload, &got))
	assert.Equal(t, "patient-7", got.PatientID)
	assert.Equal(t, core.SeverityCritical, got.Severity)
	assert.Equal(t, core.DecisionEscalateClinicalTeam, got.Decision)
}
