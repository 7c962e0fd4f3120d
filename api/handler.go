// Package api exposes the HTTP surface of HealthMesh: event ingestion
// routes that run the pipeline synchronously and return the outcome, read
// routes over stored sessions, on-demand advisor routes for education and
// wellness plans, a stage status map and the live outcome stream. Handlers
// speak JSON and never leak internal error text to callers.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/logging"
	"github.com/hupe1980/healthmesh/notify/ws"
	"github.com/hupe1980/healthmesh/pipeline"
)

// DefaultHealthTimeout bounds the store ping performed by Healthz.
const DefaultHealthTimeout = 5 * time.Second

// Orchestrator is the slice of the coordinator the HTTP surface needs.
type Orchestrator interface {
	// HandleEvent runs the full pass for one event.
	HandleEvent(ctx context.Context, ev core.Event) (*core.Outcome, error)
	// Session returns the patient's session, core.ErrNotFound when absent.
	Session(ctx context.Context, patientID string) (*core.Session, error)
	// Sessions lists every stored session.
	Sessions(ctx context.Context) ([]*core.Session, error)
	// Stages exposes the configured stage set.
	Stages() pipeline.StageSet
	// Loop exposes the recurring medication check, nil when not configured.
	Loop() *pipeline.Loop
}

// HandlerOptions holds configuration overrides passed to NewHandler().
type HandlerOptions struct {
	// Hub serves the live outcome stream; nil disables the route.
	Hub *ws.Hub
	// HealthTimeout bounds the store ping in Healthz.
	HealthTimeout time.Duration
	// Logger receives structured request logs.
	Logger logging.Logger
}

// Handler bundles the route implementations over one orchestrator.
type Handler struct {
	orch          Orchestrator
	hub           *ws.Hub
	healthTimeout time.Duration
	logger        logging.Logger
}

// NewHandler creates the HTTP handler set for an orchestrator.
func NewHandler(orch Orchestrator, optFns ...func(o *HandlerOptions)) *Handler {
	opts := HandlerOptions{
		HealthTimeout: DefaultHealthTimeout,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Handler{
		orch:          orch,
		hub:           opts.Hub,
		healthTimeout: opts.HealthTimeout,
		logger:        opts.Logger,
	}
}

// RegisterRoutes mounts every route on the router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.Healthz)
	r.Route("/api", func(r chi.Router) {
		r.Post("/events", h.SubmitEvent)
		r.Post("/intake", h.SubmitIntake)
		r.Post("/vitals", h.SubmitVitals)
		r.Post("/medications", h.SubmitMedication)
		r.Get("/patients/{patientID}", h.GetPatient)
		r.Get("/patients/{patientID}/outcomes", h.GetPatientOutcomes)
		r.Get("/stages/status", h.GetStagesStatus)
		r.Post("/education", h.Education)
		r.Post("/wellness-plan", h.WellnessPlan)
		if h.hub != nil {
			r.Get("/outcomes/stream", h.hub.ServeHTTP)
		}
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads the request body into v, limited to 1 MiB.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}

// Healthz reports liveness and store reachability.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := http.StatusOK
	state := "healthy"

	if _, err := h.orch.Sessions(ctx); err != nil {
		h.logger.Error("health check store ping failed", "error", err)
		checks["store"] = "unreachable"
		state = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	JSON(w, status, map[string]any{
		"status": state,
		"checks": checks,
	})
}
