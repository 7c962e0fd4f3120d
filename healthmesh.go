// Package healthmesh provides a high-level façade over the coordinator and
// its collaborators (session store, context manager, staged pipeline,
// escalation engine, outcome delivery) enabling rapid construction of a
// patient monitoring service. Most applications interact with this package
// by:
//  1. Creating a HealthMesh via New() (optionally overriding the default
//     in-memory collaborators)
//  2. Feeding it patient events via HandleEvent
//  3. Calling Start to activate the recurring medication check
//
// The façade delegates orchestration to coordinator.Coordinator while
// keeping setup concise. All defaults are safe for local development and
// testing; production deployments typically supply a durable session store,
// a model generator and a structured logger.
package healthmesh

import (
	"context"
	"time"

	"github.com/hupe1980/healthmesh/coordinator"
	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/escalation"
	"github.com/hupe1980/healthmesh/logging"
	"github.com/hupe1980/healthmesh/memory"
	"github.com/hupe1980/healthmesh/model"
	"github.com/hupe1980/healthmesh/notify"
	"github.com/hupe1980/healthmesh/pipeline"
	"github.com/hupe1980/healthmesh/search"
	"github.com/hupe1980/healthmesh/session"
	"github.com/hupe1980/healthmesh/stage"
)

// Options configures the HealthMesh instance.
type Options struct {
	// SessionStore persists sessions; defaults to the in-memory versioned
	// store.
	SessionStore core.SessionStore

	// Generator backs the advisor stage's guidance and the outcome
	// summaries. Nil runs both on their deterministic templated fallback.
	Generator model.Generator

	// Recall indexes session history for advisor grounding; defaults to the
	// in-memory keyword index.
	Recall core.RecallStore

	// Dispatcher delivers outcomes. Defaults to one without sinks; callers
	// register sinks via Route/Broadcast before or after construction.
	Dispatcher *notify.Dispatcher

	// DecisionTable overrides the severity routing.
	DecisionTable core.DecisionTable

	// PipelineDeadline bounds one full pipeline pass.
	PipelineDeadline time.Duration

	// StageDeadlines caps individual stages by name.
	StageDeadlines map[string]time.Duration

	// LoopInterval is the cadence of the recurring medication check.
	LoopInterval time.Duration

	// CompactThreshold, RetentionWindow and ContextBudget tune the context
	// manager; zero keeps the memory package defaults.
	CompactThreshold int
	RetentionWindow  int
	ContextBudget    int

	// StoreAttempts and StoreBackoff tune session store retries.
	StoreAttempts int
	StoreBackoff  time.Duration

	// Stages replaces the default full stage set.
	Stages *pipeline.StageSet

	// Logger (defaults to NoOp logger if nil).
	Logger logging.Logger
}

// HealthMesh is the high-level façade aggregating the coordinator and its
// collaborators.
type HealthMesh struct {
	opts  Options
	coord *coordinator.Coordinator
}

// New creates a HealthMesh instance with optional overrides. Any unset
// collaborator is initialized with an in-memory implementation, and the
// default stage set runs all four stages.
func New(optFns ...func(o *Options)) *HealthMesh {
	opts := Options{
		SessionStore: session.NewInMemoryStore(),
		Recall:       search.NewInMemoryStore(),
		Logger:       logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.SessionStore == nil {
		opts.SessionStore = session.NewInMemoryStore()
	}

	stages := defaultStages(&opts)
	if opts.Stages != nil {
		stages = *opts.Stages
	}

	manager := memory.NewManager(opts.SessionStore, func(o *memory.ManagerOptions) {
		if opts.ContextBudget > 0 {
			o.ContextBudget = opts.ContextBudget
		}
		if opts.CompactThreshold > 0 {
			o.CompactThreshold = opts.CompactThreshold
		}
		if opts.RetentionWindow > 0 {
			o.RetentionWindow = opts.RetentionWindow
		}
		o.Logger = opts.Logger
	})

	scheduler := pipeline.NewScheduler(manager, stages, func(o *pipeline.SchedulerOptions) {
		if opts.PipelineDeadline > 0 {
			o.OverallDeadline = opts.PipelineDeadline
		}
		if len(opts.StageDeadlines) > 0 {
			o.StageDeadlines = opts.StageDeadlines
		}
		o.Logger = opts.Logger
	})

	engine := escalation.NewEngine(func(o *escalation.EngineOptions) {
		if opts.DecisionTable != nil {
			o.Table = opts.DecisionTable
		}
		o.Generator = opts.Generator
		o.Logger = opts.Logger
	})

	coord := coordinator.New(stages, func(o *coordinator.Options) {
		o.SessionStore = opts.SessionStore
		o.Manager = manager
		o.Scheduler = scheduler
		o.Engine = engine
		if opts.Dispatcher != nil {
			o.Dispatcher = opts.Dispatcher
		}
		o.Recall = opts.Recall
		if opts.StoreAttempts > 0 {
			o.StoreAttempts = opts.StoreAttempts
		}
		if opts.StoreBackoff > 0 {
			o.StoreBackoff = opts.StoreBackoff
		}
		if opts.LoopInterval > 0 {
			o.LoopInterval = opts.LoopInterval
		}
		o.Logger = opts.Logger
	})

	return &HealthMesh{opts: opts, coord: coord}
}

// defaultStages wires the full stage set from the configured collaborators.
func defaultStages(opts *Options) pipeline.StageSet {
	return pipeline.StageSet{
		Intake:     stage.NewIntakeStage(),
		Medication: stage.NewMedicationStage(),
		Vitals:     stage.NewVitalsStage(),
		Advisor: stage.NewAdvisorStage(func(o *stage.AdvisorOptions) {
			o.Generator = opts.Generator
			o.Recall = opts.Recall
			o.Logger = opts.Logger
		}),
	}
}

// HandleEvent runs one full monitoring pass for an inbound patient event.
func (m *HealthMesh) HandleEvent(ctx context.Context, ev core.Event) (*core.Outcome, error) {
	return m.coord.HandleEvent(ctx, ev)
}

// Session returns the patient's session, or core.ErrNotFound before their
// first event.
func (m *HealthMesh) Session(ctx context.Context, patientID string) (*core.Session, error) {
	return m.coord.Session(ctx, patientID)
}

// Sessions returns all sessions known to the store.
func (m *HealthMesh) Sessions(ctx context.Context) ([]*core.Session, error) {
	return m.coord.Sessions(ctx)
}

// Stages exposes the configured stage set.
func (m *HealthMesh) Stages() pipeline.StageSet { return m.coord.Stages() }

// Loop exposes the recurring medication check, nil when the stage set has no
// medication stage.
func (m *HealthMesh) Loop() *pipeline.Loop { return m.coord.Loop() }

// Coordinator exposes the underlying orchestrator for advanced wiring, such
// as mounting the HTTP surface.
func (m *HealthMesh) Coordinator() *coordinator.Coordinator { return m.coord }

// Start launches the recurring medication check in the background.
func (m *HealthMesh) Start(ctx context.Context) error { return m.coord.Start(ctx) }

// Stop halts the medication check and waits for in-flight work to finish.
func (m *HealthMesh) Stop() { m.coord.Stop() }
