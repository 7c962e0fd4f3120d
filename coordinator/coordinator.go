package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/escalation"
	"github.com/hupe1980/healthmesh/logging"
	"github.com/hupe1980/healthmesh/memory"
	"github.com/hupe1980/healthmesh/notify"
	"github.com/hupe1980/healthmesh/pipeline"
	"github.com/hupe1980/healthmesh/session"
)

const (
	// DefaultStoreAttempts bounds both the availability retries against an
	// unreachable store and the version-conflict retries of one append.
	DefaultStoreAttempts = 4

	// DefaultStoreBackoff is the initial delay between store availability
	// retries; it doubles on each attempt.
	DefaultStoreBackoff = 100 * time.Millisecond

	sessionIDPrefix = "sess-"
)

// SessionID returns the deterministic session identifier for a patient.
// HealthMesh keeps exactly one session per patient, so the mapping never
// needs a lookup table and survives restarts.
func SessionID(patientID string) string { return sessionIDPrefix + patientID }

// Options holds dependency + configuration overrides passed to New().
type Options struct {
	// StoreAttempts bounds store retries (availability and conflicts).
	StoreAttempts int
	// StoreBackoff is the initial availability retry delay, doubled per attempt.
	StoreBackoff time.Duration
	// LoopInterval overrides the recurring medication check cadence.
	LoopInterval time.Duration
	// SessionStore persists sessions; defaults to in-memory.
	SessionStore core.SessionStore
	// Manager builds context windows and compacts; defaults over SessionStore.
	Manager *memory.Manager
	// Scheduler runs the staged pipeline; defaults over Manager and stages.
	Scheduler *pipeline.Scheduler
	// Engine scores findings into outcomes; defaults to the static table.
	Engine *escalation.Engine
	// Dispatcher delivers outcomes; defaults to one without sinks.
	Dispatcher *notify.Dispatcher
	// Recall indexes session history for the advisor stage; nil disables it.
	Recall core.RecallStore
	// Logger receives structured orchestration logs.
	Logger logging.Logger
}

// Coordinator wires patient events through the full monitoring path:
// session, pipeline, escalation, persistence, delivery. Public methods are
// safe for concurrent use.
type Coordinator struct {
	stages     pipeline.StageSet
	store      core.SessionStore
	manager    *memory.Manager
	scheduler  *pipeline.Scheduler
	engine     *escalation.Engine
	dispatcher *notify.Dispatcher
	recall     core.RecallStore
	loop       *pipeline.Loop
	attempts   int
	backoff    time.Duration
	logger     logging.Logger
}

// New constructs a Coordinator around the given stage set. Any unset
// collaborator is initialized with an in-memory default, so a bare
// New(stages) yields a fully working instance for tests and demos.
func New(stages pipeline.StageSet, optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		StoreAttempts: DefaultStoreAttempts,
		StoreBackoff:  DefaultStoreBackoff,
		Logger:        logging.NoOpLogger{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.StoreAttempts < 1 {
		opts.StoreAttempts = 1
	}
	if opts.StoreBackoff <= 0 {
		opts.StoreBackoff = DefaultStoreBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.SessionStore == nil {
		opts.SessionStore = session.NewInMemoryStore()
	}
	if opts.Manager == nil {
		opts.Manager = memory.NewManager(opts.SessionStore, func(o *memory.ManagerOptions) {
			o.Logger = opts.Logger
		})
	}
	if opts.Scheduler == nil {
		opts.Scheduler = pipeline.NewScheduler(opts.Manager, stages, func(o *pipeline.SchedulerOptions) {
			o.Logger = opts.Logger
		})
	}
	if opts.Engine == nil {
		opts.Engine = escalation.NewEngine(func(o *escalation.EngineOptions) {
			o.Logger = opts.Logger
		})
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = notify.NewDispatcher(func(o *notify.DispatcherOptions) {
			o.Logger = opts.Logger
		})
	}

	c := &Coordinator{
		stages:     stages,
		store:      opts.SessionStore,
		manager:    opts.Manager,
		scheduler:  opts.Scheduler,
		engine:     opts.Engine,
		dispatcher: opts.Dispatcher,
		recall:     opts.Recall,
		attempts:   opts.StoreAttempts,
		backoff:    opts.StoreBackoff,
		logger:     opts.Logger,
	}

	if stages.Medication != nil {
		c.loop = pipeline.NewLoop(c.store, c.manager, stages.Medication, func(o *pipeline.LoopOptions) {
			if opts.LoopInterval > 0 {
				o.Interval = opts.LoopInterval
			}
			o.Attempts = c.attempts
			o.OnFindings = c.handleLoopFindings
			o.Logger = opts.Logger
		})
	}

	return c
}

// Stages returns the stage set the coordinator runs.
func (c *Coordinator) Stages() pipeline.StageSet { return c.stages }

// Loop returns the recurring medication loop, or nil when the stage set has
// no medication stage.
func (c *Coordinator) Loop() *pipeline.Loop { return c.loop }

// HandleEvent drives one full monitoring pass for an inbound patient event
// and returns the resulting outcome.
//
// The session is created on the patient's first event; the event append and
// the outcome append both retry on version conflicts. Stage failures degrade
// the result without failing the pass. When the session store stays
// unreachable past the retry budget, or the pipeline cannot run at all, the
// returned outcome is the fail-safe caregiver notice: it is still delivered,
// and the error reports what went wrong underneath.
func (c *Coordinator) HandleEvent(ctx context.Context, ev core.Event) (*core.Outcome, error) {
	if ev.PatientID == "" {
		return nil, fmt.Errorf("event %s has no patient id", ev.ID)
	}
	sessionID := SessionID(ev.PatientID)

	sess, err := c.ensureSession(ctx, sessionID, ev.PatientID)
	if err != nil {
		return c.failSafe(ctx, sessionID, ev.PatientID, fmt.Errorf("ensure session: %w", err))
	}

	sess, err = c.appendEvent(ctx, sessionID, ev)
	if err != nil {
		return c.failSafe(ctx, sessionID, ev.PatientID, err)
	}

	res, err := c.scheduler.Run(ctx, sess)
	if err != nil {
		return c.failSafe(ctx, sessionID, ev.PatientID, fmt.Errorf("run pipeline: %w", err))
	}

	out := c.engine.Evaluate(ctx, sessionID, ev.PatientID, res.Findings)
	out.FailedStages = res.FailureAnnotations()

	updated, err := session.Mutate(ctx, c.store, sessionID, c.attempts, func(current *core.Session) (core.Delta, error) {
		return core.Delta{
			Findings: core.NovelFindings(current.GetFindings(), res.Findings),
			Outcomes: []core.Outcome{out},
			Metadata: map[string]string{"last_run_failures": res.FailureSummary()},
		}, nil
	})
	if err != nil {
		// Delivery still happens: the outcome was produced, losing the
		// write must not lose the notification.
		c.logger.Error("append outcome failed",
			"session_id", sessionID,
			"outcome_id", out.ID,
			"error", err,
		)
		c.deliver(ctx, out)
		return &out, fmt.Errorf("append outcome: %w", err)
	}

	c.afterRun(ctx, updated)
	c.deliver(ctx, out)

	return &out, nil
}

// Session returns the patient's session, or ErrNotFound before their first
// event.
func (c *Coordinator) Session(ctx context.Context, patientID string) (*core.Session, error) {
	return c.store.Get(ctx, SessionID(patientID))
}

// Sessions returns all sessions known to the store.
func (c *Coordinator) Sessions(ctx context.Context) ([]*core.Session, error) {
	return c.store.List(ctx)
}

// Start launches the recurring medication loop in the background. It is a
// no-op when the stage set has no medication stage.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.loop == nil {
		return nil
	}
	return c.loop.Start(ctx)
}

// Stop halts the medication loop and waits for in-flight checks to finish.
func (c *Coordinator) Stop() {
	if c.loop != nil {
		c.loop.Stop()
	}
}

// ensureSession loads the patient's session, creating it on the first event.
// Store errors other than absence are treated as unavailability and retried
// with doubling backoff; a create race resolves on the next read.
func (c *Coordinator) ensureSession(ctx context.Context, sessionID, patientID string) (*core.Session, error) {
	var lastErr error
	delay := c.backoff
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}

		sess, err := c.store.Get(ctx, sessionID)
		if err == nil {
			c.register(sessionID)
			return sess, nil
		}
		if core.IsNotFound(err) {
			created, createErr := c.store.Create(ctx, sessionID, patientID)
			if createErr == nil {
				c.logger.Info("session created", "session_id", sessionID, "patient_id", patientID)
				c.register(sessionID)
				return created, nil
			}
			if errors.Is(createErr, core.ErrAlreadyExists) {
				lastErr = createErr
				continue
			}
			err = createErr
		}

		lastErr = err
		c.logger.Warn("session store unavailable",
			"session_id", sessionID,
			"attempt", attempt,
			"error", err,
		)
	}
	return nil, fmt.Errorf("session %s unavailable after %d attempt(s): %w", sessionID, c.attempts, lastErr)
}

func (c *Coordinator) appendEvent(ctx context.Context, sessionID string, ev core.Event) (*core.Session, error) {
	sess, err := session.Mutate(ctx, c.store, sessionID, c.attempts, func(*core.Session) (core.Delta, error) {
		return core.Delta{Events: []core.Event{ev}}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return sess, nil
}

// afterRun performs the post-append bookkeeping of a successful pass:
// compaction once the uncompacted history is past the threshold, and recall
// indexing for the advisor stage. Both are best-effort.
func (c *Coordinator) afterRun(ctx context.Context, sess *core.Session) {
	if c.manager.ShouldCompact(sess) {
		if _, folded, err := c.manager.Compact(ctx, sess.ID); err != nil {
			c.logger.Warn("compaction failed", "session_id", sess.ID, "error", err)
		} else if folded {
			c.logger.Debug("session compacted", "session_id", sess.ID)
		}
	}
	if c.recall != nil {
		if err := c.recall.Ingest(ctx, sess); err != nil {
			c.logger.Warn("recall ingest failed", "session_id", sess.ID, "error", err)
		}
	}
}

// deliver pushes the outcome through the dispatcher. The dispatcher already
// retries per sink; a sink that stays down is logged, not surfaced, because
// the outcome itself is produced and persisted independently of delivery.
func (c *Coordinator) deliver(ctx context.Context, out core.Outcome) {
	if err := c.dispatcher.Dispatch(ctx, out); err != nil {
		c.logger.Error("outcome delivery incomplete",
			"outcome_id", out.ID,
			"decision", string(out.Decision),
			"error", err,
		)
	}
}

// failSafe is the terminal path when no real outcome can be produced: the
// patient-facing channel gets the generic caregiver notice instead of a raw
// internal error. The notice is delivered unconditionally and persisted on a
// best-effort basis, and the underlying cause travels back to the caller.
func (c *Coordinator) failSafe(ctx context.Context, sessionID, patientID string, cause error) (*core.Outcome, error) {
	out := c.engine.FailSafe(sessionID, patientID)

	if _, err := session.Mutate(ctx, c.store, sessionID, 1, func(*core.Session) (core.Delta, error) {
		return core.Delta{Outcomes: []core.Outcome{out}}, nil
	}); err != nil {
		c.logger.Warn("fail-safe outcome not persisted", "session_id", sessionID, "error", err)
	}

	c.deliver(ctx, out)

	return &out, cause
}

// handleLoopFindings scores and delivers findings the medication loop
// appended between patient events, so timer-driven discoveries follow the
// same escalation path as event-triggered ones.
func (c *Coordinator) handleLoopFindings(ctx context.Context, sess *core.Session, findings []core.Finding) {
	out := c.engine.Evaluate(ctx, sess.ID, sess.PatientID, findings)

	if _, err := session.Mutate(ctx, c.store, sess.ID, c.attempts, func(*core.Session) (core.Delta, error) {
		return core.Delta{Outcomes: []core.Outcome{out}}, nil
	}); err != nil {
		c.logger.Warn("append loop outcome failed", "session_id", sess.ID, "error", err)
	}

	c.deliver(ctx, out)
}

func (c *Coordinator) register(sessionID string) {
	if c.loop != nil {
		c.loop.Register(sessionID)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
