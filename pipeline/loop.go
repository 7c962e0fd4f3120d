package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/logging"
	"github.com/hupe1980/healthmesh/memory"
	"github.com/hupe1980/healthmesh/session"
	"github.com/hupe1980/healthmesh/stage"
)

const (
	// DefaultLoopInterval is the cadence of recurring medication checks.
	DefaultLoopInterval = time.Minute

	// DefaultLoopAttempts bounds the version-conflict retries of one
	// iteration's append. Conflicts come from event-triggered pipeline
	// runs writing the same session.
	DefaultLoopAttempts = 4

	// DefaultLoopConcurrency caps how many sessions one tick checks at
	// the same time.
	DefaultLoopConcurrency = 8
)

// LoopOptions holds configuration overrides passed to NewLoop().
type LoopOptions struct {
	// Interval between recurring checks.
	Interval time.Duration
	// Deadline caps one medication run per session; zero defers to the
	// stage's own static bound.
	Deadline time.Duration
	// Attempts bounds the append retries on version conflicts.
	Attempts int
	// Concurrency caps parallel session checks within one tick.
	Concurrency int
	// Runner executes the stage; a default one is built when nil.
	Runner *stage.Runner
	// OnFindings is invoked after an iteration appends new findings,
	// with the updated session. Wire escalation here.
	OnFindings func(ctx context.Context, sess *core.Session, findings []core.Finding)
	// Logger receives structured loop logs.
	Logger logging.Logger
}

// Loop runs the medication stage on a recurring timer, independent of
// patient events. Each iteration reads the registered sessions, analyzes
// them, and appends any new findings through the store's version-checked
// path, retrying on conflicts with event-triggered runs.
type Loop struct {
	store      core.SessionStore
	manager    *memory.Manager
	medication core.Stage
	runner     *stage.Runner
	interval   time.Duration
	deadline   time.Duration
	attempts   int
	sem        chan struct{}
	onFindings func(ctx context.Context, sess *core.Session, findings []core.Finding)
	logger     logging.Logger

	mu       sync.Mutex
	sessions map[string]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewLoop builds a medication loop over the given store and stage.
func NewLoop(store core.SessionStore, manager *memory.Manager, medication core.Stage, optFns ...func(o *LoopOptions)) *Loop {
	opts := LoopOptions{
		Interval:    DefaultLoopInterval,
		Attempts:    DefaultLoopAttempts,
		Concurrency: DefaultLoopConcurrency,
		Logger:      logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultLoopInterval
	}
	if opts.Attempts < 1 {
		opts.Attempts = DefaultLoopAttempts
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	if opts.Runner == nil {
		opts.Runner = stage.NewRunner(func(o *stage.RunnerOptions) { o.Logger = opts.Logger })
	}

	return &Loop{
		store:      store,
		manager:    manager,
		medication: medication,
		runner:     opts.Runner,
		interval:   opts.Interval,
		deadline:   opts.Deadline,
		attempts:   opts.Attempts,
		sem:        make(chan struct{}, opts.Concurrency),
		onFindings: opts.OnFindings,
		logger:     opts.Logger,
		sessions:   make(map[string]struct{}),
	}
}

// Register adds a session to the recurring check set.
func (l *Loop) Register(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[sessionID] = struct{}{}
}

// Deregister removes a session from the recurring check set.
func (l *Loop) Deregister(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
}

// Sessions returns the registered session IDs, sorted.
func (l *Loop) Sessions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.sessions))
	for id := range l.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Start begins ticking in the background until Stop is called or the
// context is canceled. Calling Start on a running loop is an error.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return fmt.Errorf("medication loop already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done
	l.mu.Unlock()

	l.logger.Info("medication loop started", "interval", l.interval.String())

	go func() {
		defer close(done)
		ticker := time.NewTicker(l.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.RunOnce(ctx); err != nil {
					l.logger.Warn("medication loop tick incomplete", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the ticker and waits for the in-flight tick to finish.
// Stopping a loop that is not running is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	l.logger.Info("medication loop stopped")
}

// Running reports whether the background ticker is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// RunOnce checks every registered session immediately, regardless of the
// timer. Per-session failures are joined into the returned error; the
// remaining sessions are still checked.
func (l *Loop) RunOnce(ctx context.Context) error {
	ids := l.Sessions()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case l.sem <- struct{}{}:
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer func() { <-l.sem }()
			if err := l.check(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// check runs one medication pass over one session and appends whatever is
// new. Findings that merely restate the latest known state of a concern
// (same key, same severity, same message) are suppressed so steady-state
// conditions do not pile up tick after tick.
func (l *Loop) check(ctx context.Context, sessionID string) error {
	sess, err := l.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	w := l.manager.BuildWindow(sess, l.medication)
	sc := core.StageContext{
		SessionID: sess.ID,
		PatientID: sess.PatientID,
		Events:    w.Events,
		Context:   w.Render(),
		Profile:   w.Profile,
	}

	out, err := l.runner.RunWithDeadline(ctx, l.medication, sc, l.deadline)
	if err != nil {
		return err
	}
	if len(out.Findings) == 0 {
		return nil
	}

	var fresh []core.Finding
	updated, err := session.Mutate(ctx, l.store, sessionID, l.attempts, func(current *core.Session) (core.Delta, error) {
		fresh = core.NovelFindings(current.GetFindings(), out.Findings)
		if len(fresh) == 0 {
			return core.Delta{}, nil
		}
		return core.Delta{Findings: fresh}, nil
	})
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}

	l.logger.Info("medication loop appended findings",
		"session_id", sessionID,
		"finding_count", len(fresh),
		"max_severity", core.MaxSeverity(fresh).String(),
	)

	if l.onFindings != nil {
		l.onFindings(ctx, updated, fresh)
	}
	return nil
}
