package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/memory"
	"github.com/hupe1980/healthmesh/notify"
	"github.com/hupe1980/healthmesh/pipeline"
	"github.com/hupe1980/healthmesh/session"
	"github.com/hupe1980/healthmesh/stage"
)

// captureSink records every outcome it receives, optionally failing the
// first N deliveries.
type captureSink struct {
	mu       sync.Mutex
	failures int
	outcomes []core.Outcome
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Notify(_ context.Context, out core.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("sink offline")
	}
	s.outcomes = append(s.outcomes, out)
	return nil
}

func (s *captureSink) all() []core.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.Outcome, len(s.outcomes))
	copy(out, s.outcomes)
	return out
}

func newCoordinator(t *testing.T, optFns ...func(o *Options)) (*Coordinator, *captureSink) {
	t.Helper()

	sink := &captureSink{}
	stages := pipeline.StageSet{
		Intake: stage.NewIntakeStage(),
		Vitals: stage.NewVitalsStage(),
	}

	base := func(o *Options) {
		o.StoreBackoff = time.Millisecond
		o.Dispatcher = notify.NewDispatcher(func(d *notify.DispatcherOptions) {
			d.Attempts = 2
			d.Backoff = time.Millisecond
		}).Broadcast(sink)
	}

	return New(stages, append([]func(o *Options){base}, optFns...)...), sink
}

func TestHandleEventProducesAndDeliversOutcome(t *testing.T) {
	c, sink := newCoordinator(t)

	out, err := c.HandleEvent(context.Background(), core.NewVitalsEvent("patient-1", map[string]float64{
		"systolic_bp": 165,
	}))
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, core.SeverityWarning, out.Severity)
	assert.Equal(t, core.DecisionNotifyCaregiver, out.Decision)
	assert.NotEmpty(t, out.Summary)
	require.Len(t, out.Findings, 1)
	assert.Equal(t, "systolic_bp", out.Findings[0].Category)

	delivered := sink.all()
	require.Len(t, delivered, 1)
	assert.Equal(t, out.ID, delivered[0].ID)

	sess, err := c.Session(context.Background(), "patient-1")
	require.NoError(t, err)
	events, findings := sess.Counts()
	assert.Equal(t, 1, events)
	assert.Equal(t, 1, findings)

	outcomes := sess.GetOutcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, out.ID, outcomes[0].ID)
	assert.Empty(t, out.FailedStages)
	assert.Empty(t, sess.Metadata["last_run_failures"])
}

// stalledStage simulates a hung handler: it only returns once its context
// expires.
type stalledStage struct{ name string }

func (s stalledStage) Name() string                  { return s.name }
func (s stalledStage) Interest() []core.EventKind    { return nil }
func (s stalledStage) StaticDeadline() time.Duration { return 0 }

func (s stalledStage) Run(ctx context.Context, _ core.StageContext) (*core.StageResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestHandleEventAnnotatesTimedOutStage(t *testing.T) {
	store := session.NewInMemoryStore()
	manager := memory.NewManager(store)
	stages := pipeline.StageSet{
		Intake:     stage.NewIntakeStage(),
		Medication: stalledStage{name: core.StageMedication},
		Vitals:     stage.NewVitalsStage(),
	}
	sched := pipeline.NewScheduler(manager, stages, func(o *pipeline.SchedulerOptions) {
		o.StageDeadlines = map[string]time.Duration{core.StageMedication: 30 * time.Millisecond}
	})

	sink := &captureSink{}
	c := New(stages, func(o *Options) {
		o.SessionStore = store
		o.Manager = manager
		o.Scheduler = sched
		o.Dispatcher = notify.NewDispatcher().Broadcast(sink)
	})

	out, err := c.HandleEvent(context.Background(), core.NewVitalsEvent("patient-12", map[string]float64{
		"systolic_bp": 165,
	}))
	require.NoError(t, err)

	// The vitals concern still routes; the skipped medication check is
	// recorded on the outcome rather than silently dropped.
	assert.Equal(t, core.SeverityWarning, out.Severity)
	assert.Equal(t, core.DecisionNotifyCaregiver, out.Decision)
	assert.Equal(t, []string{"medication: timeout"}, out.FailedStages)
	require.Len(t, out.Findings, 1)
	assert.Equal(t, core.StageVitals, out.Findings[0].Stage)

	sess, err := c.Session(context.Background(), "patient-12")
	require.NoError(t, err)
	assert.Equal(t, "medication: timeout", sess.Metadata["last_run_failures"])
	outcomes := sess.GetOutcomes()
	require.Len(t, outcomes, 1)
	assert.Equal(t, []string{"medication: timeout"}, outcomes[0].FailedStages)
}

func TestHandleEventAllStagesTimedOut(t *testing.T) {
	store := session.NewInMemoryStore()
	manager := memory.NewManager(store)
	stages := pipeline.StageSet{
		Intake:     stalledStage{name: core.StageIntake},
		Medication: stalledStage{name: core.StageMedication},
		Vitals:     stalledStage{name: core.StageVitals},
		Advisor:    stalledStage{name: core.StageAdvisor},
	}
	sched := pipeline.NewScheduler(manager, stages, func(o *pipeline.SchedulerOptions) {
		o.OverallDeadline = 120 * time.Millisecond
	})

	sink := &captureSink{}
	c := New(stages, func(o *Options) {
		o.SessionStore = store
		o.Manager = manager
		o.Scheduler = sched
		o.Dispatcher = notify.NewDispatcher().Broadcast(sink)
	})

	out, err := c.HandleEvent(context.Background(), core.NewSymptomEvent("patient-13", "short of breath"))
	require.NoError(t, err)

	// Nothing reported, so the empty-set rule forces the caregiver notice
	// and every stage is marked failed.
	assert.Equal(t, core.SeverityInfo, out.Severity)
	assert.Equal(t, core.DecisionNotifyCaregiver, out.Decision)
	assert.Empty(t, out.Findings)
	assert.Equal(t, []string{
		"intake: timeout",
		"medication: timeout",
		"vitals: timeout",
		"advisor: timeout",
	}, out.FailedStages)
	require.Len(t, sink.all(), 1)
}

func TestHandleEventCreatesSessionOnFirstEvent(t *testing.T) {
	c, _ := newCoordinator(t)

	_, err := c.Session(context.Background(), "patient-2")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))

	_, err = c.HandleEvent(context.Background(), core.NewSymptomEvent("patient-2", "mild headache"))
	require.NoError(t, err)

	sess, err := c.Session(context.Background(), "patient-2")
	require.NoError(t, err)
	assert.Equal(t, SessionID("patient-2"), sess.ID)
	assert.Equal(t, "patient-2", sess.PatientID)

	_, err = c.HandleEvent(context.Background(), core.NewSymptomEvent("patient-2", "headache again"))
	require.NoError(t, err)

	sess, err = c.Session(context.Background(), "patient-2")
	require.NoError(t, err)
	events, _ := sess.Counts()
	assert.Equal(t, 2, events)
}

func TestHandleEventEmptyFindingsForceCaregiver(t *testing.T) {
	c, sink := newCoordinator(t)

	// No stage knows the metric, so the pass produces zero findings.
	out, err := c.HandleEvent(context.Background(), core.NewVitalsEvent("patient-3", map[string]float64{
		"steps": 10500,
	}))
	require.NoError(t, err)

	assert.Equal(t, core.SeverityInfo, out.Severity)
	assert.Equal(t, core.DecisionNotifyCaregiver, out.Decision)
	assert.Empty(t, out.Findings)
	assert.Contains(t, out.Summary, "caregiver")
	require.Len(t, sink.all(), 1)
}

// downStore fails every call, simulating an unreachable backend.
type downStore struct{ err error }

func (s *downStore) Create(context.Context, string, string) (*core.Session, error) {
	return nil, s.err
}

func (s *downStore) Get(context.Context, string) (*core.Session, error) { return nil, s.err }

func (s *downStore) Append(context.Context, string, int64, core.Delta) (*core.Session, error) {
	return nil, s.err
}

func (s *downStore) ReplaceSummary(context.Context, string, int64, *core.Summary) (*core.Session, error) {
	return nil, s.err
}

func (s *downStore) List(context.Context) ([]*core.Session, error) { return nil, s.err }

func TestHandleEventStoreDownStillNotifiesCaregiver(t *testing.T) {
	c, sink := newCoordinator(t, func(o *Options) {
		o.SessionStore = &downStore{err: errors.New("kv backend offline")}
		o.StoreAttempts = 2
	})

	out, err := c.HandleEvent(context.Background(), core.NewSymptomEvent("patient-4", "feeling dizzy"))
	require.Error(t, err)
	assert.ErrorContains(t, err, "kv backend offline")
	assert.ErrorContains(t, err, "2 attempt(s)")

	// The patient-facing channel still gets the caregiver notice.
	require.NotNil(t, out)
	assert.Equal(t, core.SeverityInfo, out.Severity)
	assert.Equal(t, core.DecisionNotifyCaregiver, out.Decision)
	assert.Contains(t, out.Summary, "care team")

	delivered := sink.all()
	require.Len(t, delivered, 1)
	assert.Equal(t, out.ID, delivered[0].ID)
}

// racingStore fakes lost compare-and-set races for the first N appends.
type racingStore struct {
	core.SessionStore
	mu        sync.Mutex
	conflicts int
}

func (s *racingStore) Append(ctx context.Context, id string, expected int64, delta core.Delta) (*core.Session, error) {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return nil, &core.VersionConflictError{Key: id, Expected: expected, Actual: expected + 1}
	}
	s.mu.Unlock()
	return s.SessionStore.Append(ctx, id, expected, delta)
}

func TestHandleEventRetriesVersionConflict(t *testing.T) {
	store := &racingStore{SessionStore: session.NewInMemoryStore(), conflicts: 2}
	c, sink := newCoordinator(t, func(o *Options) {
		o.SessionStore = store
	})

	out, err := c.HandleEvent(context.Background(), core.NewVitalsEvent("patient-5", map[string]float64{
		"heart_rate": 128,
	}))
	require.NoError(t, err)
	assert.Equal(t, core.DecisionNotifyCaregiver, out.Decision)

	sess, err := c.Session(context.Background(), "patient-5")
	require.NoError(t, err)
	events, _ := sess.Counts()
	assert.Equal(t, 1, events)
	require.Len(t, sink.all(), 1)
}

func TestHandleEventConflictsExhaustedFailSafe(t *testing.T) {
	store := &racingStore{SessionStore: session.NewInMemoryStore(), conflicts: 100}
	c, sink := newCoordinator(t, func(o *Options) {
		o.SessionStore = store
	})

	out, err := c.HandleEvent(context.Background(), core.NewSymptomEvent("patient-6", "sore throat"))
	require.Error(t, err)
	assert.True(t, core.IsVersionConflict(err))
	assert.ErrorContains(t, err, "append event")

	require.NotNil(t, out)
	assert.Equal(t, core.DecisionNotifyCaregiver, out.Decision)
	require.Len(t, sink.all(), 1)
}

func TestHandleEventSuppressesRepeatedFindings(t *testing.T) {
	c, _ := newCoordinator(t)

	reading := func() core.Event {
		return core.NewVitalsEvent("patient-7", map[string]float64{"systolic_bp": 165})
	}

	_, err := c.HandleEvent(context.Background(), reading())
	require.NoError(t, err)
	_, err = c.HandleEvent(context.Background(), reading())
	require.NoError(t, err)

	// The second pass re-derives the same high-BP concern from the larger
	// window; the finding history must not grow while the outcome log does.
	sess, err := c.Session(context.Background(), "patient-7")
	require.NoError(t, err)
	events, findings := sess.Counts()
	assert.Equal(t, 2, events)
	assert.Equal(t, 1, findings)
	assert.Len(t, sess.GetOutcomes(), 2)
}

func TestHandleEventTriggersCompaction(t *testing.T) {
	store := session.NewInMemoryStore()
	manager := memory.NewManager(store, func(o *memory.ManagerOptions) {
		o.CompactThreshold = 2
		o.RetentionWindow = 1
	})
	c, _ := newCoordinator(t, func(o *Options) {
		o.SessionStore = store
		o.Manager = manager
	})

	for i := 0; i < 3; i++ {
		_, err := c.HandleEvent(context.Background(), core.NewVitalsEvent("patient-8", map[string]float64{
			"steps": float64(9000 + i),
		}))
		require.NoError(t, err)
	}

	sess, err := c.Session(context.Background(), "patient-8")
	require.NoError(t, err)
	sum := sess.GetSummary()
	require.NotNil(t, sum, "history past the threshold must be folded")
	assert.Equal(t, 2, sum.EventCount)
	assert.NotEmpty(t, sum.Text)
}

// fakeRecall counts ingests.
type fakeRecall struct {
	mu   sync.Mutex
	seen []string
}

func (r *fakeRecall) Ingest(_ context.Context, sess *core.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, sess.ID)
	return nil
}

func (r *fakeRecall) Search(context.Context, string, string, int) ([]core.RecallResult, error) {
	return nil, nil
}

func (r *fakeRecall) ingested() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestHandleEventIndexesSessionForRecall(t *testing.T) {
	rec := &fakeRecall{}
	c, sink := newCoordinator(t, func(o *Options) {
		o.Recall = rec
	})

	_, err := c.HandleEvent(context.Background(), core.NewSymptomEvent("patient-9", "persistent cough"))
	require.NoError(t, err)

	assert.Equal(t, []string{SessionID("patient-9")}, rec.ingested())

	// An info-only pass routes to no one, but the broadcast sink still sees it.
	delivered := sink.all()
	require.Len(t, delivered, 1)
	assert.Equal(t, core.DecisionNone, delivered[0].Decision)
}

// testClock is a settable clock shared between test and stage.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestLoopFindingsEscalateAndDeliver(t *testing.T) {
	clock := &testClock{now: time.Date(2026, time.August, 20, 14, 0, 0, 0, time.UTC)}
	sink := &captureSink{}
	stages := pipeline.StageSet{
		Intake:     stage.NewIntakeStage(),
		Medication: stage.NewMedicationStage(func(o *stage.MedicationOptions) { o.Now = clock.Now }),
	}
	c := New(stages, func(o *Options) {
		o.Dispatcher = notify.NewDispatcher().Broadcast(sink)
	})

	_, err := c.HandleEvent(context.Background(), core.NewProfileEvent("patient-10", core.PatientProfile{
		Name: "Jordan Avery",
		Medications: []core.MedicationSchedule{
			{Name: "Metformin", Times: []string{"08:00", "20:00"}},
		},
	}))
	require.NoError(t, err)
	require.Len(t, sink.all(), 1)

	require.NotNil(t, c.Loop())
	assert.Equal(t, []string{SessionID("patient-10")}, c.Loop().Sessions())

	// Past the evening dose's grace window the missed count changes, so the
	// timer-driven check appends and the escalation path fires again.
	clock.Set(time.Date(2026, time.August, 20, 21, 45, 0, 0, time.UTC))
	require.NoError(t, c.Loop().RunOnce(context.Background()))

	delivered := sink.all()
	require.Len(t, delivered, 2)
	loopOut := delivered[1]
	assert.Equal(t, core.SeverityWarning, loopOut.Severity)
	assert.Equal(t, core.DecisionNotifyCaregiver, loopOut.Decision)
	require.Len(t, loopOut.Findings, 1)
	assert.Contains(t, loopOut.Findings[0].Message, "2 of 2 dose(s)")

	sess, err := c.Session(context.Background(), "patient-10")
	require.NoError(t, err)
	assert.Len(t, sess.GetOutcomes(), 2)
}

func TestHandleEventMissingPatientID(t *testing.T) {
	c, sink := newCoordinator(t)

	out, err := c.HandleEvent(context.Background(), core.Event{ID: "ev-1", Kind: core.EventSymptom})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patient id")
	assert.Nil(t, out)
	assert.Empty(t, sink.all())
}

func TestHandleEventDeliveryFailureDoesNotFailPass(t *testing.T) {
	sink := &captureSink{failures: 99}
	c, _ := newCoordinator(t, func(o *Options) {
		o.Dispatcher = notify.NewDispatcher(func(d *notify.DispatcherOptions) {
			d.Attempts = 2
			d.Backoff = time.Millisecond
		}).Broadcast(sink)
	})

	out, err := c.HandleEvent(context.Background(), core.NewVitalsEvent("patient-11", map[string]float64{
		"systolic_bp": 165,
	}))
	require.NoError(t, err, "a dead sink must not fail the pass")
	require.NotNil(t, out)

	// The outcome is persisted even though delivery never landed.
	sess, err := c.Session(context.Background(), "patient-11")
	require.NoError(t, err)
	assert.Len(t, sess.GetOutcomes(), 1)
	assert.Empty(t, sink.all())
}

func TestSessionsListsAllPatients(t *testing.T) {
	c, _ := newCoordinator(t)

	_, err := c.HandleEvent(context.Background(), core.NewSymptomEvent("patient-a", "mild headache"))
	require.NoError(t, err)
	_, err = c.HandleEvent(context.Background(), core.NewSymptomEvent("patient-b", "mild headache"))
	require.NoError(t, err)

	sessions, err := c.Sessions(context.Background())
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestStartStop(t *testing.T) {
	clock := &testClock{now: time.Date(2026, time.August, 20, 14, 0, 0, 0, time.UTC)}
	stages := pipeline.StageSet{
		Intake:     stage.NewIntakeStage(),
		Medication: stage.NewMedicationStage(func(o *stage.MedicationOptions) { o.Now = clock.Now }),
	}
	c := New(stages)

	require.NoError(t, c.Start(context.Background()))
	require.Error(t, c.Start(context.Background()), "second start must fail")
	c.Stop()

	// Without a medication stage there is no loop to run.
	bare := New(pipeline.StageSet{Intake: stage.NewIntakeStage()})
	require.Nil(t, bare.Loop())
	require.NoError(t, bare.Start(context.Background()))
	bare.Stop()
}
