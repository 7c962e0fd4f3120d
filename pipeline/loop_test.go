package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/memory"
	"github.com/hupe1980/healthmesh/session"
	"github.com/hupe1980/healthmesh/stage"
)

// loopClock is a settable clock shared between test and stage.
type loopClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *loopClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *loopClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func newLoopFixture(t *testing.T, optFns ...func(o *LoopOptions)) (*Loop, *session.Store, *loopClock) {
	t.Helper()

	clock := &loopClock{now: time.Date(2026, time.August, 20, 14, 0, 0, 0, time.UTC)}
	store := session.NewInMemoryStore()
	manager := memory.NewManager(store)
	med := stage.NewMedicationStage(func(o *stage.MedicationOptions) { o.Now = clock.Now })

	loop := NewLoop(store, manager, med, optFns...)
	return loop, store, clock
}

func seedLoopSession(t *testing.T, store *session.Store, id string, meds ...core.MedicationSchedule) {
	t.Helper()
	sess, err := store.Create(context.Background(), id, "patient-"+id)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), sess.ID, sess.Version, core.Delta{
		Events: []core.Event{core.NewProfileEvent(sess.PatientID, core.PatientProfile{
			Name:        "Jordan Avery",
			Age:         67,
			Medications: meds,
		})},
	})
	require.NoError(t, err)
}

func TestLoopRunOnceAppendsFindings(t *testing.T) {
	var (
		mu       sync.Mutex
		notified []core.Finding
	)
	loop, store, _ := newLoopFixture(t, func(o *LoopOptions) {
		o.OnFindings = func(_ context.Context, _ *core.Session, findings []core.Finding) {
			mu.Lock()
			notified = append(notified, findings...)
			mu.Unlock()
		}
	})

	// 08:00 dose unlogged at 14:00 plus a refill coming due inside the horizon.
	seedLoopSession(t, store, "sess-1", core.MedicationSchedule{
		Name:       "Lisinopril",
		Dosage:     "10mg",
		Times:      []string{"08:00"},
		RefillDate: "2026-08-25",
	})
	loop.Register("sess-1")

	require.NoError(t, loop.RunOnce(context.Background()))

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	findings := sess.GetFindings()

	byCategory := map[string]core.Finding{}
	for _, f := range findings {
		byCategory[f.Category] = f
	}
	missed, ok := byCategory["missed-dose/lisinopril"]
	require.True(t, ok, "missed dose finding not appended")
	assert.Equal(t, core.SeverityWarning, missed.Severity)

	refill, ok := byCategory["refill/lisinopril"]
	require.True(t, ok, "refill finding not appended")
	assert.Equal(t, core.SeverityAdvisory, refill.Severity)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, notified, len(findings))
}

func TestLoopSuppressesSteadyState(t *testing.T) {
	calls := 0
	loop, store, _ := newLoopFixture(t, func(o *LoopOptions) {
		o.OnFindings = func(context.Context, *core.Session, []core.Finding) { calls++ }
	})

	seedLoopSession(t, store, "sess-1", core.MedicationSchedule{
		Name:  "Metformin",
		Times: []string{"08:00"},
	})
	loop.Register("sess-1")

	require.NoError(t, loop.RunOnce(context.Background()))
	require.NoError(t, loop.RunOnce(context.Background()))

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	_, findings := sess.Counts()

	// The second tick restates the same missed dose and must not append.
	assert.Equal(t, 1, findings)
	assert.Equal(t, 1, calls)
}

func TestLoopAppendsWhenStateChanges(t *testing.T) {
	loop, store, clock := newLoopFixture(t)

	seedLoopSession(t, store, "sess-1", core.MedicationSchedule{
		Name:  "Metformin",
		Times: []string{"08:00", "20:00"},
	})
	loop.Register("sess-1")

	require.NoError(t, loop.RunOnce(context.Background()))

	// Past the evening dose's grace window the missed count grows to two,
	// which is a state change worth recording.
	clock.Set(time.Date(2026, time.August, 20, 21, 45, 0, 0, time.UTC))
	require.NoError(t, loop.RunOnce(context.Background()))

	sess, err := store.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	findings := sess.GetFindings()
	require.Len(t, findings, 2)
	assert.Contains(t, findings[0].Message, "1 of 1 dose(s)")
	assert.Contains(t, findings[1].Message, "2 of 2 dose(s)")
}

func TestLoopRetriesOnVersionConflict(t *testing.T) {
	clock := &loopClock{now: time.Date(2026, time.August, 20, 14, 0, 0, 0, time.UTC)}
	inner := session.NewInMemoryStore()
	store := &racingStore{SessionStore: inner, conflicts: 2}
	manager := memory.NewManager(store)
	med := stage.NewMedicationStage(func(o *stage.MedicationOptions) { o.Now = clock.Now })
	loop := NewLoop(store, manager, med)

	seedLoopSession(t, inner, "sess-1", core.MedicationSchedule{
		Name:  "Metformin",
		Times: []string{"08:00"},
	})
	loop.Register("sess-1")

	require.NoError(t, loop.RunOnce(context.Background()))

	sess, err := inner.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	_, findings := sess.Counts()
	assert.Equal(t, 1, findings)
}

func TestLoopGivesUpAfterAttempts(t *testing.T) {
	clock := &loopClock{now: time.Date(2026, time.August, 20, 14, 0, 0, 0, time.UTC)}
	inner := session.NewInMemoryStore()
	store := &racingStore{SessionStore: inner, conflicts: DefaultLoopAttempts + 1}
	manager := memory.NewManager(store)
	med := stage.NewMedicationStage(func(o *stage.MedicationOptions) { o.Now = clock.Now })
	loop := NewLoop(store, manager, med)

	seedLoopSession(t, inner, "sess-1", core.MedicationSchedule{
		Name:  "Metformin",
		Times: []string{"08:00"},
	})
	loop.Register("sess-1")

	err := loop.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsVersionConflict(err))
	assert.Contains(t, err.Error(), "sess-1")
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

func TestLoopRegisterDeregister(t *testing.T) {
	loop, store, _ := newLoopFixture(t)

	seedLoopSession(t, store, "sess-b", core.MedicationSchedule{Name: "Metformin", Times: []string{"08:00"}})
	seedLoopSession(t, store, "sess-a", core.MedicationSchedule{Name: "Metformin", Times: []string{"08:00"}})

	loop.Register("sess-b")
	loop.Register("sess-a")
	assert.Equal(t, []string{"sess-a", "sess-b"}, loop.Sessions())

	loop.Deregister("sess-b")
	require.NoError(t, loop.RunOnce(context.Background()))

	sess, err := store.Get(context.Background(), "sess-b")
	require.NoError(t, err)
	_, findings := sess.Counts()
	assert.Zero(t, findings, "deregistered session must not be checked")

	sess, err = store.Get(context.Background(), "sess-a")
	require.NoError(t, err)
	_, findings = sess.Counts()
	assert.Equal(t, 1, findings)
}

func TestLoopRunOnceCollectsPerSessionErrors(t *testing.T) {
	loop, store, _ := newLoopFixture(t)

	seedLoopSession(t, store, "sess-good", core.MedicationSchedule{Name: "Metformin", Times: []string{"08:00"}})
	loop.Register("sess-good")
	loop.Register("sess-missing")

	err := loop.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sess-missing")
	assert.True(t, core.IsNotFound(err))

	// The healthy session was still checked.
	sess, gerr := store.Get(context.Background(), "sess-good")
	require.NoError(t, gerr)
	_, findings := sess.Counts()
	assert.Equal(t, 1, findings)
}

func TestLoopStartStop(t *testing.T) {
	loop, store, _ := newLoopFixture(t, func(o *LoopOptions) {
		o.Interval = 10 * time.Millisecond
	})

	seedLoopSession(t, store, "sess-1", core.MedicationSchedule{Name: "Metformin", Times: []string{"08:00"}})
	loop.Register("sess-1")

	require.NoError(t, loop.Start(context.Background()))
	require.Error(t, loop.Start(context.Background()), "second start must fail")

	require.Eventually(t, func() bool {
		sess, err := store.Get(context.Background(), "sess-1")
		if err != nil {
			return false
		}
		_, findings := sess.Counts()
		return findings > 0
	}, 2*time.Second, 10*time.Millisecond)

	loop.Stop()
	loop.Stop() // idempotent

	// Stopped loops can be started again.
	require.NoError(t, loop.Start(context.Background()))
	loop.Stop()
}
