package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/model"
	"github.com/hupe1980/healthmesh/session"
)

type stubStage struct {
	name     string
	interest []core.EventKind
}

func (s stubStage) Name() string                  { return s.name }
func (s stubStage) Interest() []core.EventKind    { return s.interest }
func (s stubStage) StaticDeadline() time.Duration { return time.Second }

func (s stubStage) Run(_ context.Context, _ core.StageContext) (*core.StageResult, error) {
	return &core.StageResult{Stage: s.name}, nil
}

// conflictingStore fakes n lost compare-and-set races before delegating.
type conflictingStore struct {
	core.SessionStore
	conflicts int
}

func (s *conflictingStore) ReplaceSummary(ctx context.Context, id string, expected int64, summary *core.Summary) (*core.Session, error) {
	if s.conflicts > 0 {
		s.conflicts--
		return nil, &core.VersionConflictError{Key: id, Expected: expected, Actual: expected + 1}
	}
	return s.SessionStore.ReplaceSummary(ctx, id, expected, summary)
}

func newTestSession(t *testing.T, store core.SessionStore) *core.Session {
	t.Helper()
	sess, err := store.Create(context.Background(), "sess-1", "patient-1")
	require.NoError(t, err)
	return sess
}

func appendDelta(t *testing.T, store core.SessionStore, id string, delta core.Delta) *core.Session {
	t.Helper()
	sess, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	sess, err = store.Append(context.Background(), id, sess.Version, delta)
	require.NoError(t, err)
	return sess
}

func stampedFinding(stage, category string, severity core.Severity, msg string, ts time.Time) core.Finding {
	f := core.NewFinding(stage, category, severity, msg)
	f.Timestamp = ts
	return f
}

func TestBuildWindowBoundsAndOrder(t *testing.T) {
	store := session.NewInMemoryStore()
	newTestSession(t, store)

	var events []core.Event
	for i := 1; i <= 5; i++ {
		events = append(events, core.NewSymptomEvent("patient-1", fmt.Sprintf("symptom %d", i)))
	}
	events = append(events, core.NewVitalsEvent("patient-1", map[string]float64{"heart_rate": 72}))
	appendDelta(t, store, "sess-1", core.Delta{Events: events})

	mgr := NewManager(store, func(o *ManagerOptions) { o.ContextBudget = 3 })

	w, err := mgr.BuildContext(context.Background(), "sess-1", stubStage{name: "intake", interest: []core.EventKind{core.EventSymptom}})
	require.NoError(t, err)

	require.Len(t, w.Events, 3)
	assert.Equal(t, "symptom 5", w.Events[0].Text)
	assert.Equal(t, "symptom 4", w.Events[1].Text)
	assert.Equal(t, "symptom 3", w.Events[2].Text)

	assert.Equal(t, "sess-1", w.SessionID)
	assert.Equal(t, "patient-1", w.PatientID)
	assert.Empty(t, w.Summary)
	assert.Empty(t, w.CarriedAlerts)
}

func TestBuildWindowInterestFilter(t *testing.T) {
	store := session.NewInMemoryStore()
	newTestSession(t, store)
	appendDelta(t, store, "sess-1", core.Delta{Events: []core.Event{
		core.NewSymptomEvent("patient-1", "headache"),
		core.NewVitalsEvent("patient-1", map[string]float64{"heart_rate": 72}),
		core.NewQuestionEvent("patient-1", "can I take ibuprofen?"),
	}})

	mgr := NewManager(store)

	w, err := mgr.BuildContext(context.Background(), "sess-1", stubStage{name: "vitals", interest: []core.EventKind{core.EventVitals}})
	require.NoError(t, err)
	require.Len(t, w.Events, 1)
	assert.Equal(t, core.EventVitals, w.Events[0].Kind)

	// Nil interest sees everything.
	w, err = mgr.BuildContext(context.Background(), "sess-1", stubStage{name: "advisor"})
	require.NoError(t, err)
	assert.Len(t, w.Events, 3)
}

func TestBuildWindowPinsUnresolvedWarnings(t *testing.T) {
	store := session.NewInMemoryStore()
	newTestSession(t, store)

	base := time.Now().UTC().Add(-time.Hour)
	appendDelta(t, store, "sess-1", core.Delta{Findings: []core.Finding{
		stampedFinding(core.StageVitals, "blood-pressure", core.SeverityWarning, "elevated blood pressure", base),
		stampedFinding(core.StageAdvisor, "guidance", core.SeverityInfo, "advice given", base.Add(time.Minute)),
		stampedFinding(core.StageAdvisor, "guidance", core.SeverityInfo, "advice given again", base.Add(2*time.Minute)),
		stampedFinding(core.StageIntake, "triage", core.SeverityInfo, "routine report", base.Add(3*time.Minute)),
	}})

	mgr := NewManager(store, func(o *ManagerOptions) { o.ContextBudget = 2 })

	w, err := mgr.BuildContext(context.Background(), "sess-1", stubStage{name: "advisor"})
	require.NoError(t, err)

	// Budget is two, but the unresolved warning rides along anyway.
	require.Len(t, w.Findings, 3)
	keys := make([]string, 0, len(w.Findings))
	for _, f := range w.Findings {
		keys = append(keys, f.DedupKey())
	}
	assert.Contains(t, keys, "vitals/blood-pressure")

	// A newer benign finding on the same key resolves the pin.
	appendDelta(t, store, "sess-1", core.Delta{Findings: []core.Finding{
		stampedFinding(core.StageVitals, "blood-pressure", core.SeverityInfo, "blood pressure back in range", base.Add(4*time.Minute)),
	}})

	w, err = mgr.BuildContext(context.Background(), "sess-1", stubStage{name: "advisor"})
	require.NoError(t, err)
	require.Len(t, w.Findings, 2)
	assert.Equal(t, "vitals/blood-pressure", w.Findings[0].DedupKey())
	assert.Equal(t, core.SeverityInfo, w.Findings[0].Severity)
}

func TestWindowRender(t *testing.T) {
	w := &Window{
		SessionID: "sess-1",
		PatientID: "patient-1",
		Summary:   "Stable week, one elevated reading.",
		CarriedAlerts: []core.Finding{
			core.NewFinding(core.StageVitals, "blood-pressure", core.SeverityCritical, "systolic 185 mmHg"),
		},
		Events: []core.Event{
			core.NewSymptomEvent("patient-1", "dizzy this morning"),
		},
		Profile: &core.PatientProfile{PatientID: "patient-1", Name: "Ada", Age: 71, Conditions: []string{"hypertension"}},
	}

	text := w.Render()
	assert.Contains(t, text, "Ada")
	assert.Contains(t, text, "hypertension")
	assert.Contains(t, text, "Stable week")
	assert.Contains(t, text, "[critical] vitals/blood-pressure")
	assert.Contains(t, text, "dizzy this morning")
	assert.False(t, w.Empty())
	assert.True(t, (&Window{}).Empty())
}

func TestCompactNoopUnderThreshold(t *testing.T) {
	store := session.NewInMemoryStore()
	newTestSession(t, store)
	appendDelta(t, store, "sess-1", core.Delta{Events: []core.Event{
		core.NewSymptomEvent("patient-1", "mild headache"),
	}})

	mgr := NewManager(store, func(o *ManagerOptions) { o.CompactThreshold = 8 })

	summary, changed, err := mgr.Compact(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, summary)
}

func TestCompactFoldsHistory(t *testing.T) {
	store := session.NewInMemoryStore()
	newTestSession(t, store)

	var events []core.Event
	for i := 0; i < 12; i++ {
		events = append(events, core.NewSymptomEvent("patient-1", fmt.Sprintf("report %d", i)))
	}
	base := time.Now().UTC().Add(-time.Hour)
	findings := []core.Finding{
		stampedFinding(core.StageVitals, "blood-pressure", core.SeverityCritical, "systolic 185 mmHg", base),
		stampedFinding(core.StageMedication, "missed-dose", core.SeverityWarning, "missed evening dose", base.Add(time.Minute)),
		stampedFinding(core.StageAdvisor, "guidance", core.SeverityInfo, "hydration advice", base.Add(2*time.Minute)),
		stampedFinding(core.StageIntake, "triage", core.SeverityInfo, "routine report", base.Add(3*time.Minute)),
		stampedFinding(core.StageAdvisor, "guidance", core.SeverityInfo, "rest advice", base.Add(4*time.Minute)),
		stampedFinding(core.StageIntake, "triage", core.SeverityInfo, "routine report", base.Add(5*time.Minute)),
	}
	appendDelta(t, store, "sess-1", core.Delta{Events: events, Findings: findings})

	mgr := NewManager(store, func(o *ManagerOptions) {
		o.CompactThreshold = 8
		o.RetentionWindow = 2
	})

	summary, changed, err := mgr.Compact(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, changed)
	require.NotNil(t, summary)

	assert.Equal(t, 10, summary.EventCount)
	assert.Equal(t, 4, summary.FindingCount)
	assert.Contains(t, summary.Text, "10 events")

	// Only warning and critical keys from the folded prefix are carried.
	require.Len(t, summary.CarriedAlerts, 2)
	assert.Equal(t, "vitals/blood-pressure", summary.CarriedAlerts[0].DedupKey())
	assert.Equal(t, core.SeverityCritical, summary.CarriedAlerts[0].Severity)
	assert.Equal(t, "medication/missed-dose", summary.CarriedAlerts[1].DedupKey())

	// The window now starts behind the watermark.
	w, err := mgr.BuildContext(context.Background(), "sess-1", stubStage{name: "advisor"})
	require.NoError(t, err)
	assert.Len(t, w.Events, 2)
	assert.Len(t, w.Findings, 2)
	assert.Len(t, w.CarriedAlerts, 2)
	assert.NotEmpty(t, w.Summary)
}

func TestCompactIdempotent(t *testing.T) {
	store := session.NewInMemoryStore()
	newTestSession(t, store)

	var events []core.Event
	for i := 0; i < 12; i++ {
		events = append(events, core.NewSymptomEvent("patient-1", fmt.Sprintf("report %d", i)))
	}
	base := time.Now().UTC().Add(-time.Hour)
	appendDelta(t, store, "sess-1", core.Delta{Events: events, Findings: []core.Finding{
		stampedFinding(core.StageVitals, "blood-pressure", core.SeverityCritical, "systolic 185 mmHg", base),
		stampedFinding(core.StageMedication, "missed-dose", core.SeverityWarning, "missed evening dose", base.Add(time.Minute)),
		stampedFinding(core.StageIntake, "triage", core.SeverityInfo, "routine", base.Add(2*time.Minute)),
		stampedFinding(core.StageIntake, "triage", core.SeverityInfo, "routine", base.Add(3*time.Minute)),
	}})

	mgr := NewManager(store, func(o *ManagerOptions) {
		o.CompactThreshold = 8
		o.RetentionWindow = 2
	})

	first, changed, err := mgr.Compact(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, changed)

	// Immediately recompacting is a no-op: the uncompacted tail is below
	// the threshold again.
	second, changed, err := mgr.Compact(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.EventCount, second.EventCount)
	assert.Equal(t, first.CarriedAlerts, second.CarriedAlerts)

	// More benign events later: a further fold keeps the alerts verbatim.
	var more []core.Event
	for i := 0; i < 10; i++ {
		more = append(more, core.NewSymptomEvent("patient-1", fmt.Sprintf("later report %d", i)))
	}
	appendDelta(t, store, "sess-1", core.Delta{Events: more})

	third, changed, err := mgr.Compact(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, changed)
	assert.Greater(t, third.EventCount, first.EventCount)

	require.Len(t, third.CarriedAlerts, len(first.CarriedAlerts))
	for i := range first.CarriedAlerts {
		assert.Equal(t, first.CarriedAlerts[i].ID, third.CarriedAlerts[i].ID)
		assert.Equal(t, first.CarriedAlerts[i].Severity, third.CarriedAlerts[i].Severity)
	}
}

func TestCompactNeverDowngradesCarriedAlerts(t *testing.T) {
	store := session.NewInMemoryStore()
	newTestSession(t, store)

	var events []core.Event
	for i := 0; i < 12; i++ {
		events = append(events, core.NewSymptomEvent("patient-1", fmt.Sprintf("report %d", i)))
	}
	base := time.Now().UTC().Add(-time.Hour)
	appendDelta(t, store, "sess-1", core.Delta{Events: events, Findings: []core.Finding{
		stampedFinding(core.StageVitals, "blood-pressure", core.SeverityCritical, "systolic 190 mmHg", base),
		stampedFinding(core.StageVitals, "blood-pressure", core.SeverityInfo, "back in range", base.Add(time.Minute)),
		stampedFinding(core.StageIntake, "triage", core.SeverityInfo, "routine", base.Add(2*time.Minute)),
	}})

	mgr := NewManager(store, func(o *ManagerOptions) {
		o.CompactThreshold = 8
		o.RetentionWindow = 0
	})

	summary, changed, err := mgr.Compact(context.Background(), "sess-1")
	require.NoError(t, err)
	require.True(t, changed)

	// The resolution is newer, but the critical exemplar stays carried.
	require.Len(t, summary.CarriedAlerts, 1)
	assert.Equal(t, "vitals/blood-pressure", summary.CarriedAlerts[0].DedupKey())
	assert.Equal(t, core.SeverityCritical, summary.CarriedAlerts[0].Severity)
	assert.Equal(t, "systolic 190 mmHg", summary.CarriedAlerts[0].Message)
}

func TestCarriedAlertsExemplarSelection(t *testing.T) {
	base := time.Now().UTC()
	findings := []core.Finding{
		stampedFinding(core.StageVitals, "blood-pressure", core.SeverityWarning, "first", base),
		stampedFinding(core.StageVitals, "blood-pressure", core.SeverityCritical, "older critical", base.Add(time.Minute)),
		stampedFinding(core.StageVitals, "blood-pressure", core.SeverityCritical, "newer critical", base.Add(2*time.Minute)),
		stampedFinding(core.StageMedication, "interaction", core.SeverityWarning, "warfarin with aspirin", base.Add(3*time.Minute)),
		stampedFinding(core.StageAdvisor, "guidance", core.SeverityInfo, "benign", base.Add(4*time.Minute)),
	}

	alerts := CarriedAlerts(findings)
	require.Len(t, alerts, 2)

	// Most severe wins, newest breaks the tie; display order is severity
	// descending.
	assert.Equal(t, "newer critical", alerts[0].Message)
	assert.Equal(t, core.SeverityCritical, alerts[0].Severity)
	assert.Equal(t, "medication/interaction", alerts[1].DedupKey())

	// Order independence: shuffled input yields the same alerts.
	shuffled := []core.Finding{findings[4], findings[2], findings[0], findings[3], findings[1]}
	again := CarriedAlerts(shuffled)
	require.Len(t, again, 2)
	assert.Equal(t, alerts[0].ID, again[0].ID)
	assert.Equal(t, alerts[1].ID, again[1].ID)
}

func TestCompactRetriesOnVersionConflict(t *testing.T) {
	backing := session.NewInMemoryStore()
	store := &conflictingStore{SessionStore: backing, conflicts: 1}
	newTestSession(t, backing)

	var events []core.Event
	for i := 0; i < 12; i++ {
		events = append(events, core.NewSymptomEvent("patient-1", fmt.Sprintf("report %d", i)))
	}
	appendDelta(t, backing, "sess-1", core.Delta{Events: events})

	mgr := NewManager(store, func(o *ManagerOptions) { o.CompactThreshold = 8 })

	_, changed, err := mgr.Compact(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.True(t, changed)

	// Conflicts on every attempt surface as an error.
	store.conflicts = DefaultCompactAttempts + 1
	appendDelta(t, backing, "sess-1", core.Delta{Events: events})

	_, _, err = mgr.Compact(context.Background(), "sess-1")
	require.Error(t, err)
	assert.True(t, core.IsVersionConflict(err))
}

func TestCompactNarrative(t *testing.T) {
	newStore := func(t *testing.T) core.SessionStore {
		store := session.NewInMemoryStore()
		newTestSession(t, store)
		var events []core.Event
		for i := 0; i < 12; i++ {
			events = append(events, core.NewSymptomEvent("patient-1", fmt.Sprintf("report %d", i)))
		}
		appendDelta(t, store, "sess-1", core.Delta{Events: events})
		return store
	}

	t.Run("generator text wins", func(t *testing.T) {
		gen := model.NewStaticGenerator()
		gen.AddResponse("Summarize the health history", "Twelve routine symptom reports, nothing acute.")

		mgr := NewManager(newStore(t), func(o *ManagerOptions) {
			o.CompactThreshold = 8
			o.Generator = gen
		})

		summary, changed, err := mgr.Compact(context.Background(), "sess-1")
		require.NoError(t, err)
		require.True(t, changed)
		assert.Equal(t, "Twelve routine symptom reports, nothing acute.", summary.Text)
	})

	t.Run("generation failure falls back to template", func(t *testing.T) {
		gen := model.NewStaticGenerator()
		gen.SetError(errors.New("provider down"))

		mgr := NewManager(newStore(t), func(o *ManagerOptions) {
			o.CompactThreshold = 8
			o.Generator = gen
		})

		summary, changed, err := mgr.Compact(context.Background(), "sess-1")
		require.NoError(t, err)
		require.True(t, changed)
		assert.True(t, strings.HasPrefix(summary.Text, "Compacted history"))
	})
}
