package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/logging"
	"github.com/hupe1980/healthmesh/model"
)

const (
	// DefaultContextBudget caps how many uncompacted events and findings a
	// single context window may carry, per list.
	DefaultContextBudget = 32

	// DefaultCompactThreshold is the uncompacted event count above which
	// Compact folds history into the summary.
	DefaultCompactThreshold = 64

	// DefaultRetentionWindow is how many of the newest events and findings
	// stay uncompacted after a fold, so stages keep verbatim recency.
	DefaultRetentionWindow = 16

	// DefaultCompactAttempts bounds optimistic-concurrency retries when
	// persisting a new summary.
	DefaultCompactAttempts = 3
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// ContextBudget is the per-list item cap for context windows.
	ContextBudget int

	// CompactThreshold triggers compaction when exceeded by the number of
	// uncompacted events.
	CompactThreshold int

	// RetentionWindow is the number of newest events/findings left
	// uncompacted after a fold.
	RetentionWindow int

	// CompactAttempts bounds version-conflict retries during Compact.
	CompactAttempts int

	// Generator, when set, writes the summary narrative. Failures fall back
	// to the templated narrative and are never fatal.
	Generator model.Generator

	// Logger receives structured compaction and windowing logs.
	Logger logging.Logger
}

// Manager builds bounded context windows and compacts session history.
type Manager struct {
	store core.SessionStore
	opts  ManagerOptions
}

// NewManager creates a context manager on top of a session store.
func NewManager(store core.SessionStore, optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		ContextBudget:    DefaultContextBudget,
		CompactThreshold: DefaultCompactThreshold,
		RetentionWindow:  DefaultRetentionWindow,
		CompactAttempts:  DefaultCompactAttempts,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ContextBudget <= 0 {
		opts.ContextBudget = DefaultContextBudget
	}
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = DefaultCompactThreshold
	}
	if opts.RetentionWindow < 0 {
		opts.RetentionWindow = 0
	}
	// Retention must stay below the threshold or the watermark never advances.
	if opts.RetentionWindow >= opts.CompactThreshold {
		opts.RetentionWindow = opts.CompactThreshold - 1
	}
	if opts.CompactAttempts <= 0 {
		opts.CompactAttempts = DefaultCompactAttempts
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Manager{store: store, opts: opts}
}

// Window is the bounded view of a session handed to a stage. Events and
// findings are ordered most recent first.
type Window struct {
	SessionID     string
	PatientID     string
	Summary       string
	CarriedAlerts []core.Finding
	Events        []core.Event
	Findings      []core.Finding
	Profile       *core.PatientProfile
}

// BuildContext loads the session and assembles the window for a stage.
func (m *Manager) BuildContext(ctx context.Context, sessionID string, stage core.Stage) (*Window, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %q: %w", sessionID, err)
	}

	return m.BuildWindow(sess, stage), nil
}

// BuildWindow assembles the window for a stage from an already-loaded
// session. The window only sees events matching the stage's interest set; a
// stage with an empty interest set sees every kind.
func (m *Manager) BuildWindow(sess *core.Session, stage core.Stage) *Window {
	summary := sess.GetSummary()

	eventMark, findingMark := 0, 0
	summaryText := ""
	var carried []core.Finding
	if summary != nil {
		eventMark = summary.EventCount
		findingMark = summary.FindingCount
		summaryText = summary.Text
		carried = core.CloneFindings(summary.CarriedAlerts)
	}

	events := sess.EventsSince(eventMark)
	if stage != nil {
		if interest := stage.Interest(); len(interest) > 0 {
			events = core.FilterEvents(events, interest...)
		}
	}
	events = newestFirstEvents(events, m.opts.ContextBudget)

	findings := sess.GetFindings()
	if findingMark < len(findings) {
		findings = findings[findingMark:]
	} else {
		findings = nil
	}
	findings = newestFirstFindings(findings, m.opts.ContextBudget)

	w := &Window{
		SessionID:     sess.ID,
		PatientID:     sess.PatientID,
		Summary:       summaryText,
		CarriedAlerts: carried,
		Events:        events,
		Findings:      findings,
		Profile:       core.LatestProfile(sess.GetEvents()),
	}

	m.opts.Logger.Debug("built context window",
		"session_id", sess.ID,
		"stage", stageName(stage),
		"events", len(w.Events),
		"findings", len(w.Findings),
		"carried_alerts", len(w.CarriedAlerts),
	)

	return w
}

// Render flattens the window into prompt text, newest entries first.
func (w *Window) Render() string {
	var b strings.Builder

	if w.Profile != nil {
		fmt.Fprintf(&b, "Patient: %s (age %d)\n", w.Profile.Name, w.Profile.Age)
		if len(w.Profile.Conditions) > 0 {
			fmt.Fprintf(&b, "Conditions: %s\n", strings.Join(w.Profile.Conditions, ", "))
		}
		if len(w.Profile.Allergies) > 0 {
			fmt.Fprintf(&b, "Allergies: %s\n", strings.Join(w.Profile.Allergies, ", "))
		}
	}

	if w.Summary != "" {
		b.WriteString("History summary:\n")
		b.WriteString(w.Summary)
		b.WriteString("\n")
	}

	if len(w.CarriedAlerts) > 0 {
		b.WriteString("Active alerts:\n")
		for _, f := range w.CarriedAlerts {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", f.Severity, f.DedupKey(), f.Message)
		}
	}

	if len(w.Events) > 0 {
		b.WriteString("Recent events (newest first):\n")
		for _, e := range w.Events {
			fmt.Fprintf(&b, "- %s %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Kind, eventLine(e))
		}
	}

	if len(w.Findings) > 0 {
		b.WriteString("Recent findings (newest first):\n")
		for _, f := range w.Findings {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", f.Severity, f.DedupKey(), f.Message)
		}
	}

	return b.String()
}

// Empty reports whether the window carries no usable context at all.
func (w *Window) Empty() bool {
	return w.Summary == "" && len(w.CarriedAlerts) == 0 && len(w.Events) == 0 && len(w.Findings) == 0
}

// ShouldCompact reports whether the session's uncompacted history exceeds
// the compaction threshold.
func (m *Manager) ShouldCompact(sess *core.Session) bool {
	eventCount, _ := sess.Counts()
	mark := 0
	if s := sess.GetSummary(); s != nil {
		mark = s.EventCount
	}
	return eventCount-mark > m.opts.CompactThreshold
}

// Compact folds old history into a fresh summary when the threshold is
// exceeded. It returns the new summary and true when a fold happened, or the
// existing summary and false when the session was already compact.
//
// The carried alerts of the new summary are recomputed from the full
// compacted prefix: every dedup key that ever produced a warning or critical
// finding keeps its most severe exemplar (ties broken by newest timestamp).
// Compacting twice at the same watermark yields the same alerts.
func (m *Manager) Compact(ctx context.Context, sessionID string) (*core.Summary, bool, error) {
	var (
		result    *core.Summary
		compacted bool
	)

	var lastErr error
	for attempt := 0; attempt < m.opts.CompactAttempts; attempt++ {
		sess, err := m.store.Get(ctx, sessionID)
		if err != nil {
			return nil, false, fmt.Errorf("load session %q: %w", sessionID, err)
		}

		if !m.ShouldCompact(sess) {
			return sess.GetSummary(), false, nil
		}

		summary := m.buildSummary(ctx, sess)

		_, err = m.store.ReplaceSummary(ctx, sessionID, sess.Version, summary)
		if err == nil {
			result = summary
			compacted = true
			break
		}
		if !core.IsVersionConflict(err) {
			return nil, false, fmt.Errorf("persist summary for %q: %w", sessionID, err)
		}
		lastErr = err
	}
	if !compacted {
		return nil, false, fmt.Errorf("compact session %q: %w", sessionID, lastErr)
	}

	m.opts.Logger.Info("compacted session history",
		"session_id", sessionID,
		"event_watermark", result.EventCount,
		"finding_watermark", result.FindingCount,
		"carried_alerts", len(result.CarriedAlerts),
	)

	return result, true, nil
}

// buildSummary computes the replacement summary for the session's current
// history. Pure apart from the optional generator call.
func (m *Manager) buildSummary(ctx context.Context, sess *core.Session) *core.Summary {
	events := sess.GetEvents()
	findings := sess.GetFindings()

	eventMark := len(events) - m.opts.RetentionWindow
	if eventMark < 0 {
		eventMark = 0
	}
	findingMark := len(findings) - m.opts.RetentionWindow
	if findingMark < 0 {
		findingMark = 0
	}

	// Watermarks never move backwards, even if retention grew between runs.
	if prev := sess.GetSummary(); prev != nil {
		if prev.EventCount > eventMark {
			eventMark = prev.EventCount
		}
		if prev.FindingCount > findingMark {
			findingMark = prev.FindingCount
		}
	}

	compactedEvents := events[:eventMark]
	compactedFindings := findings[:findingMark]

	text := m.narrative(ctx, sess.PatientID, compactedEvents, compactedFindings)

	return &core.Summary{
		Text:          text,
		EventCount:    eventMark,
		FindingCount:  findingMark,
		CarriedAlerts: CarriedAlerts(compactedFindings),
		UpdatedAt:     time.Now().UTC(),
	}
}

// CarriedAlerts selects the findings a summary must carry forward: for every
// dedup key whose history reached warning severity, the single most severe
// finding, preferring the newest on equal severity. The result is in
// deterministic display order.
func CarriedAlerts(findings []core.Finding) []core.Finding {
	best := make(map[string]core.Finding)
	for _, f := range findings {
		key := f.DedupKey()
		cur, ok := best[key]
		if !ok || f.Severity > cur.Severity ||
			(f.Severity == cur.Severity && f.Timestamp.After(cur.Timestamp)) {
			best[key] = f
		}
	}

	alerts := make([]core.Finding, 0, len(best))
	for _, f := range best {
		if f.Severity.AtLeast(core.SeverityWarning) {
			alerts = append(alerts, f.Clone())
		}
	}

	return core.SortFindings(alerts)
}

// narrative renders the summary text: a deterministic template, optionally
// replaced by generator prose when a generator is configured and succeeds.
func (m *Manager) narrative(ctx context.Context, patientID string, events []core.Event, findings []core.Finding) string {
	fallback := templateNarrative(events, findings)

	if m.opts.Generator == nil {
		return fallback
	}

	prompt := narrativePrompt(patientID, events, findings)
	start := time.Now()
	text, err := m.opts.Generator.Generate(ctx, prompt, m.opts.ContextBudget*64)
	if err != nil {
		m.opts.Logger.Warn("summary generation failed, using templated narrative",
			"patient_id", patientID,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return fallback
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}

	return text
}

func templateNarrative(events []core.Event, findings []core.Finding) string {
	kindCounts := make(map[core.EventKind]int)
	for _, e := range events {
		kindCounts[e.Kind]++
	}

	kinds := make([]string, 0, len(kindCounts))
	for kind := range kindCounts {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)

	parts := make([]string, 0, len(kinds))
	for _, kind := range kinds {
		parts = append(parts, fmt.Sprintf("%d %s", kindCounts[core.EventKind(kind)], kind))
	}

	severityCounts := make(map[core.Severity]int)
	for _, f := range findings {
		severityCounts[f.Severity]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Compacted history of %d events", len(events))
	if len(parts) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	fmt.Fprintf(&b, " and %d findings", len(findings))
	if n := severityCounts[core.SeverityCritical]; n > 0 {
		fmt.Fprintf(&b, ", %d critical", n)
	}
	if n := severityCounts[core.SeverityWarning]; n > 0 {
		fmt.Fprintf(&b, ", %d warning", n)
	}
	b.WriteString(".")

	return b.String()
}

func narrativePrompt(patientID string, events []core.Event, findings []core.Finding) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the health history of patient %s in at most four sentences. ", patientID)
	b.WriteString("Keep concrete measurements and medication names. Do not invent information.\n\n")

	for _, e := range events {
		fmt.Fprintf(&b, "event %s %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Kind, eventLine(e))
	}
	for _, f := range findings {
		fmt.Fprintf(&b, "finding [%s] %s: %s\n", f.Severity, f.DedupKey(), f.Message)
	}

	return b.String()
}

func eventLine(e core.Event) string {
	if e.Text != "" {
		return e.Text
	}
	if len(e.Data) == 0 {
		return "(no detail)"
	}

	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Data[k]))
	}

	return strings.Join(parts, " ")
}

func newestFirstEvents(events []core.Event, budget int) []core.Event {
	out := make([]core.Event, 0, len(events))
	for i := len(events) - 1; i >= 0; i-- {
		out = append(out, events[i])
		if len(out) >= budget {
			break
		}
	}
	return out
}

// newestFirstFindings reverses and bounds the finding tail. Findings at or
// above warning severity are pinned: they survive even when the budget is
// exhausted, unless a newer finding with the same dedup key resolved them
// below warning.
func newestFirstFindings(findings []core.Finding, budget int) []core.Finding {
	resolved := make(map[string]bool, len(findings))
	for i := len(findings) - 1; i >= 0; i-- {
		key := findings[i].DedupKey()
		if _, seen := resolved[key]; !seen {
			resolved[key] = !findings[i].Severity.AtLeast(core.SeverityWarning)
		}
	}

	out := make([]core.Finding, 0, len(findings))
	for i := len(findings) - 1; i >= 0; i-- {
		f := findings[i]
		pinned := f.Severity.AtLeast(core.SeverityWarning) && !resolved[f.DedupKey()]
		if len(out) >= budget && !pinned {
			continue
		}
		out = append(out, f)
	}

	return out
}

func stageName(stage core.Stage) string {
	if stage == nil {
		return "all"
	}
	return stage.Name()
}
