package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/healthmesh/core"
)

// Interaction describes a known risk when two medications are active at the
// same time. Names match case-insensitively by substring, so "Warfarin 5mg"
// matches "warfarin".
type Interaction struct {
	A        string
	B        string
	Severity core.Severity
	Risk     string
}

// DefaultInteractions is the static drug-interaction table consulted on
// every run. Deliberately small: it covers the combinations the care team
// flagged, not a pharmacology database.
func DefaultInteractions() []Interaction {
	return []Interaction{
		{A: "warfarin", B: "aspirin", Severity: core.SeverityCritical, Risk: "increased bleeding risk"},
		{A: "warfarin", B: "ibuprofen", Severity: core.SeverityCritical, Risk: "increased bleeding risk"},
		{A: "lisinopril", B: "potassium", Severity: core.SeverityWarning, Risk: "hyperkalemia risk"},
		{A: "lisinopril", B: "ibuprofen", Severity: core.SeverityWarning, Risk: "reduced kidney function"},
		{A: "metformin", B: "prednisone", Severity: core.SeverityWarning, Risk: "elevated blood glucose"},
		{A: "simvastatin", B: "clarithromycin", Severity: core.SeverityCritical, Risk: "rhabdomyolysis risk"},
		{A: "sertraline", B: "tramadol", Severity: core.SeverityWarning, Risk: "serotonin syndrome risk"},
	}
}

// MedicationOptions configures the medication stage.
type MedicationOptions struct {
	// Deadline is the stage's static per-run bound.
	Deadline time.Duration
	// RefillHorizon is how far ahead a refill date counts as due.
	RefillHorizon time.Duration
	// GraceWindow is how long past a scheduled dose time the dose may still
	// be logged before it counts as missed.
	GraceWindow time.Duration
	// ReminderWindow is how far ahead of a scheduled dose time a dose-due
	// reminder fires.
	ReminderWindow time.Duration
	// Interactions overrides the static interaction table.
	Interactions []Interaction
	// Now injects the clock; tests pin it.
	Now func() time.Time
}

// MedicationStage tracks schedules, dose adherence, refills and drug
// interactions. Besides the event-triggered pipeline runs it is driven by a
// recurring timer (pipeline.Loop), which is how dose reminders fire without
// any patient input.
type MedicationStage struct {
	deadline       time.Duration
	refillHorizon  time.Duration
	graceWindow    time.Duration
	reminderWindow time.Duration
	interactions   []Interaction
	now            func() time.Time
}

// NewMedicationStage constructs the medication stage.
func NewMedicationStage(optFns ...func(o *MedicationOptions)) *MedicationStage {
	opts := MedicationOptions{
		Deadline:       10 * time.Second,
		RefillHorizon:  7 * 24 * time.Hour,
		GraceWindow:    90 * time.Minute,
		ReminderWindow: 60 * time.Minute,
		Interactions:   DefaultInteractions(),
		Now:            time.Now,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &MedicationStage{
		deadline:       opts.Deadline,
		refillHorizon:  opts.RefillHorizon,
		graceWindow:    opts.GraceWindow,
		reminderWindow: opts.ReminderWindow,
		interactions:   opts.Interactions,
		now:            opts.Now,
	}
}

// Name implements core.Stage.
func (s *MedicationStage) Name() string { return core.StageMedication }

// Interest implements core.Stage.
func (s *MedicationStage) Interest() []core.EventKind {
	return []core.EventKind{core.EventMedication, core.EventProfile}
}

// StaticDeadline implements core.Stage.
func (s *MedicationStage) StaticDeadline() time.Duration { return s.deadline }

// Run implements core.Stage.
func (s *MedicationStage) Run(ctx context.Context, sc core.StageContext) (*core.StageResult, error) {
	res := &core.StageResult{Stage: s.Name()}

	schedules := s.activeSchedules(sc)
	if len(schedules) == 0 {
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	taken := takenLog(sc.Events)
	now := s.now()

	res.Findings = append(res.Findings, s.checkInteractions(schedules)...)
	res.Findings = append(res.Findings, s.checkRefills(schedules, now)...)

	missedTotal, dueTotal := 0, 0
	for _, med := range schedules {
		missed, due, next := s.checkDoses(med, taken[normalizeMed(med.Name)], now)
		missedTotal += missed
		dueTotal += due
		if missed > 0 {
			f := core.NewFinding(s.Name(), "missed-dose/"+normalizeMed(med.Name), core.SeverityWarning,
				fmt.Sprintf("%s: %d of %d dose(s) not logged today", med.Name, missed, due))
			f.Data = map[string]any{
				"medication": med.Name,
				"missed":     missed,
				"due":        due,
			}
			res.Findings = append(res.Findings, f)
		}
		if !next.IsZero() {
			f := core.NewFinding(s.Name(), "dose-due/"+normalizeMed(med.Name), core.SeverityAdvisory,
				fmt.Sprintf("%s %s due at %s", med.Name, med.Dosage, next.Format("15:04")))
			f.Data = map[string]any{
				"medication": med.Name,
				"due_at":     next.Format("15:04"),
			}
			if med.Instructions != "" {
				f.Data["instructions"] = med.Instructions
			}
			res.Findings = append(res.Findings, f)
		}
	}

	res.Notes = fmt.Sprintf("tracking %d medication(s); %d of %d dose(s) logged today",
		len(schedules), dueTotal-missedTotal, dueTotal)

	return res, nil
}

// activeSchedules merges the profile's prescription list with schedule
// events from the window; the newest entry per medication name wins.
func (s *MedicationStage) activeSchedules(sc core.StageContext) []core.MedicationSchedule {
	byName := make(map[string]core.MedicationSchedule)
	order := []string{}

	add := func(med core.MedicationSchedule) {
		key := normalizeMed(med.Name)
		if key == "" {
			return
		}
		if _, seen := byName[key]; !seen {
			order = append(order, key)
		}
		byName[key] = med
	}

	if sc.Profile != nil {
		for _, med := range sc.Profile.Medications {
			add(med)
		}
	}

	for _, e := range chronological(core.FilterEvents(sc.Events, core.EventMedication)) {
		if e.Str("action") != "schedule" {
			continue
		}
		var med core.MedicationSchedule
		if err := e.DecodeData(&med); err != nil {
			continue
		}
		add(med)
	}

	out := make([]core.MedicationSchedule, 0, len(byName))
	for _, key := range order {
		out = append(out, byName[key])
	}
	return out
}

// takenLog indexes dose timestamps by normalized medication name.
func takenLog(events []core.Event) map[string][]time.Time {
	out := make(map[string][]time.Time)
	for _, e := range core.FilterEvents(events, core.EventMedication) {
		if e.Str("action") != "taken" {
			continue
		}
		name := normalizeMed(e.Str("name"))
		if name == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339, e.Str("taken_at"))
		if err != nil {
			at = e.Timestamp
		}
		out[name] = append(out[name], at)
	}
	return out
}

// checkDoses compares today's schedule against today's dose log. It returns
// how many doses are past their grace window without a log, how many were
// due at all, and the next upcoming dose time within the reminder window
// (zero when none).
func (s *MedicationStage) checkDoses(med core.MedicationSchedule, taken []time.Time, now time.Time) (missed, due int, next time.Time) {
	takenToday := 0
	for _, at := range taken {
		if sameDay(at, now) {
			takenToday++
		}
	}

	times := append([]string(nil), med.Times...)
	sort.Strings(times)

	for _, ts := range times {
		at, err := parseDoseTime(ts, now)
		if err != nil {
			continue
		}
		switch {
		case now.After(at.Add(s.graceWindow)):
			due++
		case at.After(now) && at.Sub(now) <= s.reminderWindow && next.IsZero():
			next = at
		}
	}

	missed = due - takenToday
	if missed < 0 {
		missed = 0
	}
	return missed, due, next
}

func (s *MedicationStage) checkRefills(schedules []core.MedicationSchedule, now time.Time) []core.Finding {
	var out []core.Finding
	for _, med := range schedules {
		isDue, days := med.RefillDue(now, s.refillHorizon)
		if !isDue {
			continue
		}

		severity := core.SeverityAdvisory
		msg := fmt.Sprintf("%s: refill due in %d day(s)", med.Name, days)
		if days <= 2 {
			severity = core.SeverityWarning
		}
		if days < 0 {
			severity = core.SeverityWarning
			msg = fmt.Sprintf("%s: refill overdue by %d day(s)", med.Name, -days)
		}

		f := core.NewFinding(s.Name(), "refill/"+normalizeMed(med.Name), severity, msg)
		f.Data = map[string]any{
			"medication":  med.Name,
			"refill_date": med.RefillDate,
			"days_left":   days,
		}
		out = append(out, f)
	}
	return out
}

func (s *MedicationStage) checkInteractions(schedules []core.MedicationSchedule) []core.Finding {
	var out []core.Finding
	for _, inter := range s.interactions {
		a, b := "", ""
		for _, med := range schedules {
			name := normalizeMed(med.Name)
			if strings.Contains(name, inter.A) {
				a = med.Name
			}
			if strings.Contains(name, inter.B) {
				b = med.Name
			}
		}
		if a == "" || b == "" {
			continue
		}

		f := core.NewFinding(s.Name(), "interaction/"+inter.A+"+"+inter.B, inter.Severity,
			fmt.Sprintf("%s with %s: %s", a, b, inter.Risk))
		f.Data = map[string]any{
			"medications": []any{a, b},
			"risk":        inter.Risk,
		}
		out = append(out, f)
	}
	return out
}

// parseDoseTime anchors a "15:04" wall-clock time to now's date and location.
func parseDoseTime(ts string, now time.Time) (time.Time, error) {
	parsed, err := time.Parse("15:04", ts)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(),
		parsed.Hour(), parsed.Minute(), 0, 0, now.Location()), nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func normalizeMed(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
