package stage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/healthmesh/core"
)

// Triage keyword tiers, checked most severe first. Matching is
// case-insensitive substring over the report text.
var (
	emergencyKeywords = []string{
		"chest pain",
		"can't breathe",
		"cannot breathe",
		"difficulty breathing",
		"shortness of breath",
		"severe bleeding",
		"unconscious",
		"unresponsive",
		"stroke",
		"slurred speech",
		"numbness on one side",
		"suicidal",
	}

	urgentKeywords = []string{
		"high fever",
		"severe pain",
		"persistent vomiting",
		"dehydration",
		"confusion",
		"fainted",
		"fainting",
		"getting worse",
		"worsening",
		"blood in",
	}

	elevatedKeywords = []string{
		"fever",
		"dizzy",
		"dizziness",
		"vomiting",
		"rash",
		"swelling",
		"palpitations",
		"headache",
	}
)

// conditionFlags maps a chronic condition to report keywords that warrant
// caregiver review when both are present. Keys match via
// PatientProfile.HasCondition.
var conditionFlags = map[string][]string{
	"diabetes":     {"blurred vision", "excessive thirst", "frequent urination", "tingling"},
	"hypertension": {"headache", "nosebleed", "vision"},
	"asthma":       {"wheezing", "cough", "tight chest"},
	"heart":        {"palpitations", "swollen ankles", "swelling"},
}

// IntakeOptions configures the intake stage.
type IntakeOptions struct {
	// Deadline is the stage's static per-run bound.
	Deadline time.Duration
}

// IntakeStage triages free-text reports and captures profile data. It runs
// sequentially ahead of the parallel stages; its findings steer their focus
// through the recommended-stages payload.
type IntakeStage struct {
	deadline time.Duration
}

// NewIntakeStage constructs the intake stage.
func NewIntakeStage(optFns ...func(o *IntakeOptions)) *IntakeStage {
	opts := IntakeOptions{
		Deadline: 5 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &IntakeStage{deadline: opts.Deadline}
}

// Name implements core.Stage.
func (s *IntakeStage) Name() string { return core.StageIntake }

// Interest implements core.Stage.
func (s *IntakeStage) Interest() []core.EventKind {
	return []core.EventKind{core.EventSymptom, core.EventQuestion, core.EventProfile}
}

// StaticDeadline implements core.Stage.
func (s *IntakeStage) StaticDeadline() time.Duration { return s.deadline }

// Run implements core.Stage.
func (s *IntakeStage) Run(ctx context.Context, sc core.StageContext) (*core.StageResult, error) {
	res := &core.StageResult{Stage: s.Name()}

	for _, e := range sc.Events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		switch e.Kind {
		case core.EventProfile:
			res.Findings = append(res.Findings, s.captureProfile(e))
		case core.EventSymptom, core.EventQuestion:
			res.Findings = append(res.Findings, s.triage(e, sc.Profile)...)
		}
	}

	res.Notes = triageNotes(res.Findings)

	return res, nil
}

func (s *IntakeStage) captureProfile(e core.Event) core.Finding {
	f := core.NewFinding(s.Name(), "profile", core.SeverityInfo, "patient profile recorded")
	f.EventID = e.ID

	p, err := core.ProfileFromEvent(e)
	if err != nil {
		f.Message = "patient profile received but not decodable"
		return f
	}

	f.Message = fmt.Sprintf("profile recorded: %d conditions, %d medications, %d allergies",
		len(p.Conditions), len(p.Medications), len(p.Allergies))
	f.Data = map[string]any{
		"conditions":  len(p.Conditions),
		"medications": len(p.Medications),
		"allergies":   len(p.Allergies),
	}
	if p.PrimaryConcern != "" {
		f.Data["primary_concern"] = p.PrimaryConcern
	}

	return f
}

func (s *IntakeStage) triage(e core.Event, profile *core.PatientProfile) []core.Finding {
	text := strings.ToLower(e.Text)
	var findings []core.Finding

	severity, category, matched := core.SeverityInfo, "triage", ""
	switch {
	case matchKeyword(text, emergencyKeywords, &matched):
		severity, category = core.SeverityCritical, "emergency"
	case matchKeyword(text, urgentKeywords, &matched):
		severity, category = core.SeverityWarning, "urgent"
	case matchKeyword(text, elevatedKeywords, &matched):
		severity = core.SeverityAdvisory
	}

	msg := fmt.Sprintf("report triaged as %s", severity)
	if matched != "" {
		msg = fmt.Sprintf("report triaged as %s: mentions %q", severity, matched)
	}

	f := core.NewFinding(s.Name(), category, severity, msg)
	f.EventID = e.ID
	f.Data = map[string]any{
		"recommended_stages": recommendStages(text),
	}
	if matched != "" {
		f.Data["matched"] = matched
	}
	findings = append(findings, f)

	// A symptom tied to a known chronic condition gets caregiver attention
	// even when the triage tier alone would not.
	if condition, keyword := conditionMatch(text, profile); condition != "" {
		cf := core.NewFinding(s.Name(), "condition-flag/"+condition, core.SeverityWarning,
			fmt.Sprintf("report mentions %q with %s on record", keyword, condition))
		cf.EventID = e.ID
		cf.Data = map[string]any{"condition": condition, "matched": keyword}
		findings = append(findings, cf)
	}

	return findings
}

func matchKeyword(text string, keywords []string, matched *string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			*matched = kw
			return true
		}
	}
	return false
}

func conditionMatch(text string, profile *core.PatientProfile) (condition, keyword string) {
	if profile == nil {
		return "", ""
	}
	conds := make([]string, 0, len(conditionFlags))
	for cond := range conditionFlags {
		conds = append(conds, cond)
	}
	sort.Strings(conds)

	for _, cond := range conds {
		if !profile.HasCondition(cond) {
			continue
		}
		for _, kw := range conditionFlags[cond] {
			if strings.Contains(text, kw) {
				return cond, kw
			}
		}
	}
	return "", ""
}

// recommendStages names the downstream stages most likely to have something
// to say about the report.
func recommendStages(text string) []string {
	var out []string
	if strings.Contains(text, "pressure") || strings.Contains(text, "heart") ||
		strings.Contains(text, "temperature") || strings.Contains(text, "pulse") {
		out = append(out, core.StageVitals)
	}
	if strings.Contains(text, "medication") || strings.Contains(text, "pill") ||
		strings.Contains(text, "dose") || strings.Contains(text, "prescription") {
		out = append(out, core.StageMedication)
	}
	if len(out) == 0 {
		out = append(out, core.StageAdvisor)
	}
	return out
}

func triageNotes(findings []core.Finding) string {
	if len(findings) == 0 {
		return ""
	}
	top := core.MaxSeverity(findings)
	return fmt.Sprintf("intake triaged %d item(s), highest severity %s", len(findings), top)
}
