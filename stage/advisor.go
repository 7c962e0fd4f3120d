package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/internal/util"
	"github.com/hupe1980/healthmesh/logging"
	"github.com/hupe1980/healthmesh/model"
)

const advisorSystemPreamble = `You are an experienced healthcare advisor specializing in chronic disease management. Provide evidence-based, personalized guidance. Always emphasize consulting the care team for medical decisions. Focus on lifestyle, medication adherence and symptom management.`

// AdvisorOptions configures the advisor stage.
type AdvisorOptions struct {
	// Deadline is the stage's static per-run bound. The advisor calls the
	// generator, so its bound is the longest of the four stages.
	Deadline time.Duration
	// Instruction overrides the system preamble. Go template markers are
	// rendered against patient state: {{.patient_id}}, {{.name}}, {{.age}},
	// {{.conditions}}, {{.allergies}}.
	Instruction string
	// Generator produces the guidance text. Required for non-degraded
	// output; nil means every run uses the templated fallback.
	Generator model.Generator
	// Recall grounds guidance in past history. Optional; absence or failure
	// degrades only this stage.
	Recall core.RecallStore
	// MaxSnippets caps how many recalled snippets enter the prompt.
	MaxSnippets int
	// GenerationBudget is the context budget handed to the generator.
	GenerationBudget int
	// Logger receives degradation warnings.
	Logger logging.Logger
}

// AdvisorStage produces guidance for free-text questions and symptom
// reports. Generation-backed with a deterministic templated fallback: a
// failed or missing generator degrades the answer, never the pipeline.
type AdvisorStage struct {
	deadline    time.Duration
	instruction string
	gen         model.Generator
	recall      core.RecallStore
	maxSnippets int
	budget      int
	logger      logging.Logger
}

// NewAdvisorStage constructs the advisor stage.
func NewAdvisorStage(optFns ...func(o *AdvisorOptions)) *AdvisorStage {
	opts := AdvisorOptions{
		Deadline:         15 * time.Second,
		Instruction:      advisorSystemPreamble,
		MaxSnippets:      3,
		GenerationBudget: 2048,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Instruction == "" {
		opts.Instruction = advisorSystemPreamble
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &AdvisorStage{
		deadline:    opts.Deadline,
		instruction: opts.Instruction,
		gen:         opts.Generator,
		recall:      opts.Recall,
		maxSnippets: opts.MaxSnippets,
		budget:      opts.GenerationBudget,
		logger:      opts.Logger,
	}
}

// Name implements core.Stage.
func (s *AdvisorStage) Name() string { return core.StageAdvisor }

// Interest implements core.Stage.
func (s *AdvisorStage) Interest() []core.EventKind {
	return []core.EventKind{core.EventQuestion, core.EventSymptom}
}

// StaticDeadline implements core.Stage.
func (s *AdvisorStage) StaticDeadline() time.Duration { return s.deadline }

// Run implements core.Stage.
func (s *AdvisorStage) Run(ctx context.Context, sc core.StageContext) (*core.StageResult, error) {
	res := &core.StageResult{Stage: s.Name()}

	subject, kind := latestSubject(sc.Events)
	if subject == nil {
		return res, nil
	}

	snippets := s.recallSnippets(ctx, sc.PatientID, subject.Text)

	guidance, degraded, failKind := s.generate(ctx, sc, subject, kind, snippets)

	f := core.NewFinding(s.Name(), "guidance", core.SeverityInfo, firstLine(guidance, 140))
	f.EventID = subject.ID
	f.Data = map[string]any{
		"grounded_snippets": len(snippets),
		"subject_kind":      string(kind),
	}
	if degraded {
		f.Data["degraded"] = true
		f.Data["failure_kind"] = failKind
	}

	res.Findings = append(res.Findings, f)
	res.Notes = guidance

	return res, nil
}

// latestSubject picks the event the advisor answers: the newest question,
// or failing that the newest symptom report.
func latestSubject(events []core.Event) (*core.Event, core.EventKind) {
	var newest *core.Event
	pick := func(kind core.EventKind) *core.Event {
		var found *core.Event
		for i := range events {
			e := &events[i]
			if e.Kind != kind {
				continue
			}
			if found == nil || e.Timestamp.After(found.Timestamp) ||
				(e.Timestamp.Equal(found.Timestamp) && e.Seq > found.Seq) {
				found = e
			}
		}
		return found
	}

	if newest = pick(core.EventQuestion); newest != nil {
		return newest, core.EventQuestion
	}
	if newest = pick(core.EventSymptom); newest != nil {
		return newest, core.EventSymptom
	}
	return nil, ""
}

func (s *AdvisorStage) recallSnippets(ctx context.Context, patientID, query string) []core.RecallResult {
	if s.recall == nil || strings.TrimSpace(query) == "" {
		return nil
	}
	results, err := s.recall.Search(ctx, patientID, query, s.maxSnippets)
	if err != nil {
		s.logger.Warn("recall search failed, answering ungrounded",
			"patient_id", patientID,
			"error", err,
		)
		return nil
	}
	return results
}

// generate returns the guidance text, whether it is the degraded fallback,
// and the failure kind when it is.
func (s *AdvisorStage) generate(ctx context.Context, sc core.StageContext, subject *core.Event, kind core.EventKind, snippets []core.RecallResult) (string, bool, string) {
	if s.gen == nil {
		return s.fallback(subject, kind, snippets), true, "unconfigured"
	}

	prompt := s.prompt(sc, subject, kind, snippets)

	start := time.Now()
	text, err := s.gen.Generate(ctx, prompt, s.budget)
	if err != nil {
		failKind := "unknown"
		if gf, ok := model.AsFailure(err); ok {
			failKind = string(gf.Kind)
		}
		s.logger.Warn("guidance generation failed, using templated fallback",
			"patient_id", sc.PatientID,
			"failure_kind", failKind,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return s.fallback(subject, kind, snippets), true, failKind
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return s.fallback(subject, kind, snippets), true, "empty"
	}
	return text, false, ""
}

func (s *AdvisorStage) prompt(sc core.StageContext, subject *core.Event, kind core.EventKind, snippets []core.RecallResult) string {
	var b strings.Builder
	b.WriteString(s.preamble(instructionState(sc)))
	b.WriteString("\n\n")

	if sc.Context != "" {
		b.WriteString(sc.Context)
		b.WriteString("\n")
	}

	if len(snippets) > 0 {
		b.WriteString("Relevant past history:\n")
		for _, sn := range snippets {
			fmt.Fprintf(&b, "- %s\n", sn.Text)
		}
		b.WriteString("\n")
	}

	if kind == core.EventQuestion {
		fmt.Fprintf(&b, "The patient asks: %q\n", subject.Text)
		b.WriteString("Answer the question. Include when to contact the care team.\n")
	} else {
		fmt.Fprintf(&b, "The patient reports: %q\n", subject.Text)
		b.WriteString("Provide possible explanations related to their conditions, self-care recommendations, and warning signs requiring immediate medical attention.\n")
	}

	return b.String()
}

// preamble renders the instruction template against patient state. A render
// failure degrades to the raw instruction text, never the stage.
func (s *AdvisorStage) preamble(state map[string]any) string {
	rendered, err := util.RenderTemplate(s.instruction, state)
	if err != nil {
		s.logger.Warn("instruction template render failed, using raw text", "error", err)
		return s.instruction
	}
	return rendered
}

func instructionState(sc core.StageContext) map[string]any {
	state := map[string]any{"patient_id": sc.PatientID}
	if sc.Profile != nil {
		state["name"] = sc.Profile.Name
		state["age"] = sc.Profile.Age
		state["conditions"] = sc.Profile.Conditions
		state["allergies"] = sc.Profile.Allergies
	}
	return state
}

// fallback is the deterministic guidance used whenever generation is
// unavailable. It acknowledges the report and routes the patient without
// inventing medical content.
func (s *AdvisorStage) fallback(subject *core.Event, kind core.EventKind, snippets []core.RecallResult) string {
	var b strings.Builder
	if kind == core.EventQuestion {
		fmt.Fprintf(&b, "Your question %q has been recorded. ", firstLine(subject.Text, 80))
	} else {
		fmt.Fprintf(&b, "Your report %q has been recorded. ", firstLine(subject.Text, 80))
	}
	if len(snippets) > 0 {
		fmt.Fprintf(&b, "It has been linked to %d related entries in your history. ", len(snippets))
	}
	b.WriteString("A detailed answer is not available right now. ")
	b.WriteString("Keep monitoring your symptoms and contact your care team if anything worsens or feels urgent.")
	return b.String()
}

func firstLine(text string, max int) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	if len(text) > max {
		text = text[:max]
	}
	return text
}

// Education produces a patient-education explainer on a topic. Used by the
// HTTP layer, not the pipeline.
func (s *AdvisorStage) Education(ctx context.Context, topic, level string) (string, error) {
	if strings.TrimSpace(topic) == "" {
		return "", fmt.Errorf("education topic is required")
	}
	if level == "" {
		level = "basic"
	}
	if s.gen == nil {
		return fmt.Sprintf("Educational material on %q is not available right now. Ask your care team for printed resources.", topic), nil
	}

	prompt := fmt.Sprintf("%s\n\nProvide patient education on: %s\nLevel: %s\nInclude a clear explanation in simple terms, why it matters, practical tips, and common misconceptions.",
		s.preamble(map[string]any{}), topic, level)

	text, err := s.gen.Generate(ctx, prompt, s.budget)
	if err != nil {
		return "", fmt.Errorf("generate education on %q: %w", topic, err)
	}
	return strings.TrimSpace(text), nil
}

// WellnessPlan produces a multi-week wellness plan for the given goals.
// Used by the HTTP layer, not the pipeline.
func (s *AdvisorStage) WellnessPlan(ctx context.Context, patientID string, goals []string) (string, error) {
	if len(goals) == 0 {
		return "", fmt.Errorf("at least one goal is required")
	}
	if s.gen == nil {
		return "A personalized wellness plan is not available right now. Your goals have been recorded for the care team.", nil
	}

	var b strings.Builder
	b.WriteString(s.preamble(map[string]any{"patient_id": patientID}))
	fmt.Fprintf(&b, "\n\nCreate a 30-day wellness plan for patient %s with goals:\n", patientID)
	for _, g := range goals {
		fmt.Fprintf(&b, "- %s\n", g)
	}
	b.WriteString("Include weekly objectives, daily habits, milestones and success metrics.")

	text, err := s.gen.Generate(ctx, b.String(), s.budget)
	if err != nil {
		return "", fmt.Errorf("generate wellness plan: %w", err)
	}
	return strings.TrimSpace(text), nil
}
