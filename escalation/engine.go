package escalation

import (
	"context"
	"fmt"
	"strings"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/logging"
	"github.com/hupe1980/healthmesh/model"
)

// DefaultGenerationBudget caps the prompt for outcome summaries, in tokens.
const DefaultGenerationBudget = 1024

// EngineOptions holds configuration overrides passed to NewEngine().
type EngineOptions struct {
	// Table overrides the severity-to-decision routing.
	Table core.DecisionTable
	// Generator writes the narrative outcome summary; nil or failing
	// generators degrade to a templated summary.
	Generator model.Generator
	// GenerationBudget caps the summary prompt, in tokens.
	GenerationBudget int
	// Logger receives structured escalation logs.
	Logger logging.Logger
}

// Engine scores finding sets into outcomes. It holds no per-call state and
// is safe for concurrent use.
type Engine struct {
	table     core.DecisionTable
	generator model.Generator
	budget    int
	logger    logging.Logger
}

// NewEngine constructs an escalation engine with optional overrides.
func NewEngine(optFns ...func(o *EngineOptions)) *Engine {
	opts := EngineOptions{
		Table:            core.DefaultDecisionTable(),
		GenerationBudget: DefaultGenerationBudget,
		Logger:           logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Table == nil {
		opts.Table = core.DefaultDecisionTable()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Engine{
		table:     opts.Table,
		generator: opts.Generator,
		budget:    opts.GenerationBudget,
		logger:    opts.Logger,
	}
}

// Score reduces a finding set to one outcome. It is deterministic and
// order-independent: severity is the maximum over the set, the outcome
// carries the max-severity findings ranked by stage priority then earliest
// timestamp, and the decision table maps severity to the routing action.
//
// An empty set scores as severity info with the decision forced to
// notify-caregiver: a pipeline run in which no stage reported anything is
// treated as a warning condition, never resolved as healthy.
func (e *Engine) Score(sessionID, patientID string, findings []core.Finding) core.Outcome {
	if len(findings) == 0 {
		out := core.NewOutcome(sessionID, patientID, core.SeverityInfo, core.DecisionNotifyCaregiver)
		out.Summary = emptySummary
		e.logger.Warn("scored empty finding set",
			"session_id", sessionID,
			"decision", string(out.Decision),
		)
		return out
	}

	severity := core.MaxSeverity(findings)
	justifying := core.SortFindings(core.FilterMinSeverity(findings, severity))

	out := core.NewOutcome(sessionID, patientID, severity, e.table.Decide(severity))
	out.Findings = justifying

	e.logger.Info("escalation decided",
		"session_id", sessionID,
		"severity", severity.String(),
		"decision", string(out.Decision),
		"justifying_count", len(justifying),
		"total_count", len(findings),
	)
	return out
}

// Summarize fills the outcome's narrative summary. The generator's text is
// used when it produces one; otherwise the summary degrades to a
// deterministic template. Summarize never fails the outcome.
func (e *Engine) Summarize(ctx context.Context, out *core.Outcome) {
	if out.Summary != "" {
		return
	}
	if e.generator != nil {
		text, err := e.generator.Generate(ctx, e.summaryPrompt(*out), e.budget)
		if err == nil && strings.TrimSpace(text) != "" {
			out.Summary = strings.TrimSpace(text)
			return
		}
		if err != nil {
			e.logger.Warn("outcome summary generation failed",
				"session_id", out.SessionID,
				"error", err,
			)
		}
	}
	out.Summary = templateSummary(*out)
}

// Evaluate is Score followed by Summarize.
func (e *Engine) Evaluate(ctx context.Context, sessionID, patientID string, findings []core.Finding) core.Outcome {
	out := e.Score(sessionID, patientID, findings)
	e.Summarize(ctx, &out)
	return out
}

// FailSafe builds the outcome emitted when the pipeline cannot run at all,
// typically because the session store is unreachable. It notifies the
// caregiver and carries a patient-safe summary with no internal error
// detail.
func (e *Engine) FailSafe(sessionID, patientID string) core.Outcome {
	out := core.NewOutcome(sessionID, patientID, core.SeverityInfo, core.DecisionNotifyCaregiver)
	out.Summary = failSafeSummary
	e.logger.Error("emitting fail-safe outcome",
		"session_id", sessionID,
		"patient_id", patientID,
	)
	return out
}

const (
	emptySummary = "The monitoring pass produced no findings. A caregiver has been " +
		"asked to review the session."

	failSafeSummary = "We were unable to process this health update right now. " +
		"Your care team has been notified and will follow up."
)

func (e *Engine) summaryPrompt(out core.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a short notification (at most three sentences) for a %s severity health outcome.\n", out.Severity)
	b.WriteString("Findings:\n")
	for _, f := range out.Findings {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", f.Severity, f.DedupKey(), f.Message)
	}
	fmt.Fprintf(&b, "Action taken: %s.\n", out.Decision)
	b.WriteString("Be factual and calm. Do not invent values or advice beyond the findings.")
	return b.String()
}

// templateSummary renders a deterministic summary from the outcome alone.
func templateSummary(out core.Outcome) string {
	if len(out.Findings) == 0 {
		return emptySummary
	}
	dom := out.Findings[0]
	return fmt.Sprintf("%d finding(s) at severity %s; leading concern from the %s stage: %s",
		len(out.Findings), out.Severity, dom.Stage, dom.Message)
}
