package core

import (
	"context"
	"time"
)

// Canonical stage names. The escalation tie-break and the pipeline topology
// reference stages by these names.
const (
	StageIntake     = "intake"
	StageMedication = "medication"
	StageVitals     = "vitals"
	StageAdvisor    = "advisor"
)

// StagePriority returns the escalation tie-break rank of a stage; higher
// outranks lower when two findings share a severity. Unrecognized stage
// names rank below all known stages.
func StagePriority(stage string) int {
	switch stage {
	case StageVitals:
		return 4
	case StageMedication:
		return 3
	case StageAdvisor:
		return 2
	case StageIntake:
		return 1
	default:
		return 0
	}
}

// StageContext carries everything a stage needs for one run: the new events
// to analyze, the findings already visible (intake's output for the parallel
// stages), the rendered context window and the patient profile when known.
// Stages must treat all fields as read-only.
type StageContext struct {
	SessionID string
	PatientID string
	Events    []Event
	Findings  []Finding
	Context   string
	Profile   *PatientProfile
}

// StageResult is the output of one stage run. Findings feed escalation;
// Notes carries optional narrative output (advisor guidance, triage text)
// that ends up in the outcome summary. Elapsed is stamped by the runner.
type StageResult struct {
	Stage    string        `json:"stage"`
	Findings []Finding     `json:"findings,omitempty"`
	Notes    string        `json:"notes,omitempty"`
	Elapsed  time.Duration `json:"elapsed,omitempty"`
}

// Stage is a unit of specialized analysis work. Implementations must be
// safe for concurrent Run calls, honor ctx cancellation, and never mutate
// the StageContext they receive.
//
// Run returns the stage's findings or an error; the runner converts panics,
// deadline overruns and errors into StageFailure values so one stage can
// never take down a pipeline run.
type Stage interface {
	// Name returns the canonical stage name.
	Name() string
	// Interest declares the event kinds this stage analyzes. The context
	// manager filters each stage's window down to these kinds; nil means
	// the stage sees every event.
	Interest() []EventKind
	// StaticDeadline returns the stage's own upper bound on a single run.
	// The pipeline may impose a shorter deadline, never a longer one.
	StaticDeadline() time.Duration
	// Run analyzes the stage context and returns findings.
	Run(ctx context.Context, sc StageContext) (*StageResult, error)
}
