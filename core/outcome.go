package core

import (
	"fmt"
	"time"
)

// Decision names the routing action an escalation produces. Decisions are
// stable wire strings: downstream notifiers and dashboards match on them.
type Decision string

const (
	// DecisionNone records the outcome without notifying anyone.
	DecisionNone Decision = "none"
	// DecisionNotifyPatient sends guidance to the patient.
	DecisionNotifyPatient Decision = "notify-patient"
	// DecisionNotifyCaregiver alerts the registered caregiver.
	DecisionNotifyCaregiver Decision = "notify-caregiver"
	// DecisionEscalateClinicalTeam pages the clinical on-call rotation.
	DecisionEscalateClinicalTeam Decision = "escalate-clinical-team"
)

// Valid reports whether d is one of the defined decisions.
func (d Decision) Valid() bool {
	switch d {
	case DecisionNone, DecisionNotifyPatient, DecisionNotifyCaregiver, DecisionEscalateClinicalTeam:
		return true
	}
	return false
}

// ParseDecision converts a wire string back into a Decision.
func ParseDecision(s string) (Decision, error) {
	d := Decision(s)
	if !d.Valid() {
		return "", fmt.Errorf("unknown decision: %q", s)
	}
	return d, nil
}

// DecisionTable maps an aggregate severity to the decision it triggers. The
// table must be total over the defined severities; lookups for severities
// missing from the table fall back to notifying the caregiver rather than
// silently doing nothing.
type DecisionTable map[Severity]Decision

// DefaultDecisionTable returns the standard severity-to-decision routing.
func DefaultDecisionTable() DecisionTable {
	return DecisionTable{
		SeverityInfo:     DecisionNone,
		SeverityAdvisory: DecisionNotifyPatient,
		SeverityWarning:  DecisionNotifyCaregiver,
		SeverityCritical: DecisionEscalateClinicalTeam,
	}
}

// Decide resolves the decision for a severity, falling back to
// DecisionNotifyCaregiver when the table has no entry.
func (t DecisionTable) Decide(severity Severity) Decision {
	if d, ok := t[severity]; ok {
		return d
	}
	return DecisionNotifyCaregiver
}

// Validate checks that every defined severity has a valid decision.
func (t DecisionTable) Validate() error {
	for sev := SeverityInfo; sev <= SeverityCritical; sev++ {
		d, ok := t[sev]
		if !ok {
			return fmt.Errorf("decision table missing entry for severity %s", sev)
		}
		if !d.Valid() {
			return fmt.Errorf("decision table maps %s to unknown decision %q", sev, d)
		}
	}
	return nil
}

// Outcome is the terminal record of one pipeline run (or one monitoring
// sweep): the aggregate severity, the routing decision, the findings that
// drove it and a human-readable summary for the notification channel.
// FailedStages annotates runs in which a stage timed out or faulted, as
// "stage: kind" entries, so a degraded outcome is recognizable downstream.
type Outcome struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	PatientID    string    `json:"patient_id"`
	Severity     Severity  `json:"severity"`
	Decision     Decision  `json:"decision"`
	Summary      string    `json:"summary,omitempty"`
	Findings     []Finding `json:"findings,omitempty"`
	FailedStages []string  `json:"failed_stages,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewOutcome creates an outcome bound to a session and patient.
func NewOutcome(sessionID, patientID string, severity Severity, decision Decision) Outcome {
	return Outcome{
		ID:        NewID(),
		SessionID: sessionID,
		PatientID: patientID,
		Severity:  severity,
		Decision:  decision,
		CreatedAt: time.Now().UTC(),
	}
}

// Dominant returns the highest-ranked finding behind the outcome, or nil for
// an outcome produced from an empty finding set.
func (o Outcome) Dominant() *Finding {
	if len(o.Findings) == 0 {
		return nil
	}
	f := o.Findings[0]
	return &f
}

// Clone returns a deep copy of the outcome safe for independent mutation.
func (o Outcome) Clone() Outcome {
	c := o
	c.Findings = CloneFindings(o.Findings)
	if o.FailedStages != nil {
		c.FailedStages = append([]string(nil), o.FailedStages...)
	}
	return c
}
