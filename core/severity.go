package core

import (
	"encoding/json"
	"fmt"
)

// Severity ranks findings from routine information to life-threatening
// conditions. The ordering of the constants is significant: a higher value
// always outranks a lower one, and escalation decisions key off this order.
// The zero value is SeverityInfo.
type Severity int

const (
	// SeverityInfo marks routine observations with no action required.
	SeverityInfo Severity = iota
	// SeverityAdvisory marks findings the patient should know about.
	SeverityAdvisory
	// SeverityWarning marks findings a caregiver should review promptly.
	SeverityWarning
	// SeverityCritical marks findings requiring clinical intervention.
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityInfo:     "info",
	SeverityAdvisory: "advisory",
	SeverityWarning:  "warning",
	SeverityCritical: "critical",
}

var severityValues = map[string]Severity{
	"info":     SeverityInfo,
	"advisory": SeverityAdvisory,
	"warning":  SeverityWarning,
	"critical": SeverityCritical,
}

// String returns the canonical lowercase name of the severity.
func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// AtLeast reports whether s ranks equal to or above other.
func (s Severity) AtLeast(other Severity) bool { return s >= other }

// Valid reports whether s is one of the defined severity constants.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// ParseSeverity converts a canonical name back into a Severity.
func ParseSeverity(name string) (Severity, error) {
	if s, ok := severityValues[name]; ok {
		return s, nil
	}
	return SeverityInfo, fmt.Errorf("unknown severity: %q", name)
}

// MarshalJSON encodes the severity as its canonical name so serialized
// sessions stay readable and stable across releases.
func (s Severity) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid severity %d", int(s))
	}
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a canonical severity name.
func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("severity must be a string: %w", err)
	}
	parsed, err := ParseSeverity(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
