package testutil

import (
	"github.com/hupe1980/healthmesh/core"
)

// SessionBuilder helps construct sessions with fluent chaining for tests.
// Example:
//
//	sess := NewSessionBuilder("patient-1").Events(ev1, ev2).Finding(f).Build()
type SessionBuilder struct {
	id        string
	patientID string
	delta     core.Delta
}

// NewSessionBuilder creates a new builder for the given patient. The session
// ID defaults to "session-<patientID>"; override with ID.
func NewSessionBuilder(patientID string) *SessionBuilder {
	return &SessionBuilder{id: "session-" + patientID, patientID: patientID}
}

// ID overrides the session identifier (chainable).
func (b *SessionBuilder) ID(id string) *SessionBuilder { b.id = id; return b }

// Event appends a single event to the session history (chainable).
func (b *SessionBuilder) Event(ev core.Event) *SessionBuilder {
	b.delta.Events = append(b.delta.Events, ev)
	return b
}

// Events appends multiple events to the session history (chainable).
func (b *SessionBuilder) Events(evs ...core.Event) *SessionBuilder {
	b.delta.Events = append(b.delta.Events, evs...)
	return b
}

// Finding appends a finding to the session (chainable).
func (b *SessionBuilder) Finding(f core.Finding) *SessionBuilder {
	b.delta.Findings = append(b.delta.Findings, f)
	return b
}

// Outcome appends a delivered outcome to the session (chainable).
func (b *SessionBuilder) Outcome(o core.Outcome) *SessionBuilder {
	b.delta.Outcomes = append(b.delta.Outcomes, o)
	return b
}

// Summary sets the compaction summary covering the given event count (chainable).
func (b *SessionBuilder) Summary(text string, eventCount int) *SessionBuilder {
	b.delta.Summary = &core.Summary{Text: text, EventCount: eventCount}
	return b
}

// Metadata sets one metadata key (chainable).
func (b *SessionBuilder) Metadata(key, val string) *SessionBuilder {
	if b.delta.Metadata == nil {
		b.delta.Metadata = map[string]string{}
	}
	b.delta.Metadata[key] = val
	return b
}

// Build returns a *core.Session with the accumulated history applied as one
// delta, so events carry store-assigned sequence numbers.
func (b *SessionBuilder) Build() *core.Session {
	s := core.NewSession(b.id, b.patientID)
	if !b.delta.Empty() {
		s.Apply(b.delta)
	}
	return s
}
