package testutil

import (
	"time"

	"github.com/hupe1980/healthmesh/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder("patient-1").Symptom("chest tightness").At(ts).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	patientID string
	kind      core.EventKind
	source    string
	text      string
	data      map[string]any
	id        string
	at        *time.Time
}

// NewEventBuilder creates a builder with default kind "symptom".
func NewEventBuilder(patientID string) *EventBuilder {
	return &EventBuilder{patientID: patientID, kind: core.EventSymptom}
}

// Kind sets the event kind (chainable).
func (b *EventBuilder) Kind(k core.EventKind) *EventBuilder { b.kind = k; return b }

// Source sets the event provenance (chainable).
func (b *EventBuilder) Source(s string) *EventBuilder { b.source = s; return b }

// Text sets the free-text payload (chainable).
func (b *EventBuilder) Text(t string) *EventBuilder { b.text = t; return b }

// ID overrides the auto-generated event ID (chainable). Use mainly in tests
// where determinism matters.
func (b *EventBuilder) ID(id string) *EventBuilder { b.id = id; return b }

// At pins the event timestamp (chainable).
func (b *EventBuilder) At(ts time.Time) *EventBuilder { b.at = &ts; return b }

// Data sets or overwrites one structured payload field (chainable).
func (b *EventBuilder) Data(key string, val any) *EventBuilder {
	if b.data == nil {
		b.data = map[string]any{}
	}
	b.data[key] = val
	return b
}

// Symptom sets kind, patient source and report text in one call (chainable).
func (b *EventBuilder) Symptom(text string) *EventBuilder {
	b.kind = core.EventSymptom
	b.source = "patient"
	b.text = text
	return b
}

// Question sets kind, patient source and question text in one call (chainable).
func (b *EventBuilder) Question(text string) *EventBuilder {
	b.kind = core.EventQuestion
	b.source = "patient"
	b.text = text
	return b
}

// Vitals sets the kind to a device reading and stores the metrics (chainable).
func (b *EventBuilder) Vitals(readings map[string]float64) *EventBuilder {
	b.kind = core.EventVitals
	b.source = "device"
	for k, v := range readings {
		b.Data(k, v)
	}
	return b
}

// Build constructs the core.Event value.
func (b *EventBuilder) Build() core.Event {
	ev := core.NewEvent(b.patientID, b.kind)
	if b.id != "" {
		ev.ID = b.id
	}
	if b.source != "" {
		ev.Source = b.source
	}
	ev.Text = b.text
	if len(b.data) > 0 {
		ev.Data = make(map[string]any, len(b.data))
		for k, v := range b.data {
			ev.Data[k] = v
		}
	}
	if b.at != nil {
		ev.Timestamp = b.at.UTC()
	}
	return ev
}
