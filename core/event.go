package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind categorizes the source observation carried by an Event. Stages
// subscribe to the kinds they know how to analyze.
type EventKind string

const (
	// EventSymptom is a free-text symptom report from the patient or a caregiver.
	EventSymptom EventKind = "symptom"
	// EventVitals is a structured vital-signs reading, typically from a device.
	EventVitals EventKind = "vitals"
	// EventMedication is a medication schedule registration or dose log.
	EventMedication EventKind = "medication"
	// EventQuestion is a free-text health question for the advisor.
	EventQuestion EventKind = "question"
	// EventProfile carries patient profile data (conditions, allergies, contacts).
	EventProfile EventKind = "profile"
)

// Event is the primary unit of input into HealthMesh. After emission it
// should be treated as immutable. It captures:
//   - Correlation (ID, PatientID, optional SessionID)
//   - The observation itself (Kind, free-form Text, structured Data)
//   - Provenance (Source: device, patient, caregiver or system)
//   - High precision UTC timestamp and store-assigned sequence number
//
// Data may be nil for purely textual events. Timestamp uses a native
// time.Time (UTC). Seq is zero until the session store appends the event.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id,omitempty"`
	PatientID string         `json:"patient_id"`
	Kind      EventKind      `json:"kind"`
	Source    string         `json:"source,omitempty"`
	Text      string         `json:"text,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       int64          `json:"seq,omitempty"`
}

// NewEvent creates a bare event of the given kind for a patient. Prefer the
// helper constructors for common semantic categories (symptom, vitals,
// medication, question).
func NewEvent(patientID string, kind EventKind) Event {
	return Event{
		ID:        NewID(),
		PatientID: patientID,
		Kind:      kind,
		Source:    "system",
		Timestamp: time.Now().UTC(),
	}
}

// NewSymptomEvent creates a patient-authored free-text symptom report.
func NewSymptomEvent(patientID, description string) Event {
	e := NewEvent(patientID, EventSymptom)
	e.Source = "patient"
	e.Text = description
	return e
}

// NewQuestionEvent creates a patient-authored health question for the advisor.
func NewQuestionEvent(patientID, question string) Event {
	e := NewEvent(patientID, EventQuestion)
	e.Source = "patient"
	e.Text = question
	return e
}

// NewVitalsEvent creates a device-sourced vital-signs reading. Keys follow
// the canonical metric names (systolic_bp, diastolic_bp, heart_rate,
// temperature, oxygen_saturation, blood_glucose, weight).
func NewVitalsEvent(patientID string, readings map[string]float64) Event {
	e := NewEvent(patientID, EventVitals)
	e.Source = "device"
	e.Data = make(map[string]any, len(readings))
	for k, v := range readings {
		e.Data[k] = v
	}
	return e
}

// NewMedicationTakenEvent logs a dose of a named medication as taken.
func NewMedicationTakenEvent(patientID, name string, takenAt time.Time) Event {
	e := NewEvent(patientID, EventMedication)
	e.Source = "patient"
	e.Data = map[string]any{
		"action":   "taken",
		"name":     name,
		"taken_at": takenAt.UTC().Format(time.RFC3339),
	}
	return e
}

// NewMedicationScheduleEvent registers or updates a medication schedule.
func NewMedicationScheduleEvent(patientID string, schedule MedicationSchedule) Event {
	e := NewEvent(patientID, EventMedication)
	e.Source = "caregiver"
	data := map[string]any{
		"action": "schedule",
		"name":   schedule.Name,
		"dosage": schedule.Dosage,
	}
	if len(schedule.Times) > 0 {
		times := make([]any, len(schedule.Times))
		for i, t := range schedule.Times {
			times[i] = t
		}
		data["times"] = times
	}
	if schedule.Instructions != "" {
		data["instructions"] = schedule.Instructions
	}
	if schedule.RefillDate != "" {
		data["refill_date"] = schedule.RefillDate
	}
	e.Data = data
	return e
}

// NewProfileEvent records patient profile data supplied at enrollment or
// during intake.
func NewProfileEvent(patientID string, profile PatientProfile) Event {
	e := NewEvent(patientID, EventProfile)
	e.Source = "patient"
	data := map[string]any{}
	raw, err := json.Marshal(profile)
	if err == nil {
		_ = json.Unmarshal(raw, &data)
	}
	delete(data, "patient_id")
	e.Data = data
	return e
}

// NewID generates a new unique identifier for events, findings and outcomes.
//
// This function creates a UUID-based unique identifier that can be used for
// tracking and correlation throughout the pipeline.
//
// Returns a string representation of a new UUID.
func NewID() string { return uuid.NewString() }

// DecodeData unmarshals the structured payload into v via a JSON round trip.
// Stages use it to project loosely typed event data onto their own schema
// without sharing struct definitions across packages.
func (e Event) DecodeData(v any) error {
	if e.Data == nil {
		return fmt.Errorf("event %s has no data payload", e.ID)
	}
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode event data: %w", err)
	}
	return nil
}

// Float returns the named numeric field from Data. JSON decoding yields
// float64 for all numbers, so integer payload values are handled too.
func (e Event) Float(key string) (float64, bool) {
	if e.Data == nil {
		return 0, false
	}
	switch v := e.Data[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Str returns the named string field from Data, or "" when absent.
func (e Event) Str(key string) string {
	if e.Data == nil {
		return ""
	}
	if v, ok := e.Data[key].(string); ok {
		return v
	}
	return ""
}

// UnixSeconds returns the timestamp as fractional seconds since Unix epoch.
// Useful for metrics & numeric serialization paths.
func (e Event) UnixSeconds() float64 { return float64(e.Timestamp.UnixNano()) / 1e9 }

// FilterEvents returns the subset of events matching any of the given kinds,
// preserving their original order.
func FilterEvents(events []Event, kinds ...EventKind) []Event {
	if len(kinds) == 0 {
		return nil
	}
	want := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	var out []Event
	for _, e := range events {
		if want[e.Kind] {
			out = append(out, e)
		}
	}
	return out
}
