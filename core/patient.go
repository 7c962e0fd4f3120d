package core

import (
	"fmt"
	"strings"
	"time"
)

// MedicationSchedule describes one prescribed medication: what to take,
// when, and when the supply runs out. Times use 24h "HH:MM" local wall
// clock; RefillDate uses "2006-01-02".
type MedicationSchedule struct {
	Name         string   `json:"name"`
	Dosage       string   `json:"dosage,omitempty"`
	Times        []string `json:"times,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	RefillDate   string   `json:"refill_date,omitempty"`
}

// Validate checks the schedule fields are well formed.
func (m MedicationSchedule) Validate() error {
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("medication name is required")
	}
	for _, t := range m.Times {
		if _, err := time.Parse("15:04", t); err != nil {
			return fmt.Errorf("medication %s: invalid time %q: %w", m.Name, t, err)
		}
	}
	if m.RefillDate != "" {
		if _, err := time.Parse("2006-01-02", m.RefillDate); err != nil {
			return fmt.Errorf("medication %s: invalid refill date %q: %w", m.Name, m.RefillDate, err)
		}
	}
	return nil
}

// RefillDue reports whether the refill date falls within the given horizon
// of now, and how many days remain. Schedules without a refill date are
// never due.
func (m MedicationSchedule) RefillDue(now time.Time, horizon time.Duration) (bool, int) {
	if m.RefillDate == "" {
		return false, 0
	}
	refill, err := time.Parse("2006-01-02", m.RefillDate)
	if err != nil {
		return false, 0
	}
	remaining := refill.Sub(now)
	days := int(remaining.Hours() / 24)
	return remaining <= horizon, days
}

// PatientProfile aggregates the enrollment data stages consult while
// analyzing events: chronic conditions, allergy list, prescribed
// medications and who to call when things go wrong.
type PatientProfile struct {
	PatientID        string               `json:"patient_id,omitempty"`
	Name             string               `json:"name,omitempty"`
	Age              int                  `json:"age,omitempty"`
	Conditions       []string             `json:"conditions,omitempty"`
	Allergies        []string             `json:"allergies,omitempty"`
	Medications      []MedicationSchedule `json:"medications,omitempty"`
	EmergencyContact string               `json:"emergency_contact,omitempty"`
	PrimaryConcern   string               `json:"primary_concern,omitempty"`
}

// Clone returns a deep copy of the profile safe for independent mutation.
func (p *PatientProfile) Clone() *PatientProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.Conditions = append([]string(nil), p.Conditions...)
	c.Allergies = append([]string(nil), p.Allergies...)
	c.Medications = append([]MedicationSchedule(nil), p.Medications...)
	for i, m := range p.Medications {
		c.Medications[i].Times = append([]string(nil), m.Times...)
	}
	return &c
}

// HasCondition reports whether the profile lists the condition,
// case-insensitively and by substring, so "type 2 diabetes" matches a
// lookup for "diabetes".
func (p *PatientProfile) HasCondition(condition string) bool {
	if p == nil {
		return false
	}
	needle := strings.ToLower(condition)
	for _, c := range p.Conditions {
		if strings.Contains(strings.ToLower(c), needle) {
			return true
		}
	}
	return false
}

// ProfileFromEvent reconstructs a profile from a profile event's payload.
func ProfileFromEvent(e Event) (*PatientProfile, error) {
	if e.Kind != EventProfile {
		return nil, fmt.Errorf("event %s is %s, not %s", e.ID, e.Kind, EventProfile)
	}
	var p PatientProfile
	if err := e.DecodeData(&p); err != nil {
		return nil, fmt.Errorf("profile event %s: %w", e.ID, err)
	}
	p.PatientID = e.PatientID
	return &p, nil
}

// LatestProfile scans events newest-first for the most recent profile data,
// returning nil when the patient never supplied one.
func LatestProfile(events []Event) *PatientProfile {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind != EventProfile {
			continue
		}
		if p, err := ProfileFromEvent(events[i]); err == nil {
			return p
		}
	}
	return nil
}
