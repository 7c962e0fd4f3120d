package core

import (
	"testing"
	"time"
)

func TestEvent_Constructors(t *testing.T) {
	e := NewSymptomEvent("patient-1", "dizzy after standing up")
	if e.Kind != EventSymptom || e.PatientID != "patient-1" || e.ID == "" || e.Timestamp.IsZero() {
		t.Fatalf("NewSymptomEvent did not initialize fields correctly: %+v", e)
	}
	if e.Source != "patient" || e.Text == "" {
		t.Fatalf("symptom event should carry patient-authored text: %+v", e)
	}

	v := NewVitalsEvent("patient-1", map[string]float64{"systolic_bp": 152, "heart_rate": 88})
	if v.Kind != EventVitals || v.Source != "device" {
		t.Fatalf("NewVitalsEvent malformed: %+v", v)
	}
	if got, ok := v.Float("systolic_bp"); !ok || got != 152 {
		t.Fatalf("Float extraction failed: %v %v", got, ok)
	}
	if _, ok := v.Float("oxygen_saturation"); ok {
		t.Error("Float should miss on absent metric")
	}

	taken := NewMedicationTakenEvent("patient-1", "Metformin", time.Now())
	if taken.Str("action") != "taken" || taken.Str("name") != "Metformin" {
		t.Fatalf("NewMedicationTakenEvent malformed: %+v", taken.Data)
	}

	sched := NewMedicationScheduleEvent("patient-1", MedicationSchedule{
		Name:       "Lisinopril",
		Dosage:     "10mg",
		Times:      []string{"08:00"},
		RefillDate: "2026-09-01",
	})
	if sched.Str("action") != "schedule" || sched.Str("refill_date") != "2026-09-01" {
		t.Fatalf("NewMedicationScheduleEvent malformed: %+v", sched.Data)
	}
}

func TestEvent_DecodeData(t *testing.T) {
	sched := MedicationSchedule{Name: "Warfarin", Dosage: "5mg", Times: []string{"08:00", "20:00"}}
	e := NewMedicationScheduleEvent("patient-1", sched)

	var decoded MedicationSchedule
	if err := e.DecodeData(&decoded); err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if decoded.Name != "Warfarin" || len(decoded.Times) != 2 {
		t.Fatalf("decoded schedule mismatch: %+v", decoded)
	}

	bare := NewQuestionEvent("patient-1", "can I take ibuprofen?")
	if err := bare.DecodeData(&decoded); err == nil {
		t.Error("expected error decoding event without data")
	}
}

func TestEvent_IDUniqueness(t *testing.T) {
	a := NewID()
	b := NewID()
	if a == b {
		t.Error("Expected unique IDs")
	}
}

func TestFilterEvents(t *testing.T) {
	events := []Event{
		NewSymptomEvent("p", "headache"),
		NewVitalsEvent("p", map[string]float64{"heart_rate": 70}),
		NewQuestionEvent("p", "should I worry?"),
		NewVitalsEvent("p", map[string]float64{"heart_rate": 72}),
	}

	vitals := FilterEvents(events, EventVitals)
	if len(vitals) != 2 {
		t.Fatalf("expected 2 vitals events, got %d", len(vitals))
	}
	if vitals[0].Timestamp.After(vitals[1].Timestamp) {
		t.Error("filter should preserve order")
	}

	mixed := FilterEvents(events, EventSymptom, EventQuestion)
	if len(mixed) != 2 {
		t.Fatalf("expected 2 text events, got %d", len(mixed))
	}
	if got := FilterEvents(events); got != nil {
		t.Errorf("no kinds should select nothing, got %v", got)
	}
}
