// Package coordinator implements the top-level orchestration layer for
// HealthMesh.
//
// The Coordinator is the single entry point an application feeds patient
// events into. For each event it loads or creates the patient's session,
// appends the event through the store's version-checked path, runs the
// staged analysis pipeline, scores the joined findings into an Outcome,
// persists it, and hands it to the delivery sinks.
//
// # Responsibilities (abridged)
//   - Session lifecycle (deterministic per-patient session, create on first event)
//   - Event and outcome persistence with conflict retry
//   - Pipeline execution and escalation scoring
//   - At-least-once outcome delivery via the notify dispatcher
//   - Recurring medication checks through the pipeline loop
//   - Store-unavailability backoff ending in the fail-safe caregiver notice
//
// See coordinator.go for the operational implementation details.
package coordinator
