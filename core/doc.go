// Package core provides the foundational domain types, interfaces and
// contracts used by HealthMesh. It defines the core abstractions for:
//
//   - Events (immutable patient health observations: symptoms, vitals,
//     medication logs, questions, profile updates)
//   - Findings (clinical observations produced by stages, ranked by severity)
//   - Sessions (versioned per-patient containers with event history,
//     findings, outcomes and a compaction summary)
//   - Stages (units of specialized analysis work run by the pipeline)
//   - Pluggable stores for session state (versioned KV) and recall search
//
// The package intentionally keeps implementation concerns (persistence,
// pipeline orchestration, concrete stages) out of scope, exposing small
// interfaces to enable custom backends and extensions. All exported
// identifiers include concise documentation to aid discoverability and
// external consumption.
package core
