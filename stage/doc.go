// Package stage contains the four analysis stages and the runner that
// executes them.
//
// Each stage implements core.Stage: it declares the event kinds it cares
// about, analyzes a bounded context window, and emits findings. The stages
// are deliberately independent; they share nothing but the StageContext
// handed to them.
//
//   - Intake triages free-text reports and captures profile data. It runs
//     sequentially, ahead of the others, so its findings are visible to them.
//   - Vitals checks structured readings against clinical threshold bands.
//   - Medication tracks schedules, adherence, refills and interactions. It
//     also runs on its own recurring timer (see pipeline.Loop).
//   - Advisor produces generation-backed guidance, grounded in recalled
//     history, with a templated fallback whenever generation fails.
//
// Runner is the isolation boundary: it enforces the deadline and converts
// panics and errors into core.StageFailure values so a single misbehaving
// stage can never take down a pipeline run.
package stage
