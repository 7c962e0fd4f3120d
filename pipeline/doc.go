// Package pipeline composes the stages into the fixed analysis topology and
// drives the recurring medication checks.
//
// Scheduler executes one run for one session: intake first, sequentially,
// so its findings are visible to the others, then medication, vitals and
// advisor concurrently under deadlines carved from one overall budget. The
// join collects whatever completed in time; a stage that times out or
// faults is annotated on the result and excluded, never fatal.
//
// Loop is the medication stage's second cadence: a recurring timer that
// runs the stage for every registered patient independent of incoming
// events. Loop iterations append their findings through the same
// version-checked store path as event-triggered runs, so the two never
// interleave writes to a session.
package pipeline
