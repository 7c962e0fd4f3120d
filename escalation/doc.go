// Package escalation turns the finding set of one pipeline run into a single
// routed outcome.
//
// Scoring is a pure function of the finding set: the aggregate severity is
// the maximum over the set, the justifying findings are the max-severity
// subset in deterministic rank order, and a static severity-to-decision
// table picks the routing action. Any permutation of the same findings
// scores to an identical outcome, which is what makes the concurrent
// fan-out upstream safe.
//
// An empty finding set is not treated as healthy: every stage failing or
// timing out at once is itself a reportable condition, so the engine forces
// a caregiver notification for it.
package escalation
