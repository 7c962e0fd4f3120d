// Package notify delivers outcomes to their destinations.
//
// A Notifier is a one-way sink: a log line, an HTTP webhook, a live
// WebSocket feed. The Dispatcher routes each outcome to the sinks
// registered for its decision and retries failed deliveries with backoff,
// so every outcome is delivered at least once per sink; duplicates are
// acceptable, drops are not.
package notify
