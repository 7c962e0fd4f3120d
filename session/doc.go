// Package session houses concrete implementations of the core.SessionStore.
// The interface itself (and the Session struct) live in the core package to
// centralize domain contracts. Keeping only implementations here prevents
// higher level packages (stages, coordinator) from depending on concrete
// storage.
//
// The Store in this package layers optimistic concurrency on any core.KV
// backend: sessions serialize to JSON, the KV version doubles as the session
// version, and a lost compare-and-set surfaces as core.ErrVersionConflict
// for the caller to re-read and retry. Swap the KV (in-memory, SQLite) at
// wiring time without changing any calling code.
package session
