// Package kv houses concrete implementations of the core.KV versioned
// key/value store. The interface itself lives in the core package to
// centralize domain contracts; keeping only implementations here prevents
// higher level packages (session, coordinator) from depending on concrete
// storage.
//
// Add additional backends (Redis, Postgres, DynamoDB, etc.) in sub-packages
// without changing any calling code - only the wiring layer needs to decide
// which implementation to instantiate. The SQLite backend ships in kv/sqlite.
package kv
