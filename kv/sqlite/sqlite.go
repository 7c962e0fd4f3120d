// Package sqlite provides a SQLite-backed core.KV for single-node
// deployments that need session state to survive restarts. It uses the pure
// Go modernc.org/sqlite driver, so binaries stay cgo-free.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hupe1980/healthmesh/core"
)

// KV implements core.KV on a local SQLite database. Compare-and-set is a
// single conditional UPDATE, so concurrent writers race safely inside the
// database rather than in process memory.
type KV struct {
	db *sql.DB
}

// New opens (creating if necessary) the database at dbPath and prepares the
// schema.
func New(dbPath string) (*KV, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &KV{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *KV) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS kv_entries (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *KV) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying database handle.
func (s *KV) Close() error {
	return s.db.Close()
}

// Get returns the stored value and its current version.
func (s *KV) Get(ctx context.Context, key string) ([]byte, int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, version FROM kv_entries WHERE key = ?`, key)

	var value []byte
	var version int64
	err := row.Scan(&value, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, fmt.Errorf("key %q: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("scan kv row: %w", err)
	}
	return value, version, nil
}

// Put stores value under key when the compare-and-set succeeds. An expected
// version of 0 inserts the key at version 1; otherwise a conditional UPDATE
// only matches when the stored version equals expected.
func (s *KV) Put(ctx context.Context, key string, expected int64, value []byte) (int64, error) {
	now := time.Now().Unix()

	if expected == 0 {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO kv_entries (key, value, version, updated_at) VALUES (?, ?, 1, ?)`,
			key, value, now)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("key %q: %w", key, core.ErrAlreadyExists)
			}
			return 0, fmt.Errorf("insert kv entry: %w", err)
		}
		return 1, nil
	}

	next := expected + 1
	res, err := s.db.ExecContext(ctx,
		`UPDATE kv_entries SET value = ?, version = ?, updated_at = ? WHERE key = ? AND version = ?`,
		value, next, now, key, expected)
	if err != nil {
		return 0, fmt.Errorf("update kv entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return 0, s.conflictOrMissing(ctx, key, expected)
	}
	return next, nil
}

// Delete removes key when the stored version matches expected.
func (s *KV) Delete(ctx context.Context, key string, expected int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE key = ? AND version = ?`, key, expected)
	if err != nil {
		return fmt.Errorf("delete kv entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return s.conflictOrMissing(ctx, key, expected)
	}
	return nil
}

// Keys returns all keys with the given prefix in lexical order.
func (s *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE key >= ? ORDER BY key`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		// The scan is ordered, so the first key past the prefix range ends it.
		if !strings.HasPrefix(k, prefix) {
			break
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// conflictOrMissing distinguishes a failed CAS from a missing key so the
// caller sees the right sentinel.
func (s *KV) conflictOrMissing(ctx context.Context, key string, expected int64) error {
	row := s.db.QueryRowContext(ctx, `SELECT version FROM kv_entries WHERE key = ?`, key)
	var actual int64
	err := row.Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("key %q: %w", key, core.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("scan kv version: %w", err)
	}
	return &core.VersionConflictError{Key: key, Expected: expected, Actual: actual}
}
