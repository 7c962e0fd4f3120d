package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/kv"
)

const keyPrefix = "sessions/"

// Store implements core.SessionStore on top of a versioned core.KV. The KV
// version is the session version: a session read at version N can only be
// appended to with expected == N, so concurrent writers never silently
// overwrite each other.
type Store struct {
	kv core.KV
}

// New constructs a session store over the given KV backend.
func New(backend core.KV) *Store {
	return &Store{kv: backend}
}

// NewInMemoryStore constructs a session store over a fresh in-memory KV.
// Best suited for tests or ephemeral demo servers.
func NewInMemoryStore() *Store {
	return New(kv.NewInMemoryKV())
}

// Create initializes an empty version-1 session for the patient.
func (s *Store) Create(ctx context.Context, id, patientID string) (*core.Session, error) {
	sess := core.NewSession(id, patientID)
	raw, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", id, err)
	}
	if _, err := s.kv.Put(ctx, keyPrefix+id, 0, raw); err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	return sess.Clone(), nil
}

// Get returns a defensive copy of the session at its current version.
func (s *Store) Get(ctx context.Context, id string) (*core.Session, error) {
	raw, version, err := s.kv.Get(ctx, keyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return decodeSession(raw, version)
}

// Append applies the delta if the stored version equals expected and returns
// the updated session. A concurrent writer surfaces as ErrVersionConflict;
// the caller re-reads and retries.
func (s *Store) Append(ctx context.Context, id string, expected int64, delta core.Delta) (*core.Session, error) {
	raw, version, err := s.kv.Get(ctx, keyPrefix+id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if version != expected {
		return nil, fmt.Errorf("append session %s: %w",
			id, &core.VersionConflictError{Key: keyPrefix + id, Expected: expected, Actual: version})
	}

	sess, err := decodeSession(raw, version)
	if err != nil {
		return nil, err
	}
	sess.Apply(delta)

	updated, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", id, err)
	}
	if _, err := s.kv.Put(ctx, keyPrefix+id, expected, updated); err != nil {
		return nil, fmt.Errorf("append session %s: %w", id, err)
	}
	return sess, nil
}

// ReplaceSummary swaps the session's compaction summary if the stored
// version equals expected. The rest of the record is untouched; a lost race
// surfaces as ErrVersionConflict so the caller can recompute against the
// newer history.
func (s *Store) ReplaceSummary(ctx context.Context, id string, expected int64, summary *core.Summary) (*core.Session, error) {
	if summary == nil {
		return nil, fmt.Errorf("replace summary for session %s: summary must not be nil", id)
	}
	return s.Append(ctx, id, expected, core.Delta{Summary: summary})
}

// List returns copies of all sessions, ordered by creation time.
func (s *Store) List(ctx context.Context) ([]*core.Session, error) {
	keys, err := s.kv.Keys(ctx, keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	sessions := make([]*core.Session, 0, len(keys))
	for _, key := range keys {
		raw, version, err := s.kv.Get(ctx, key)
		if err != nil {
			// Deleted between Keys and Get; skip rather than fail the listing.
			continue
		}
		sess, err := decodeSession(raw, version)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Created.Before(sessions[j].Created) })
	return sessions, nil
}

func decodeSession(raw []byte, version int64) (*core.Session, error) {
	var sess core.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	// The KV version is authoritative; the serialized field is advisory.
	sess.Version = version
	return &sess, nil
}

// Mutate runs a read-modify-append loop against the store, retrying on
// version conflicts up to attempts times. The mutate callback inspects the
// freshly read session and returns the delta to append; returning an empty
// delta short-circuits without writing.
func Mutate(ctx context.Context, store core.SessionStore, id string, attempts int, mutate func(*core.Session) (core.Delta, error)) (*core.Session, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		sess, err := store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		delta, err := mutate(sess)
		if err != nil {
			return nil, err
		}
		if delta.Empty() {
			return sess, nil
		}
		updated, err := store.Append(ctx, id, sess.Version, delta)
		if err == nil {
			return updated, nil
		}
		if !isConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("mutate session %s: gave up after %d attempts: %w", id, attempts, lastErr)
}

func isConflict(err error) bool {
	return errors.Is(err, core.ErrVersionConflict)
}
