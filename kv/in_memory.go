package kv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/healthmesh/core"
)

type entry struct {
	value   []byte
	version int64
}

// InMemoryKV is a volatile core.KV implementation storing entries in a
// process local map. It is safe for concurrent access and best suited for
// tests or ephemeral demo servers. Values are copied on the way in and out
// so callers can never alias internal state.
type InMemoryKV struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewInMemoryKV constructs an empty in-memory versioned store.
func NewInMemoryKV() *InMemoryKV {
	return &InMemoryKV{entries: make(map[string]entry)}
}

// Get returns the stored value and its current version.
func (s *InMemoryKV) Get(_ context.Context, key string) ([]byte, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, 0, fmt.Errorf("key %q: %w", key, core.ErrNotFound)
	}
	value := make([]byte, len(e.value))
	copy(value, e.value)
	return value, e.version, nil
}

// Put stores value under key when the compare-and-set succeeds: expected 0
// creates the key at version 1, any other expected value must match the
// stored version exactly.
func (s *InMemoryKV) Put(_ context.Context, key string, expected int64, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	switch {
	case expected == 0 && ok:
		return 0, fmt.Errorf("key %q: %w", key, core.ErrAlreadyExists)
	case expected != 0 && !ok:
		return 0, fmt.Errorf("key %q: %w", key, core.ErrNotFound)
	case expected != 0 && e.version != expected:
		return 0, &core.VersionConflictError{Key: key, Expected: expected, Actual: e.version}
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	next := expected + 1
	s.entries[key] = entry{value: stored, version: next}
	return next, nil
}

// Delete removes key when the stored version matches expected.
func (s *InMemoryKV) Delete(_ context.Context, key string, expected int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("key %q: %w", key, core.ErrNotFound)
	}
	if e.version != expected {
		return &core.VersionConflictError{Key: key, Expected: expected, Actual: e.version}
	}
	delete(s.entries, key)
	return nil
}

// Keys returns all keys with the given prefix in lexical order.
func (s *InMemoryKV) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
