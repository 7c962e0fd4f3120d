// Package search contains concrete core.RecallStore implementations. The
// store interface and RecallResult type reside in the core package. Import
// github.com/hupe1980/healthmesh/core and depend on core.RecallStore in your
// code; select an implementation (like the in-memory store below) at wiring
// time.
//
// Rationale: keeps domain contracts centralized while allowing pluggable
// backends (vector databases, embeddings indexes, etc.) to be added without
// introducing dependency cycles.
package search

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/healthmesh/core"
)

type document struct {
	sessionID string
	patientID string
	text      string
}

// InMemoryStore is a naive process-local RecallStore. Each ingested session
// contributes one document per event and finding; Search scores documents by
// the number of query terms they contain.
//
// Concurrency: protected by RWMutex.
// Scoring: case-insensitive term overlap. Suitable only for tests / demos;
// swap for a vector DB or semantic index for production retrieval.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]document // patientID -> documents
}

// NewInMemoryStore creates a new in-memory recall store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{docs: make(map[string][]document)}
}

// Ingest indexes the session's events and findings for later recall.
// Re-ingesting the same session replaces its previous entries.
func (m *InMemoryStore) Ingest(_ context.Context, sess *core.Session) error {
	if sess == nil {
		return nil
	}
	fresh := make([]document, 0, 16)
	for _, ev := range sess.GetEvents() {
		text := ev.Text
		if text == "" && len(ev.Data) > 0 {
			parts := make([]string, 0, len(ev.Data))
			for k := range ev.Data {
				parts = append(parts, k)
			}
			sort.Strings(parts)
			text = string(ev.Kind) + " " + strings.Join(parts, " ")
		}
		if text == "" {
			continue
		}
		fresh = append(fresh, document{sessionID: sess.ID, patientID: sess.PatientID, text: text})
	}
	for _, f := range sess.GetFindings() {
		fresh = append(fresh, document{sessionID: sess.ID, patientID: sess.PatientID, text: f.Message})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.docs[sess.PatientID][:0]
	for _, d := range m.docs[sess.PatientID] {
		if d.sessionID != sess.ID {
			kept = append(kept, d)
		}
	}
	m.docs[sess.PatientID] = append(kept, fresh...)
	return nil
}

// Search returns up to limit results for the patient, ordered by descending
// term-overlap score. An empty query matches nothing.
func (m *InMemoryStore) Search(_ context.Context, patientID, query string, limit int) ([]core.RecallResult, error) {
	terms := strings.Fields(strings.ToLower(query))
	if len(terms) == 0 || limit <= 0 {
		return []core.RecallResult{}, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]core.RecallResult, 0, limit)
	for _, d := range m.docs[patientID] {
		lower := strings.ToLower(d.text)
		hits := 0
		for _, term := range terms {
			if strings.Contains(lower, term) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		results = append(results, core.RecallResult{
			SessionID: d.sessionID,
			PatientID: d.patientID,
			Text:      d.text,
			Score:     float64(hits) / float64(len(terms)),
		})
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
