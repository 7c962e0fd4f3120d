package core

import (
	"context"
	"sync"
	"time"
)

// Session is a versioned per-patient container tracking the ordered event
// history, the findings stages produced, delivered outcomes and the current
// compaction summary. It is safe for concurrent access.
//
// Contract:
//   - Mutations go through Apply, which bumps Version and Updated
//   - Accessors return defensive copies to avoid external mutation
//   - Clone performs deep copies of slices/maps for safe divergence
//   - A store round-trips a session without loss via JSON
type Session struct {
	ID        string            `json:"id"`
	PatientID string            `json:"patient_id"`
	Version   int64             `json:"version"`
	Events    []Event           `json:"events"`
	Findings  []Finding         `json:"findings"`
	Outcomes  []Outcome         `json:"outcomes,omitempty"`
	Summary   *Summary          `json:"summary,omitempty"`
	Created   time.Time         `json:"created"`
	Updated   time.Time         `json:"updated"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	mu        sync.RWMutex
}

// NewSession creates an empty version-1 session for a patient.
func NewSession(id, patientID string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		PatientID: patientID,
		Version:   1,
		Events:    []Event{},
		Findings:  []Finding{},
		Created:   now,
		Updated:   now,
		Metadata:  map[string]string{},
	}
}

// Delta is an atomic batch of session mutations. All slices append in order;
// Summary replaces the current summary when non-nil; Metadata merges by key.
type Delta struct {
	Events   []Event           `json:"events,omitempty"`
	Findings []Finding         `json:"findings,omitempty"`
	Outcomes []Outcome         `json:"outcomes,omitempty"`
	Summary  *Summary          `json:"summary,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Empty reports whether applying the delta would change nothing.
func (d Delta) Empty() bool {
	return len(d.Events) == 0 && len(d.Findings) == 0 && len(d.Outcomes) == 0 &&
		d.Summary == nil && len(d.Metadata) == 0
}

// Apply merges a delta into the session, assigning sequence numbers to new
// events and bumping Version. Stores call this after a successful
// compare-and-set; callers normally go through SessionStore.Append instead.
func (s *Session) Apply(delta Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range delta.Events {
		ev.SessionID = s.ID
		ev.Seq = int64(len(s.Events) + 1)
		s.Events = append(s.Events, ev)
	}
	s.Findings = append(s.Findings, delta.Findings...)
	s.Outcomes = append(s.Outcomes, delta.Outcomes...)
	if delta.Summary != nil {
		s.Summary = delta.Summary.Clone()
	}
	if len(delta.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = map[string]string{}
		}
		for k, v := range delta.Metadata {
			s.Metadata[k] = v
		}
	}
	s.Version++
	s.Updated = time.Now().UTC()
}

// GetEvents returns a defensive copy of the full event slice.
func (s *Session) GetEvents() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]Event, len(s.Events))
	copy(events, s.Events)
	return events
}

// EventsSince returns the events after the given watermark (a prefix count,
// typically Summary.EventCount). The result is a defensive copy.
func (s *Session) EventsSince(watermark int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if watermark < 0 {
		watermark = 0
	}
	if watermark > len(s.Events) {
		watermark = len(s.Events)
	}
	events := make([]Event, len(s.Events)-watermark)
	copy(events, s.Events[watermark:])
	return events
}

// GetFindings returns a defensive copy of the full finding slice.
func (s *Session) GetFindings() []Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return CloneFindings(s.Findings)
}

// GetOutcomes returns a defensive copy of the delivered outcomes.
func (s *Session) GetOutcomes() []Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Outcome, len(s.Outcomes))
	for i, o := range s.Outcomes {
		out[i] = o.Clone()
	}
	return out
}

// GetSummary returns a deep copy of the current summary, or nil when the
// session has never been compacted.
func (s *Session) GetSummary() *Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Summary.Clone()
}

// Counts returns the current event and finding history lengths.
func (s *Session) Counts() (events, findings int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Events), len(s.Findings)
}

// Clone returns a deep copy of the session safe for independent mutation.
func (s *Session) Clone() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := &Session{
		ID:        s.ID,
		PatientID: s.PatientID,
		Version:   s.Version,
		Events:    make([]Event, len(s.Events)),
		Findings:  CloneFindings(s.Findings),
		Outcomes:  make([]Outcome, len(s.Outcomes)),
		Summary:   s.Summary.Clone(),
		Created:   s.Created,
		Updated:   s.Updated,
		Metadata:  make(map[string]string, len(s.Metadata)),
	}
	copy(clone.Events, s.Events)
	for i, o := range s.Outcomes {
		clone.Outcomes[i] = o.Clone()
	}
	for k, v := range s.Metadata {
		clone.Metadata[k] = v
	}
	return clone
}

// SessionStore persists sessions with optimistic concurrency control.
//
// Append applies a delta only when the caller read the session at the
// expected version; a concurrent writer surfaces as ErrVersionConflict and
// the caller re-reads and retries. Implementations return defensive copies
// from Get so callers can never mutate shared state.
type SessionStore interface {
	// Create initializes an empty session. ErrAlreadyExists when the ID is taken.
	Create(ctx context.Context, id, patientID string) (*Session, error)
	// Get returns a copy of the session. ErrNotFound when absent.
	Get(ctx context.Context, id string) (*Session, error)
	// Append applies the delta if the stored version equals expected and
	// returns the updated session. ErrVersionConflict on a lost race.
	Append(ctx context.Context, id string, expected int64, delta Delta) (*Session, error)
	// ReplaceSummary swaps the compaction summary if the stored version
	// equals expected, leaving events, findings and outcomes untouched.
	// ErrVersionConflict on a lost race.
	ReplaceSummary(ctx context.Context, id string, expected int64, summary *Summary) (*Session, error)
	// List returns copies of all sessions, ordered by creation time.
	List(ctx context.Context) ([]*Session, error)
}
