package core

import "time"

// Summary is the compaction record for a session. It condenses the event and
// finding history up to a watermark so the context window handed to stages
// stays bounded as sessions grow.
//
// Contract:
//   - EventCount / FindingCount are watermarks: the summary covers exactly
//     that prefix of the session history, everything after it is "recent"
//   - CarriedAlerts holds, per dedup key that ever reached warning severity,
//     the most severe exemplar seen so far; compaction never drops these
//   - Compaction at the same watermark is idempotent with respect to
//     CarriedAlerts and the counts (the narrative text may be regenerated)
type Summary struct {
	Text          string    `json:"text"`
	EventCount    int       `json:"event_count"`
	FindingCount  int       `json:"finding_count"`
	CarriedAlerts []Finding `json:"carried_alerts,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Covers reports whether the summary already accounts for a history of the
// given size, i.e. whether another compaction would be a no-op.
func (s *Summary) Covers(eventCount, findingCount int) bool {
	return s != nil && s.EventCount >= eventCount && s.FindingCount >= findingCount
}

// Clone returns a deep copy of the summary safe for independent mutation.
// Cloning a nil summary returns nil.
func (s *Summary) Clone() *Summary {
	if s == nil {
		return nil
	}
	c := *s
	c.CarriedAlerts = CloneFindings(s.CarriedAlerts)
	return &c
}
