package core

import (
	"sort"
	"time"
)

// Finding is a clinical observation produced by a stage while analyzing
// patient events. After emission it should be treated as immutable.
//
// Stage and Category together form the deduplication key: repeated findings
// about the same concern (e.g. vitals/high_blood_pressure) supersede each
// other rather than piling up, while the compaction layer keeps the most
// severe exemplar per key alive across summarization.
type Finding struct {
	ID        string         `json:"id"`
	Stage     string         `json:"stage"`
	Category  string         `json:"category"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	EventID   string         `json:"event_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewFinding creates a finding authored by the named stage.
func NewFinding(stage, category string, severity Severity, message string) Finding {
	return Finding{
		ID:        NewID(),
		Stage:     stage,
		Category:  category,
		Severity:  severity,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// DedupKey identifies the concern a finding is about. Findings sharing a key
// describe the same underlying condition at different points in time.
func (f Finding) DedupKey() string { return f.Stage + "/" + f.Category }

// Clone returns a deep copy of the finding safe for independent mutation.
func (f Finding) Clone() Finding {
	c := f
	if f.Data != nil {
		c.Data = make(map[string]any, len(f.Data))
		for k, v := range f.Data {
			c.Data[k] = v
		}
	}
	return c
}

// CloneFindings deep-copies a slice of findings.
func CloneFindings(findings []Finding) []Finding {
	if findings == nil {
		return nil
	}
	out := make([]Finding, len(findings))
	for i, f := range findings {
		out[i] = f.Clone()
	}
	return out
}

// MaxSeverity returns the highest severity present in the set, or
// SeverityInfo for an empty set.
func MaxSeverity(findings []Finding) Severity {
	max := SeverityInfo
	for _, f := range findings {
		if f.Severity > max {
			max = f.Severity
		}
	}
	return max
}

// FilterMinSeverity returns the findings ranking at or above the floor,
// preserving their original order.
func FilterMinSeverity(findings []Finding, floor Severity) []Finding {
	var out []Finding
	for _, f := range findings {
		if f.Severity.AtLeast(floor) {
			out = append(out, f)
		}
	}
	return out
}

// LatestByKey maps each dedup key to its most recent finding. Recency is
// decided by timestamp with slice order as the tie-break, so the last
// appended finding wins for identical timestamps.
func LatestByKey(findings []Finding) map[string]Finding {
	out := make(map[string]Finding, len(findings))
	for _, f := range findings {
		prev, ok := out[f.DedupKey()]
		if !ok || !f.Timestamp.Before(prev.Timestamp) {
			out[f.DedupKey()] = f
		}
	}
	return out
}

// NovelFindings filters candidates down to the ones that change what the
// session already records: a candidate survives when its dedup key is unseen
// or the latest recorded finding for that key differs in severity or message.
// Both the event-triggered pipeline and the recurring medication loop apply
// this before appending, so steady-state conditions do not pile up run after
// run while any state change still lands in the history.
func NovelFindings(existing, candidates []Finding) []Finding {
	latest := LatestByKey(existing)
	var out []Finding
	for _, c := range candidates {
		prev, ok := latest[c.DedupKey()]
		if ok && prev.Severity == c.Severity && prev.Message == c.Message {
			continue
		}
		out = append(out, c)
	}
	return out
}

// SortFindings orders findings deterministically: severity descending, then
// stage priority descending (unrecognized stages rank last, alphabetically),
// then oldest first, then by ID. The same order drives escalation ranking,
// so two processes scoring the same set always agree on the dominant finding.
func SortFindings(findings []Finding) []Finding {
	out := make([]Finding, len(findings))
	copy(out, findings)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if pa, pb := StagePriority(a.Stage), StagePriority(b.Stage); pa != pb {
			return pa > pb
		}
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	})
	return out
}
