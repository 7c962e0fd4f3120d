package core

import "context"

// RecallResult is a single hit from searching past session history.
type RecallResult struct {
	SessionID string  `json:"session_id"`
	PatientID string  `json:"patient_id"`
	Text      string  `json:"text"`
	Score     float64 `json:"score"`
}

// RecallStore indexes completed session history so the advisor stage can
// ground its guidance in what the patient reported before. Implementations
// decide their own relevance model; Search results come back ordered by
// descending score.
type RecallStore interface {
	// Ingest indexes the session's events and findings for later recall.
	// Re-ingesting the same session replaces its previous entries.
	Ingest(ctx context.Context, sess *Session) error
	// Search returns up to limit results for the patient relevant to query.
	Search(ctx context.Context, patientID, query string, limit int) ([]RecallResult, error)
}
