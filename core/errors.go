package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across stores. Wrap with fmt.Errorf("...: %w", err)
// so callers can match with errors.Is regardless of backend.
var (
	// ErrNotFound indicates the requested key or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a create collided with an existing entry.
	ErrAlreadyExists = errors.New("already exists")
	// ErrVersionConflict indicates a compare-and-set lost a concurrent race.
	ErrVersionConflict = errors.New("version conflict")
)

// VersionConflictError reports a failed compare-and-set with enough detail
// for the caller to log and re-read. It matches ErrVersionConflict under
// errors.Is.
type VersionConflictError struct {
	Key      string
	Expected int64
	Actual   int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on %q: expected %d, have %d", e.Key, e.Expected, e.Actual)
}

// Is lets errors.Is(err, ErrVersionConflict) match wrapped conflicts.
func (e *VersionConflictError) Is(target error) bool { return target == ErrVersionConflict }

// IsNotFound reports whether err means the entry does not exist.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsVersionConflict reports whether err is a lost compare-and-set race.
func IsVersionConflict(err error) bool { return errors.Is(err, ErrVersionConflict) }

// StageFailureKind classifies how a stage run went wrong.
type StageFailureKind string

const (
	// StageFailureTimeout means the stage exceeded its deadline.
	StageFailureTimeout StageFailureKind = "timeout"
	// StageFailureFault means the stage returned an error or panicked;
	// Err carries the detail.
	StageFailureFault StageFailureKind = "fault"
)

// StageFailure records an isolated stage breakdown. The pipeline degrades
// gracefully on stage failures: remaining stages still run and escalation
// proceeds on the findings that did arrive, so a StageFailure is diagnostic
// rather than fatal.
type StageFailure struct {
	Stage   string
	Kind    StageFailureKind
	Err     error
	Elapsed time.Duration
}

func (e *StageFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stage %s %s after %s: %v", e.Stage, e.Kind, e.Elapsed.Round(time.Millisecond), e.Err)
	}
	return fmt.Sprintf("stage %s %s after %s", e.Stage, e.Kind, e.Elapsed.Round(time.Millisecond))
}

// Unwrap exposes the underlying cause for errors.Is / errors.As chains.
func (e *StageFailure) Unwrap() error { return e.Err }

// NewStageFailure wraps a stage error with its failure classification.
func NewStageFailure(stage string, kind StageFailureKind, err error, elapsed time.Duration) *StageFailure {
	return &StageFailure{Stage: stage, Kind: kind, Err: err, Elapsed: elapsed}
}

// AsStageFailure extracts a StageFailure from an error chain.
func AsStageFailure(err error) (*StageFailure, bool) {
	var sf *StageFailure
	if errors.As(err, &sf) {
		return sf, true
	}
	return nil, false
}
