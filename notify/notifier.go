package notify

import (
	"context"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/logging"
)

// Notifier is a one-way delivery sink for outcomes. Implementations must be
// safe for concurrent use and honor ctx cancellation; a returned error
// means the delivery did not happen and may be retried.
type Notifier interface {
	// Name identifies the sink in logs and delivery records.
	Name() string
	// Notify delivers one outcome.
	Notify(ctx context.Context, out core.Outcome) error
}

// LogNotifier writes outcomes to the structured log. It never fails, which
// makes it a safe default sink for every decision tier.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier constructs a log-backed sink.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &LogNotifier{logger: logger}
}

// Name implements Notifier.
func (n *LogNotifier) Name() string { return "log" }

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, out core.Outcome) error {
	n.logger.Info("outcome delivered",
		"outcome_id", out.ID,
		"session_id", out.SessionID,
		"patient_id", out.PatientID,
		"severity", out.Severity.String(),
		"decision", string(out.Decision),
		"summary", out.Summary,
	)
	return nil
}

// FuncNotifier adapts a function to the Notifier interface.
type FuncNotifier struct {
	name string
	fn   func(ctx context.Context, out core.Outcome) error
}

// NewFuncNotifier wraps fn as a named sink.
func NewFuncNotifier(name string, fn func(ctx context.Context, out core.Outcome) error) *FuncNotifier {
	return &FuncNotifier{name: name, fn: fn}
}

// Name implements Notifier.
func (n *FuncNotifier) Name() string { return n.name }

// Notify implements Notifier.
func (n *FuncNotifier) Notify(ctx context.Context, out core.Outcome) error {
	return n.fn(ctx, out)
}
