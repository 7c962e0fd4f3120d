package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/logging"
)

const (
	// DefaultDeliveryAttempts bounds retries per sink per outcome.
	DefaultDeliveryAttempts = 3

	// DefaultBackoff is the first retry delay; it doubles per attempt.
	DefaultBackoff = 200 * time.Millisecond
)

// DispatcherOptions holds configuration overrides passed to NewDispatcher().
type DispatcherOptions struct {
	// Attempts bounds deliveries per sink per outcome.
	Attempts int
	// Backoff is the initial retry delay, doubled on each retry.
	Backoff time.Duration
	// Logger receives structured delivery logs.
	Logger logging.Logger
}

// Dispatcher routes outcomes to the sinks registered for their decision and
// retries failed deliveries. Delivery is at-least-once per registered sink:
// a sink that fails all attempts is reported in the returned error, but the
// remaining sinks are still tried.
type Dispatcher struct {
	routes    map[core.Decision][]Notifier
	broadcast []Notifier
	attempts  int
	backoff   time.Duration
	logger    logging.Logger
}

// NewDispatcher constructs a dispatcher with optional overrides.
func NewDispatcher(optFns ...func(o *DispatcherOptions)) *Dispatcher {
	opts := DispatcherOptions{
		Attempts: DefaultDeliveryAttempts,
		Backoff:  DefaultBackoff,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Dispatcher{
		routes:   make(map[core.Decision][]Notifier),
		attempts: opts.Attempts,
		backoff:  opts.Backoff,
		logger:   opts.Logger,
	}
}

// Route registers sinks for one decision tier. Repeated calls append.
func (d *Dispatcher) Route(decision core.Decision, sinks ...Notifier) *Dispatcher {
	d.routes[decision] = append(d.routes[decision], sinks...)
	return d
}

// Broadcast registers sinks that receive every outcome regardless of
// decision, such as audit logs or the live dashboard feed.
func (d *Dispatcher) Broadcast(sinks ...Notifier) *Dispatcher {
	d.broadcast = append(d.broadcast, sinks...)
	return d
}

// Dispatch delivers one outcome to every matching sink. Sinks that fail all
// attempts are joined into the returned error; DecisionNone outcomes reach
// only the broadcast sinks.
func (d *Dispatcher) Dispatch(ctx context.Context, out core.Outcome) error {
	sinks := append([]Notifier{}, d.broadcast...)
	if out.Decision != core.DecisionNone {
		sinks = append(sinks, d.routes[out.Decision]...)
	}
	if len(sinks) == 0 {
		d.logger.Debug("no sinks for outcome",
			"outcome_id", out.ID,
			"decision", string(out.Decision),
		)
		return nil
	}

	var errs []error
	for _, sink := range sinks {
		if err := d.deliver(ctx, sink, out); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// deliver pushes one outcome into one sink, retrying with doubling backoff.
func (d *Dispatcher) deliver(ctx context.Context, sink Notifier, out core.Outcome) error {
	var lastErr error
	delay := d.backoff
	for attempt := 1; attempt <= d.attempts; attempt++ {
		lastErr = sink.Notify(ctx, out)
		if lastErr == nil {
			if attempt > 1 {
				d.logger.Info("outcome delivered after retry",
					"sink", sink.Name(),
					"outcome_id", out.ID,
					"attempt", attempt,
				)
			}
			return nil
		}

		d.logger.Warn("outcome delivery failed",
			"sink", sink.Name(),
			"outcome_id", out.ID,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == d.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("gave up after %d attempt(s): %w", d.attempts, lastErr)
}
