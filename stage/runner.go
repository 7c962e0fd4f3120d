package stage

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/logging"
)

// RunnerOptions holds configuration overrides passed to NewRunner().
type RunnerOptions struct {
	// Logger receives structured per-run logs.
	Logger logging.Logger
}

// Runner executes a single stage under a deadline with fault isolation.
// A Runner is stateless and safe for concurrent use; the pipeline shares one
// across all stages.
type Runner struct {
	logger logging.Logger
}

// NewRunner constructs a Runner with optional overrides.
func NewRunner(optFns ...func(o *RunnerOptions)) *Runner {
	opts := RunnerOptions{
		Logger: logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Runner{logger: opts.Logger}
}

// Run executes one stage against the given context window.
//
// The effective deadline is the shorter of the caller's budget and the
// stage's own static bound; zero means no extra bound beyond ctx. On
// overrun the call returns StageFailure{Timeout} and the stage execution is
// abandoned: cancellation is signaled through ctx, but a stage that ignores
// it merely leaks its result into a buffered channel, never into the run.
// Panics and errors surface as StageFailure{Fault}.
func (r *Runner) Run(ctx context.Context, s core.Stage, sc core.StageContext) (*core.StageResult, error) {
	return r.RunWithDeadline(ctx, s, sc, 0)
}

// RunWithDeadline is Run with an explicit deadline budget from the caller.
func (r *Runner) RunWithDeadline(ctx context.Context, s core.Stage, sc core.StageContext, budget time.Duration) (*core.StageResult, error) {
	deadline := effectiveDeadline(budget, s.StaticDeadline())
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	type runResult struct {
		res *core.StageResult
		err error
	}

	// Buffer of one: a stage completing after the deadline parks its result
	// here instead of blocking forever.
	resCh := make(chan runResult, 1)
	start := time.Now()

	go func() {
		var (
			res *core.StageResult
			err error
		)
		func() { // panic safety
			defer func() {
				if rec := recover(); rec != nil {
					err = panicError(rec)
					r.logger.Error("stage panicked", "stage", s.Name(), "recover", rec)
				}
			}()
			res, err = s.Run(ctx, sc)
		}()
		resCh <- runResult{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		elapsed := time.Since(start)
		failure := core.NewStageFailure(s.Name(), core.StageFailureTimeout, ctx.Err(), elapsed)
		r.logger.Warn("stage run abandoned",
			"stage", s.Name(),
			"duration_ms", elapsed.Milliseconds(),
			"error", ctx.Err(),
		)
		return nil, failure

	case out := <-resCh:
		elapsed := time.Since(start)
		if out.err != nil {
			kind := core.StageFailureFault
			if errors.Is(out.err, context.DeadlineExceeded) || errors.Is(out.err, context.Canceled) {
				kind = core.StageFailureTimeout
			}
			failure := core.NewStageFailure(s.Name(), kind, out.err, elapsed)
			r.logger.Warn("stage run failed",
				"stage", s.Name(),
				"kind", string(kind),
				"duration_ms", elapsed.Milliseconds(),
				"error", out.err,
			)
			return nil, failure
		}

		res := out.res
		if res == nil {
			res = &core.StageResult{}
		}
		if res.Stage == "" {
			res.Stage = s.Name()
		}
		res.Elapsed = elapsed

		r.logger.Debug("stage run completed",
			"stage", s.Name(),
			"finding_count", len(res.Findings),
			"duration_ms", elapsed.Milliseconds(),
		)
		return res, nil
	}
}

// effectiveDeadline combines the caller's budget with the stage's static
// bound; the shorter positive one wins.
func effectiveDeadline(budget, static time.Duration) time.Duration {
	switch {
	case budget <= 0:
		return static
	case static <= 0:
		return budget
	case static < budget:
		return static
	default:
		return budget
	}
}

// panicError converts a recovered panic value to an error carrying the
// goroutine stack captured at recovery time.
func panicError(r any) error { return &panicErr{val: r, stack: debug.Stack()} }

type panicErr struct {
	val   any
	stack []byte
}

func (p *panicErr) Error() string { return fmt.Sprintf("panic recovered: %v", p.val) }

// Stack returns the goroutine stack captured at recovery time.
func (p *panicErr) Stack() []byte { return p.stack }
