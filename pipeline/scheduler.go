package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/healthmesh/core"
	"github.com/hupe1980/healthmesh/logging"
	"github.com/hupe1980/healthmesh/memory"
	"github.com/hupe1980/healthmesh/stage"
)

// DefaultOverallDeadline bounds one full pipeline run.
const DefaultOverallDeadline = 30 * time.Second

// StageSet names the four stages the scheduler composes. Intake is
// mandatory; a nil parallel stage is simply skipped, which keeps partial
// deployments (no generator, no recall index) runnable.
type StageSet struct {
	Intake     core.Stage
	Medication core.Stage
	Vitals     core.Stage
	Advisor    core.Stage
}

func (s StageSet) parallel() []core.Stage {
	var out []core.Stage
	for _, st := range []core.Stage{s.Medication, s.Vitals, s.Advisor} {
		if st != nil {
			out = append(out, st)
		}
	}
	return out
}

// SchedulerOptions holds configuration overrides passed to NewScheduler().
type SchedulerOptions struct {
	// OverallDeadline is the budget for one full run; the parallel stages
	// share what remains of it after intake, split evenly.
	OverallDeadline time.Duration
	// StageDeadlines caps individual stages by name, on top of the even
	// split and each stage's own static bound.
	StageDeadlines map[string]time.Duration
	// Runner executes the stages; a default one is built when nil.
	Runner *stage.Runner
	// Logger receives structured run logs.
	Logger logging.Logger
}

// Scheduler executes the fixed topology for one event-triggered run:
// intake, then the parallel fan-out, then the join. It holds no per-run
// state and is safe for concurrent use across sessions.
type Scheduler struct {
	stages    StageSet
	manager   *memory.Manager
	runner    *stage.Runner
	deadline  time.Duration
	overrides map[string]time.Duration
	logger    logging.Logger
}

// NewScheduler composes the stages over a context manager.
func NewScheduler(manager *memory.Manager, stages StageSet, optFns ...func(o *SchedulerOptions)) *Scheduler {
	opts := SchedulerOptions{
		OverallDeadline: DefaultOverallDeadline,
		Logger:          logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.OverallDeadline <= 0 {
		opts.OverallDeadline = DefaultOverallDeadline
	}
	if opts.Runner == nil {
		opts.Runner = stage.NewRunner(func(o *stage.RunnerOptions) { o.Logger = opts.Logger })
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}

	return &Scheduler{
		stages:    stages,
		manager:   manager,
		runner:    opts.Runner,
		deadline:  opts.OverallDeadline,
		overrides: opts.StageDeadlines,
		logger:    opts.Logger,
	}
}

// Result is the join output of one pipeline run: the unordered union of
// findings from every stage that completed, annotated with the ones that
// did not.
type Result struct {
	SessionID string
	PatientID string
	Findings  []core.Finding
	Notes     map[string]string
	Failures  []*core.StageFailure
	Elapsed   time.Duration
}

// Failed reports whether the named stage failed in this run.
func (r *Result) Failed(stageName string) bool {
	for _, f := range r.Failures {
		if f.Stage == stageName {
			return true
		}
	}
	return false
}

// FailureAnnotations renders one "stage: kind" entry per failed stage, e.g.
// "medication: timeout". Outcomes built from a degraded run carry these so
// the omission is visible downstream.
func (r *Result) FailureAnnotations() []string {
	if len(r.Failures) == 0 {
		return nil
	}
	parts := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		parts[i] = fmt.Sprintf("%s: %s", f.Stage, f.Kind)
	}
	return parts
}

// FailureSummary joins the failure annotations into one log line.
func (r *Result) FailureSummary() string {
	return strings.Join(r.FailureAnnotations(), ", ")
}

// Run executes one full pipeline pass against an already-loaded session.
// Stage failures degrade the result, they never fail the run; the returned
// error is reserved for misuse (nil session, missing intake stage).
func (s *Scheduler) Run(ctx context.Context, sess *core.Session) (*Result, error) {
	if sess == nil {
		return nil, fmt.Errorf("pipeline run requires a session")
	}
	if s.stages.Intake == nil {
		return nil, fmt.Errorf("pipeline run requires an intake stage")
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.deadline)
	defer cancel()

	res := &Result{
		SessionID: sess.ID,
		PatientID: sess.PatientID,
		Notes:     make(map[string]string),
	}

	// Intake runs alone; its findings feed the parallel stages.
	intakeFindings := s.runIntake(ctx, sess, res)

	parallel := s.stages.parallel()
	if len(parallel) > 0 {
		s.fanOut(ctx, sess, parallel, intakeFindings, res)
	}

	res.Elapsed = time.Since(start)
	s.logger.Info("pipeline run finished",
		"session_id", sess.ID,
		"finding_count", len(res.Findings),
		"failed_stages", res.FailureSummary(),
		"duration_ms", res.Elapsed.Milliseconds(),
	)

	return res, nil
}

func (s *Scheduler) runIntake(ctx context.Context, sess *core.Session, res *Result) []core.Finding {
	in := s.stages.Intake
	sc := s.stageContext(sess, in, nil)

	out, err := s.runner.RunWithDeadline(ctx, in, sc, s.budget(in.Name(), 0))
	if err != nil {
		res.Failures = append(res.Failures, asStageFailure(in.Name(), err))
		return nil
	}

	res.Findings = append(res.Findings, out.Findings...)
	if out.Notes != "" {
		res.Notes[in.Name()] = out.Notes
	}
	return out.Findings
}

// fanOut runs the parallel stages concurrently and joins their results.
// Each gets an even share of the remaining overall budget, further capped
// by any configured override; the runner additionally honors each stage's
// static bound.
func (s *Scheduler) fanOut(ctx context.Context, sess *core.Session, stages []core.Stage, intakeFindings []core.Finding, res *Result) {
	share := s.evenShare(ctx, len(stages))

	type stageOutput struct {
		res *core.StageResult
		err error
	}

	outputs := make([]stageOutput, len(stages))
	var wg sync.WaitGroup
	for i, st := range stages {
		wg.Add(1)
		go func(i int, st core.Stage) {
			defer wg.Done()
			sc := s.stageContext(sess, st, intakeFindings)
			out, err := s.runner.RunWithDeadline(ctx, st, sc, s.budget(st.Name(), share))
			outputs[i] = stageOutput{res: out, err: err}
		}(i, st)
	}
	wg.Wait()

	for i, st := range stages {
		out := outputs[i]
		if out.err != nil {
			res.Failures = append(res.Failures, asStageFailure(st.Name(), out.err))
			continue
		}
		res.Findings = append(res.Findings, out.res.Findings...)
		if out.res.Notes != "" {
			res.Notes[st.Name()] = out.res.Notes
		}
	}
}

// stageContext builds the bounded window for one stage, extended with the
// current run's intake findings when present.
func (s *Scheduler) stageContext(sess *core.Session, st core.Stage, intakeFindings []core.Finding) core.StageContext {
	w := s.manager.BuildWindow(sess, st)

	rendered := w.Render()
	if len(intakeFindings) > 0 {
		var b strings.Builder
		b.WriteString(rendered)
		b.WriteString("Intake assessment:\n")
		for _, f := range intakeFindings {
			fmt.Fprintf(&b, "- [%s] %s\n", f.Severity, f.Message)
		}
		rendered = b.String()
	}

	return core.StageContext{
		SessionID: sess.ID,
		PatientID: sess.PatientID,
		Events:    w.Events,
		Findings:  core.CloneFindings(intakeFindings),
		Context:   rendered,
		Profile:   w.Profile,
	}
}

// evenShare splits the remaining overall budget across n stages.
func (s *Scheduler) evenShare(ctx context.Context, n int) time.Duration {
	if n <= 0 {
		return 0
	}
	remaining := s.deadline
	if dl, ok := ctx.Deadline(); ok {
		remaining = time.Until(dl)
	}
	if remaining <= 0 {
		return time.Millisecond
	}
	return remaining / time.Duration(n)
}

func (s *Scheduler) budget(stageName string, share time.Duration) time.Duration {
	budget := share
	if override, ok := s.overrides[stageName]; ok && override > 0 {
		if budget <= 0 || override < budget {
			budget = override
		}
	}
	return budget
}

func asStageFailure(stageName string, err error) *core.StageFailure {
	if sf, ok := core.AsStageFailure(err); ok {
		return sf
	}
	return core.NewStageFailure(stageName, core.StageFailureFault, err, 0)
}
