package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/aggregate"
	"github.com/fyrsmithlabs/prgate/internal/build"
	"github.com/fyrsmithlabs/prgate/internal/checks"
	"github.com/fyrsmithlabs/prgate/internal/definition"
	"github.com/fyrsmithlabs/prgate/internal/envsetup"
	"github.com/fyrsmithlabs/prgate/internal/events"
	"github.com/fyrsmithlabs/prgate/internal/gates"
	"github.com/fyrsmithlabs/prgate/internal/graph"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/review"
	"github.com/fyrsmithlabs/prgate/internal/sandbox"
	"github.com/fyrsmithlabs/prgate/internal/shell"
	"github.com/fyrsmithlabs/prgate/internal/source"
	"github.com/fyrsmithlabs/prgate/internal/validation"
)

const stageOutputLimit = 4 << 10

var tracer = otel.Tracer("github.com/fyrsmithlabs/prgate/internal/orchestrator")

// Orchestrator runs validation pipelines. Runs on one Orchestrator must not
// overlap; the event channel and monitor are shared between them.
type Orchestrator struct {
	opts   Options
	setup  *envsetup.Setup
	gates  *gates.Evaluator
	logger *logging.Logger

	// mu guards closed and sends on events; the monitor pump can still
	// emit while Close runs.
	mu     sync.Mutex
	closed bool
	events chan events.Event
}

// New creates an orchestrator. A missing required collaborator is a
// ConfigurationError.
func New(opts Options) (*Orchestrator, error) {
	var missing []string
	if opts.Provisioner == nil {
		missing = append(missing, "provisioner")
	}
	if opts.Cloner == nil {
		missing = append(missing, "cloner")
	}
	if opts.Runner == nil {
		missing = append(missing, "runner")
	}
	if len(missing) > 0 {
		return nil, &pipeline.ConfigurationError{Reason: "orchestrator collaborators missing", Members: missing}
	}
	opts.applyDefaults()

	return &Orchestrator{
		opts:   opts,
		setup:  envsetup.New(opts.Runner, opts.Logger),
		gates:  gates.NewEvaluator(opts.Runner, opts.Logger, opts.Metrics),
		logger: opts.Logger.Named("orchestrator"),
		events: make(chan events.Event, opts.EventBuffer),
	}, nil
}

// Events returns the progress channel. It is closed by Close.
func (o *Orchestrator) Events() <-chan events.Event {
	return o.events
}

// Gates returns the gate evaluator so callers can register collectors.
func (o *Orchestrator) Gates() *gates.Evaluator {
	return o.gates
}

// Close closes the event channel. Run must not be called afterwards; events
// emitted after Close are dropped.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.events)
	}
}

// emit publishes ev without blocking. Events are dropped when the buffer is
// full so a slow consumer never stalls a run.
func (o *Orchestrator) emit(ctx context.Context, ev events.Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	ev.Message, _ = o.opts.Redactor.String(ev.Message)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.events <- ev:
	default:
		o.logger.Warn(ctx, "event dropped", zap.String("type", string(ev.Type)))
	}
}

type stageFunc func(ctx context.Context, st *runState) (string, error)

// plannedStage is one entry of the run plan. A critical stage failure skips
// everything after it. A gating stage failure fails the verdict while the
// later stages still run for diagnostics.
type plannedStage struct {
	stage    pipeline.Stage
	run      stageFunc
	critical bool
	gating   bool
}

// errSkipped marks a stage that had nothing to do.
type errSkipped struct{ reason string }

func (e errSkipped) Error() string { return e.reason }

// runState is owned by the goroutine calling Run.
type runState struct {
	run  *pipeline.PipelineRun
	req  Request
	def  *definition.Definition
	plan []plannedStage
	next int

	env         shell.Environment
	provisioned bool
	source      *source.Result
	feed        *monitorFeed

	current pipeline.Stage
	open    int
	// abort labels the reason the run stopped early, such as
	// "stage:clone" or "run:timeout".
	abort string
	// gated lists failed gating stages as "stage:<name>".
	gated []string
}

// Run executes req and returns the finished run. The run is returned on
// every path, including errors.
//
// The error is non-nil when the run stopped early: a ConfigurationError
// before anything executes, the error of a failed provision or clone, a
// TimeoutError when the run budget expires, the context error on
// cancellation, or a recovered stage panic. Failed steps, suites, gates and
// reviews are not errors; they are reflected in run.Verdict.
func (o *Orchestrator) Run(ctx context.Context, req Request) (run *pipeline.PipelineRun, err error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	if req.Repository == "" {
		req.Repository = req.Ref.URL
	}
	run = pipeline.NewPipelineRun(req.RunID, req.Repository, req.Ref.Branch, req.Ref.PullRequest)
	run.Commit = req.Ref.Commit

	ctx = logging.WithRunID(ctx, run.ID)
	ctx, span := tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.repository", run.Repository),
		attribute.String("run.branch", run.Branch),
		attribute.Int("run.pull_request", run.PullRequest),
	))
	defer span.End()

	budget := o.opts.RunTimeout
	if req.Timeout > 0 {
		budget = req.Timeout
	}
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	st := &runState{run: run, req: req, def: req.Definition, open: -1}
	st.plan = []plannedStage{
		{stage: pipeline.StageProvision, run: o.provision, critical: true},
		{stage: pipeline.StageClone, run: o.clone, critical: true},
		{stage: pipeline.StageSetup, run: o.setupEnvironment, gating: true},
		{stage: pipeline.StageBuild, run: o.build},
		{stage: pipeline.StageTest, run: o.test},
		{stage: pipeline.StageQuality, run: o.quality},
		{stage: pipeline.StageValidation, run: o.validate},
		{stage: pipeline.StageReview, run: o.review},
	}

	o.emit(ctx, events.Event{Type: events.RunStarted, RunID: run.ID, Name: run.Repository, Message: run.Branch})
	o.logger.Info(ctx, "run started",
		zap.String("repository", run.Repository),
		zap.String("branch", run.Branch),
		zap.Int("pull_request", run.PullRequest),
		zap.Duration("budget", budget),
	)

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s stage: %v", st.current, p)
			o.logger.Error(ctx, "stage panicked",
				zap.String("stage", string(st.current)),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			if st.open >= 0 {
				o.closeStage(ctx, st, "", err)
			} else {
				run.Fail(err)
			}
			st.abort = "stage:" + string(st.current)
			o.skipRemaining(ctx, st, err.Error())
		}
		o.teardown(ctx, st)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		o.finish(ctx, st, err)
	}()

	if cfgErr := preflight(req); cfgErr != nil {
		o.logger.Error(ctx, "invalid run request", zap.Error(cfgErr))
		run.Fail(cfgErr)
		st.abort = "run:configuration"
		o.skipRemaining(ctx, st, cfgErr.Error())
		return run, cfgErr
	}

	for st.next < len(st.plan) {
		ps := st.plan[st.next]
		if ctxErr := runCtx.Err(); ctxErr != nil {
			err = o.interrupted(st, ctxErr, budget)
			run.Fail(err)
			o.skipRemaining(ctx, st, err.Error())
			return run, err
		}
		st.next++
		stageErr := o.runStage(runCtx, st, ps)
		if stageErr != nil && ps.gating {
			st.gated = append(st.gated, "stage:"+string(ps.stage))
		}
		if stageErr != nil && ps.critical {
			err = stageErr
			st.abort = "stage:" + string(ps.stage)
			if ctxErr := runCtx.Err(); ctxErr != nil {
				err = o.interrupted(st, ctxErr, budget)
				run.Fail(err)
			}
			o.skipRemaining(ctx, st, fmt.Sprintf("%s failed", ps.stage))
			return run, err
		}
	}

	if ctxErr := runCtx.Err(); ctxErr != nil {
		err = o.interrupted(st, ctxErr, budget)
		run.Fail(err)
	}
	return run, err
}

// interrupted converts the run context error into the error Run returns.
func (o *Orchestrator) interrupted(st *runState, ctxErr error, budget time.Duration) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		st.abort = "run:timeout"
		return &pipeline.TimeoutError{Scope: "run", Name: st.run.ID, After: budget}
	}
	st.abort = "run:cancelled"
	return fmt.Errorf("run cancelled: %w", ctxErr)
}

func preflight(req Request) error {
	def := req.Definition
	if def == nil {
		return &pipeline.ConfigurationError{Reason: "no pipeline definition"}
	}
	if req.Ref.URL == "" || req.Ref.Branch == "" {
		return &pipeline.ConfigurationError{Reason: "repository url and branch are required"}
	}
	if _, err := graph.Resolve(def.Steps); err != nil {
		return err
	}
	if err := envsetup.Validate(def.Setup); err != nil {
		return err
	}
	seen := make(map[string]bool, len(def.Suites))
	for _, s := range def.Suites {
		if seen[s.Name] {
			return &pipeline.ConfigurationError{Reason: "duplicate check suite", Members: []string{s.Name}}
		}
		seen[s.Name] = true
	}
	return nil
}

// runStage records one stage around fn.
func (o *Orchestrator) runStage(ctx context.Context, st *runState, ps plannedStage) error {
	ctx = logging.WithStage(ctx, string(ps.stage))
	ctx, span := tracer.Start(ctx, "stage."+string(ps.stage))
	defer span.End()

	o.openStage(ctx, st, ps.stage)
	output, err := ps.run(ctx, st)
	st.drainMonitor()
	o.closeStage(ctx, st, output, err)

	var skip errSkipped
	if err != nil && !errors.As(err, &skip) {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
		return err
	}
	return nil
}

func (o *Orchestrator) openStage(ctx context.Context, st *runState, stage pipeline.Stage) {
	st.current = stage
	st.open = len(st.run.Stages)
	st.run.Stages = append(st.run.Stages, pipeline.StageResult{
		Stage:     stage,
		Status:    pipeline.StatusInProgress,
		StartedAt: time.Now(),
	})
	o.emit(ctx, events.Event{Type: events.StageStarted, RunID: st.run.ID, Stage: stage, Status: string(pipeline.StatusInProgress)})
}

func (o *Orchestrator) closeStage(ctx context.Context, st *runState, output string, err error) {
	r := &st.run.Stages[st.open]
	st.open = -1
	r.CompletedAt = time.Now()
	r.Output = tail(output, stageOutputLimit)

	var skip errSkipped
	switch {
	case errors.As(err, &skip):
		r.Status = pipeline.StatusSkipped
		r.Success = true
		r.Output = skip.reason
		st.run.Log(r.Stage, "info", fmt.Sprintf("%s skipped: %s", r.Stage, skip.reason))
	case err != nil:
		r.Status = pipeline.StatusFailed
		r.Error = err.Error()
		st.run.Fail(fmt.Errorf("%s: %w", r.Stage, err))
		st.run.Log(r.Stage, "error", fmt.Sprintf("%s failed: %v", r.Stage, err))
	default:
		r.Status = pipeline.StatusCompleted
		r.Success = true
		st.run.Log(r.Stage, "info", fmt.Sprintf("%s: %s", r.Stage, r.Stage.State()))
	}

	o.opts.Metrics.ObserveStage(*r)
	o.emit(ctx, events.Event{
		Type:    events.StageFinished,
		RunID:   st.run.ID,
		Stage:   r.Stage,
		Status:  string(r.Status),
		Success: r.Success,
		Message: r.Error,
		Values:  map[string]float64{"duration_seconds": r.Duration().Seconds()},
	})
	o.logger.Info(ctx, "stage finished",
		zap.String("stage", string(r.Stage)),
		zap.String("status", string(r.Status)),
		zap.Duration("duration", r.Duration()),
	)
}

// skipRemaining records every stage not yet started as skipped.
func (o *Orchestrator) skipRemaining(ctx context.Context, st *runState, reason string) {
	now := time.Now()
	for _, ps := range st.plan[st.next:] {
		r := pipeline.StageResult{
			Stage:       ps.stage,
			Status:      pipeline.StatusSkipped,
			StartedAt:   now,
			CompletedAt: now,
			Output:      reason,
		}
		st.run.Stages = append(st.run.Stages, r)
		o.emit(ctx, events.Event{Type: events.StageFinished, RunID: st.run.ID, Stage: ps.stage, Status: string(r.Status), Message: reason})
	}
	st.next = len(st.plan)
}

func (o *Orchestrator) provision(ctx context.Context, st *runState) (string, error) {
	env, err := o.opts.Provisioner.Create(ctx, sandbox.Request{RunID: st.run.ID, Env: st.req.Env})
	if err != nil {
		return "", err
	}
	st.env = env
	st.provisioned = true
	st.run.EnvironmentID = env.ID
	if _, ok := o.opts.Registry.Lookup(env.ID); !ok {
		o.opts.Registry.Register(env)
	}
	o.startMonitor(ctx, st)
	return fmt.Sprintf("environment %s at %s", env.ID, env.Root), nil
}

func (o *Orchestrator) clone(ctx context.Context, st *runState) (string, error) {
	res, err := o.opts.Cloner.CloneBranch(ctx, st.env, st.req.Ref, "")
	if err != nil {
		return "", err
	}
	if res == nil || !res.Success {
		return "", &pipeline.CollaboratorError{Collaborator: "source", Op: "clone", Err: errors.New("clone reported failure")}
	}
	for _, msg := range res.Errors {
		st.run.Log(pipeline.StageClone, "warn", msg)
	}
	st.source = res
	if res.Commit != "" {
		st.run.Commit = res.Commit
	}
	st.run.Artifacts = append(st.run.Artifacts, res.Artifacts...)
	return fmt.Sprintf("checked out %s, %d changed file(s)", shortSHA(res.Commit), len(res.ChangedFiles)), nil
}

func (o *Orchestrator) setupEnvironment(ctx context.Context, st *runState) (string, error) {
	plan := st.def.Setup
	if len(plan.Commands) == 0 && len(plan.Services) == 0 {
		return "", errSkipped{reason: "no setup commands or services"}
	}
	res, err := o.setup.Run(ctx, st.env, plan)
	if res == nil {
		return "", err
	}
	return res.Output, err
}

func (o *Orchestrator) build(ctx context.Context, st *runState) (string, error) {
	if len(st.def.Steps) == 0 {
		return "", errSkipped{reason: "no build steps"}
	}
	opts := o.opts.Build
	hook := opts.OnStep
	opts.OnStep = func(r pipeline.StepResult) {
		o.emit(ctx, stepEvent(st.run.ID, r))
		if hook != nil {
			hook(r)
		}
	}

	results, err := build.NewExecutor(o.opts.Runner, opts, o.opts.RetryOptions...).Run(ctx, st.env, st.def.Steps)
	st.run.Steps = results
	if err != nil {
		return "", err
	}
	if failed := build.Failed(results); len(failed) > 0 {
		return "", fmt.Errorf("%d step(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return fmt.Sprintf("%d step(s) succeeded", len(results)), nil
}

func (o *Orchestrator) test(ctx context.Context, st *runState) (string, error) {
	if len(st.def.Suites) == 0 {
		return "", errSkipped{reason: "no check suites"}
	}
	opts := o.opts.Checks
	hook := opts.OnSuite
	opts.OnSuite = func(r pipeline.SuiteResult) {
		o.emit(ctx, suiteEvent(st.run.ID, r))
		if hook != nil {
			hook(r)
		}
	}

	summary, err := checks.NewExecutor(o.opts.Runner, opts, o.opts.RetryOptions...).Run(ctx, st.env, st.def.Suites)
	st.run.Checks = summary
	if err != nil {
		return "", err
	}
	output := fmt.Sprintf("%d case(s): %d passed, %d failed, %d skipped",
		summary.Total, summary.Passed, summary.Failed, summary.Skipped)
	var failed []string
	for _, s := range summary.Suites {
		if !s.Success {
			failed = append(failed, s.Name)
		}
	}
	if len(failed) > 0 {
		return output, fmt.Errorf("%d suite(s) failed: %s", len(failed), strings.Join(failed, ", "))
	}
	return output, nil
}

func (o *Orchestrator) quality(ctx context.Context, st *runState) (string, error) {
	if len(st.def.Gates) == 0 {
		return "", errSkipped{reason: "no quality gates"}
	}
	results := o.gates.Evaluate(ctx, st.env, st.def.Gates, st.run.Checks)
	st.run.Gates = results
	for _, g := range results {
		o.emit(ctx, gateEvent(st.run.ID, g))
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	passed := 0
	for _, g := range results {
		if g.Success {
			passed++
		}
	}
	output := fmt.Sprintf("%d of %d gate(s) passed", passed, len(results))
	if failed := aggregate.RequiredGateFailures(results); len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for _, g := range failed {
			names = append(names, g.Name)
		}
		return output, fmt.Errorf("required gate(s) failed: %s", strings.Join(names, ", "))
	}
	return output, nil
}

func (o *Orchestrator) validate(ctx context.Context, st *runState) (string, error) {
	var changed []string
	if st.source != nil {
		changed = st.source.ChangedFiles
	}
	opts := st.def.Validation
	if opts.Logger == nil {
		opts.Logger = o.opts.Logger
	}

	res, err := validation.NewValidator(o.opts.Runner, opts).Validate(ctx, st.env, changed)
	st.run.Validation = res
	if err != nil {
		return "", err
	}
	output := fmt.Sprintf("%d file(s) checked, %d excluded, %d issue(s), score %.0f",
		len(changed)-len(res.Excluded), len(res.Excluded), len(res.Issues), res.Score)
	if !res.Valid {
		return output, fmt.Errorf("%d error issue(s)", res.Summary[pipeline.SeverityError])
	}
	return output, nil
}

func (o *Orchestrator) review(ctx context.Context, st *runState) (string, error) {
	chain := o.opts.Review
	if chain.Primary == nil && chain.Fallback == nil {
		return "", errSkipped{reason: "no reviewer configured"}
	}
	if o.opts.ReviewTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.opts.ReviewTimeout)
		defer cancel()
	}

	run := st.run
	req := review.Request{
		Repository:  run.Repository,
		Branch:      run.Branch,
		PullRequest: run.PullRequest,
		Commit:      run.Commit,
		Steps:       run.Steps,
		Checks:      run.Checks,
		Gates:       run.Gates,
		Validation:  run.Validation,
	}
	if st.source != nil {
		req.ChangedFiles = st.source.ChangedFiles
		req.Diff = st.source.Diff
	}

	res, err := chain.Review(ctx, req)
	run.Review = res
	if err != nil {
		return "", err
	}
	output := fmt.Sprintf("reviewed by %s, score %.0f, %d finding(s)", res.Reviewer, res.Score, len(res.Findings))
	if res.Fallback {
		output += " (fallback)"
	}
	return output, nil
}

// finish computes the verdict, records the run and announces it.
func (o *Orchestrator) finish(ctx context.Context, st *runState, runErr error) {
	run := st.run
	v := aggregate.Aggregate(aggregate.FromRun(run))
	if len(st.gated) > 0 {
		v.Success = false
		v.FailedRequired = append(v.FailedRequired, st.gated...)
	}
	if runErr != nil {
		v.Success = false
		if st.abort != "" {
			v.FailedRequired = append(v.FailedRequired, st.abort)
		}
	}
	run.Verdict = &v
	run.Success = v.Success
	run.Finish()
	o.opts.Metrics.ObserveRun(run)
	if n := o.opts.Redactor.Run(run); n > 0 {
		o.logger.Info(ctx, "redacted credentials from run output", zap.Int("count", n))
	}

	if o.opts.History != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.opts.TeardownTimeout)
		if err := o.opts.History.Save(saveCtx, run); err != nil {
			o.logger.Warn(ctx, "failed to record run history", zap.Error(err))
		}
		cancel()
	}

	values := map[string]float64{"elapsed_seconds": run.Elapsed.Seconds()}
	if v.CombinedScore != nil {
		values["combined_score"] = *v.CombinedScore
	}
	status := "passed"
	if !run.Success {
		status = "failed"
	}
	o.emit(ctx, events.Event{
		Type:    events.RunFinished,
		RunID:   run.ID,
		Name:    run.Repository,
		Status:  status,
		Success: run.Success,
		Message: strings.Join(v.FailedRequired, ", "),
		Values:  values,
	})
	o.logger.Info(ctx, "run finished",
		zap.Bool("success", run.Success),
		zap.Strings("failed_required", v.FailedRequired),
		zap.Strings("failed_optional", v.FailedOptional),
		zap.Duration("elapsed", run.Elapsed),
	)
}

func stepEvent(runID string, r pipeline.StepResult) events.Event {
	status := outcome(r.Success)
	switch {
	case r.Skipped:
		status = "skipped"
	case r.CacheStatus == pipeline.CacheHit:
		status = "cached"
	}
	return events.Event{
		Type:    events.StepFinished,
		RunID:   runID,
		Stage:   pipeline.StageBuild,
		Name:    r.Name,
		Status:  status,
		Success: r.Success,
		Message: r.Error,
		Values: map[string]float64{
			"duration_seconds": r.Duration.Seconds(),
			"retries":          float64(r.Retries),
		},
	}
}

func suiteEvent(runID string, r pipeline.SuiteResult) events.Event {
	values := map[string]float64{
		"duration_seconds": r.Duration.Seconds(),
		"cases":            float64(len(r.Cases)),
		"failed":           float64(r.Count(pipeline.CaseFailed)),
	}
	if r.Coverage != nil && r.Coverage.Lines.Total > 0 {
		values["coverage_lines"] = r.Coverage.Lines.Percent()
	}
	return events.Event{
		Type:    events.SuiteFinished,
		RunID:   runID,
		Stage:   pipeline.StageTest,
		Name:    r.Name,
		Status:  outcome(r.Success),
		Success: r.Success,
		Message: r.Error,
		Values:  values,
	}
}

func gateEvent(runID string, g pipeline.GateResult) events.Event {
	return events.Event{
		Type:    events.GateEvaluated,
		RunID:   runID,
		Stage:   pipeline.StageQuality,
		Name:    g.Name,
		Status:  outcome(g.Success),
		Success: g.Success,
		Message: g.Error,
		Values: map[string]float64{
			"measured":  g.Measured,
			"threshold": g.Threshold,
		},
	}
}

func outcome(success bool) string {
	if success {
		return "passed"
	}
	return "failed"
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	if sha == "" {
		return "HEAD"
	}
	return sha
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
