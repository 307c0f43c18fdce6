// Package build runs build steps in dependency order.
//
// Steps are grouped into batches by the graph resolver. Within a batch the
// parallel subset runs on a bounded worker pool and the sequential members
// run one at a time afterwards. A failed step never stops its siblings; only
// steps that depend on it, directly or transitively, are skipped.
package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/prgate/internal/cache"
	"github.com/fyrsmithlabs/prgate/internal/graph"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/metrics"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/retry"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

const (
	defaultJobs        = 4
	defaultStepTimeout = 15 * time.Minute
	defaultOutputLimit = 64 << 10
	cacheExcerptLimit  = 4 << 10
)

// Options configures an Executor.
type Options struct {
	// Jobs bounds the parallel worker pool.
	Jobs int
	// StepTimeout applies to steps without their own timeout.
	StepTimeout time.Duration
	// Retry sets the backoff between attempts. MaxRetries comes from each step.
	Retry retry.Config
	// Cache enables content-addressed caching when non-nil.
	Cache cache.Store
	// OutputLimit caps the output kept on a result.
	OutputLimit int

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// OnStep is called from the executor's goroutine after every result,
	// skipped steps included.
	OnStep func(pipeline.StepResult)
}

// Executor runs step graphs.
type Executor struct {
	runner  shell.Runner
	opts    Options
	retrier *retry.Retrier
	logger  *logging.Logger
	tracer  trace.Tracer
}

// NewExecutor creates an executor on top of runner.
func NewExecutor(runner shell.Runner, opts Options, retryOpts ...retry.Option) *Executor {
	if opts.Jobs <= 0 {
		opts.Jobs = defaultJobs
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = defaultStepTimeout
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = defaultOutputLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	logger = logger.Named("build")

	retryOpts = append([]retry.Option{retry.WithHook(func(attempt int, err error, wait time.Duration) {
		logger.Debug(context.Background(), "backing off before retry",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
		)
	})}, retryOpts...)

	return &Executor{
		runner:  runner,
		opts:    opts,
		retrier: retry.New(opts.Retry, retryOpts...),
		logger:  logger,
		tracer:  otel.Tracer("github.com/fyrsmithlabs/prgate/internal/build"),
	}
}

// Run executes steps against env and returns one result per step, in batch
// order.
//
// The error is non-nil only for an invalid graph (a
// *pipeline.ConfigurationError, returned before anything runs) or when ctx
// ends mid-run. In the latter case the returned results include every step
// that finished plus the unscheduled ones marked as skipped.
func (e *Executor) Run(ctx context.Context, env shell.Environment, steps []pipeline.Step) ([]pipeline.StepResult, error) {
	batches, err := graph.Resolve(steps)
	if err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "build.Run", trace.WithAttributes(
		attribute.Int("build.steps", len(steps)),
		attribute.Int("build.batches", len(batches)),
	))
	defer span.End()

	done := make(map[string]pipeline.StepResult, len(steps))
	// blocked maps each transitive dependent of a failed step to that step.
	blocked := make(map[string]string)
	results := make([]pipeline.StepResult, 0, len(steps))
	record := func(r pipeline.StepResult) {
		done[r.Name] = r
		results = append(results, r)
		if !r.Success && !r.Skipped {
			dependents := graph.Dependents(steps, r.Name)
			for _, d := range dependents {
				if _, ok := blocked[d]; !ok {
					blocked[d] = r.Name
				}
			}
			if len(dependents) > 0 {
				e.logger.Warn(ctx, "dependents of failed step will be skipped",
					zap.String("step", r.Name),
					zap.Strings("dependents", dependents),
				)
			}
		}
		e.opts.Metrics.ObserveStep(r)
		if e.opts.OnStep != nil {
			e.opts.OnStep(r)
		}
	}

	for i, batch := range batches {
		if ctxErr := ctx.Err(); ctxErr != nil {
			for _, rest := range batches[i:] {
				for _, step := range rest.Nodes() {
					record(skipped(step, "not scheduled: "+ctxErr.Error()))
				}
			}
			span.SetStatus(codes.Error, ctxErr.Error())
			return results, fmt.Errorf("build interrupted before batch %d: %w", i, ctxErr)
		}

		e.logger.Debug(ctx, "running batch",
			zap.Int("level", batch.Level),
			zap.Int("parallel", len(batch.Parallel)),
			zap.Int("sequential", len(batch.Sequential)),
		)

		for _, r := range e.runParallel(ctx, env, batch.Parallel, done, blocked) {
			record(r)
		}
		for _, step := range batch.Sequential {
			record(e.runOne(ctx, env, step, done, blocked))
		}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		span.SetStatus(codes.Error, ctxErr.Error())
		return results, fmt.Errorf("build interrupted: %w", ctxErr)
	}
	return results, nil
}

// runParallel runs steps on the worker pool. done and blocked are only read
// here; the steps of one level never depend on each other.
func (e *Executor) runParallel(ctx context.Context, env shell.Environment, steps []pipeline.Step, done map[string]pipeline.StepResult, blocked map[string]string) []pipeline.StepResult {
	out := make([]pipeline.StepResult, len(steps))
	var g errgroup.Group
	g.SetLimit(e.opts.Jobs)
	for i, step := range steps {
		g.Go(func() error {
			out[i] = e.runOne(ctx, env, step, done, blocked)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (e *Executor) runOne(ctx context.Context, env shell.Environment, step pipeline.Step, done map[string]pipeline.StepResult, blocked map[string]string) pipeline.StepResult {
	for _, dep := range step.DependsOn {
		if r, ok := done[dep]; !ok || !r.Success {
			reason := fmt.Sprintf("dependency %q did not succeed", dep)
			if root := blocked[step.Name]; root != "" && root != dep {
				reason += fmt.Sprintf(" (blocked by failed step %q)", root)
			}
			return skipped(step, reason)
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return skipped(step, "not scheduled: "+ctxErr.Error())
	}
	return e.execute(ctx, env, step)
}

func skipped(step pipeline.Step, reason string) pipeline.StepResult {
	return pipeline.StepResult{
		Name:        step.Name,
		Required:    step.Required,
		Skipped:     true,
		CacheStatus: pipeline.CacheNotCached,
		Error:       reason,
	}
}

// execute runs one step: cache lookup, execute with retry, cache write.
func (e *Executor) execute(ctx context.Context, env shell.Environment, step pipeline.Step) pipeline.StepResult {
	ctx = logging.WithStep(ctx, step.Name)
	ctx, span := e.tracer.Start(ctx, "build.step", trace.WithAttributes(
		attribute.String("step.name", step.Name),
		attribute.Int("step.max_retries", step.MaxRetries),
	))
	defer span.End()

	start := time.Now()
	result := pipeline.StepResult{
		Name:        step.Name,
		Required:    step.Required,
		CacheStatus: pipeline.CacheNotCached,
	}

	key := cache.KeyFor(step)
	if e.opts.Cache != nil {
		result.CacheStatus = pipeline.CacheMiss
		entry, ok, err := e.opts.Cache.Get(ctx, key)
		switch {
		case err != nil:
			e.logger.Warn(ctx, "cache lookup failed", zap.Error(err))
		case ok && !e.restorable(ctx, env.Root, step, entry):
			// Fall through and execute as a miss.
		case ok:
			result.CacheStatus = pipeline.CacheHit
			result.Success = true
			result.Output = entry.Output
			result.Artifacts = append([]string(nil), entry.Artifacts...)
			result.Duration = time.Since(start)
			span.SetAttributes(attribute.String("step.cache", string(result.CacheStatus)))
			e.logger.Info(ctx, "step restored from cache", zap.Int("artifacts", len(result.Artifacts)))
			return result
		}
	}
	span.SetAttributes(attribute.String("step.cache", string(result.CacheStatus)))

	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.opts.StepTimeout
	}

	var output string
	err := e.retrier.DoN(ctx, step.MaxRetries, func(ctx context.Context, attempt int) error {
		res, runErr := e.runner.Run(ctx, shell.Command{
			EnvironmentID: env.ID,
			Line:          step.Command,
			Dir:           step.WorkingDir,
			Timeout:       timeout,
			Env:           step.Env,
		})
		output = res.Combined

		a := pipeline.Attempt{Number: attempt + 1, ExitCode: res.ExitCode, Duration: res.Duration}
		attemptErr := runErr
		switch {
		case runErr != nil && pipeline.IsTimeout(runErr):
			a.TimedOut = true
			attemptErr = &pipeline.TimeoutError{Scope: "step", Name: step.Name, After: timeout}
		case runErr == nil && res.ExitCode != 0:
			attemptErr = &pipeline.ExecutionError{Name: step.Name, ExitCode: res.ExitCode, Err: lastLine(res.Stderr)}
		}
		if attemptErr != nil {
			a.Error = attemptErr.Error()
		}
		result.Attempts = append(result.Attempts, a)

		if attemptErr == nil {
			return nil
		}
		e.logger.Warn(ctx, "step attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", step.MaxRetries+1),
			zap.Int("exit_code", res.ExitCode),
			zap.Error(attemptErr),
		)
		if ctx.Err() != nil {
			return retry.Permanent(attemptErr)
		}
		return attemptErr
	})

	result.Duration = time.Since(start)
	result.Retries = len(result.Attempts) - 1
	if result.Retries < 0 {
		result.Retries = 0
	}
	result.Output = tail(output, e.opts.OutputLimit)
	if n := len(result.Attempts); n > 0 {
		result.TimedOut = result.Attempts[n-1].TimedOut
	}

	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		e.logger.Error(ctx, "step failed",
			zap.Int("attempts", len(result.Attempts)),
			zap.Bool("timed_out", result.TimedOut),
			zap.Duration("duration", result.Duration),
		)
		return result
	}

	result.Success = true
	result.Artifacts = collectArtifacts(env.Root, step.WorkingDir, step.Artifacts)

	if e.opts.Cache != nil {
		entry := cache.Entry{
			Key:       key,
			Step:      step.Name,
			Artifacts: result.Artifacts,
			Output:    cache.Excerpt(output, cacheExcerptLimit),
			CreatedAt: time.Now().UTC(),
		}
		if err := e.opts.Cache.Put(ctx, entry); err != nil {
			e.logger.Warn(ctx, "cache write failed", zap.Error(err))
		}
	}

	e.logger.Info(ctx, "step succeeded",
		zap.Int("attempts", len(result.Attempts)),
		zap.Duration("duration", result.Duration),
		zap.Int("artifacts", len(result.Artifacts)),
	)
	return result
}

// restorable reports whether a cached entry still describes env's workspace.
// The key covers only the step identity, so an entry written by another
// workspace is honoured only when every artifact it lists exists under root.
func (e *Executor) restorable(ctx context.Context, root string, step pipeline.Step, entry *cache.Entry) bool {
	if len(step.Artifacts) > 0 && len(entry.Artifacts) == 0 {
		e.logger.Info(ctx, "cache entry has no artifacts, re-running step")
		return false
	}
	if missing := missingArtifact(root, entry.Artifacts); missing != "" {
		e.logger.Info(ctx, "cached artifact missing from workspace, re-running step",
			zap.String("artifact", missing),
		)
		return false
	}
	return true
}

// missingArtifact returns the first artifact not present under root.
func missingArtifact(root string, artifacts []string) string {
	for _, a := range artifacts {
		p := a
		if !filepath.IsAbs(p) && root != "" {
			p = filepath.Join(root, p)
		}
		if _, err := os.Stat(p); err != nil {
			return a
		}
	}
	return ""
}

// collectArtifacts expands declared globs under the step's working
// directory. Paths are returned relative to root when root is set.
func collectArtifacts(root, workDir string, patterns []string) []string {
	if len(patterns) == 0 {
		return nil
	}
	base := workDir
	if root != "" && !filepath.IsAbs(workDir) {
		base = filepath.Join(root, workDir)
	}

	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		if !filepath.IsAbs(p) {
			p = filepath.Join(base, p)
		}
		matches, err := filepath.Glob(p)
		if err != nil {
			continue
		}
		for _, m := range matches {
			if root != "" {
				if rel, err := filepath.Rel(root, m); err == nil && !strings.HasPrefix(rel, "..") {
					m = rel
				}
			}
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	sort.Strings(out)
	return out
}

func lastLine(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return errors.New(s)
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}

// Failed returns the names of steps that ran and failed, in result order.
func Failed(results []pipeline.StepResult) []string {
	var out []string
	for _, r := range results {
		if !r.Success && !r.Skipped {
			out = append(out, r.Name)
		}
	}
	return out
}
