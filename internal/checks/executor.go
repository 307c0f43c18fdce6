// Package checks runs test suites and turns their output into cases and
// coverage.
//
// Parallel-eligible suites run first, in chunks no larger than the
// concurrency limit, one chunk after another. Sequential suites follow one
// at a time in declaration order. A suite is retried only when the run
// itself broke down (runner error, timeout, or a non-zero exit with no
// parsed cases); a suite that reported failing cases is final.
package checks

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/metrics"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/retry"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

const (
	defaultConcurrency  = 4
	defaultSuiteTimeout = 30 * time.Minute
	defaultOutputLimit  = 64 << 10
)

// errInfrastructure marks a suite run that produced no usable verdict.
var errInfrastructure = errors.New("suite produced no test results")

// Options configures an Executor.
type Options struct {
	Concurrency  int
	SuiteTimeout time.Duration
	Retry        retry.Config
	OutputLimit  int

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// OnSuite is called from the executor's goroutine after every suite.
	OnSuite func(pipeline.SuiteResult)
}

// Executor runs check suites.
type Executor struct {
	runner  shell.Runner
	opts    Options
	retrier *retry.Retrier
	logger  *logging.Logger
	tracer  trace.Tracer
}

// NewExecutor creates an executor on top of runner.
func NewExecutor(runner shell.Runner, opts Options, retryOpts ...retry.Option) *Executor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.SuiteTimeout <= 0 {
		opts.SuiteTimeout = defaultSuiteTimeout
	}
	if opts.OutputLimit <= 0 {
		opts.OutputLimit = defaultOutputLimit
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{
		runner:  runner,
		opts:    opts,
		retrier: retry.New(opts.Retry, retryOpts...),
		logger:  logger.Named("checks"),
		tracer:  otel.Tracer("github.com/fyrsmithlabs/prgate/internal/checks"),
	}
}

// Plan splits suites into parallel chunks and the sequential tail. Each
// chunk and the tail hold indexes into suites.
func Plan(suites []pipeline.CheckSuite, concurrency int) (chunks [][]int, sequential []int) {
	if concurrency <= 0 {
		concurrency = 1
	}
	var parallel []int
	for i, s := range suites {
		if s.Parallel {
			parallel = append(parallel, i)
		} else {
			sequential = append(sequential, i)
		}
	}
	for len(parallel) > 0 {
		n := min(concurrency, len(parallel))
		chunks = append(chunks, parallel[:n])
		parallel = parallel[n:]
	}
	return chunks, sequential
}

// Run executes every suite and returns the summary. Suite results keep
// declaration order.
//
// The error is non-nil for duplicate suite names (before anything runs) or
// when ctx ends mid-run; in the latter case the summary still holds every
// suite that finished.
func (e *Executor) Run(ctx context.Context, env shell.Environment, suites []pipeline.CheckSuite) (*pipeline.CheckSummary, error) {
	seen := make(map[string]bool, len(suites))
	for _, s := range suites {
		if seen[s.Name] {
			return nil, &pipeline.ConfigurationError{Reason: "duplicate check suite", Members: []string{s.Name}}
		}
		seen[s.Name] = true
	}

	ctx, span := e.tracer.Start(ctx, "checks.Run", trace.WithAttributes(attribute.Int("checks.suites", len(suites))))
	defer span.End()

	start := time.Now()
	results := make([]pipeline.SuiteResult, len(suites))
	ran := make([]bool, len(suites))
	finish := func(i int) {
		ran[i] = true
		e.opts.Metrics.ObserveSuite(results[i])
		if e.opts.OnSuite != nil {
			e.opts.OnSuite(results[i])
		}
	}

	chunks, sequential := Plan(suites, e.opts.Concurrency)
	var runErr error

	for _, chunk := range chunks {
		if runErr = ctx.Err(); runErr != nil {
			break
		}
		var g errgroup.Group
		for _, i := range chunk {
			g.Go(func() error {
				results[i] = e.runSuite(ctx, env, suites[i])
				return nil
			})
		}
		_ = g.Wait()
		for _, i := range chunk {
			finish(i)
		}
	}

	for _, i := range sequential {
		if runErr == nil {
			runErr = ctx.Err()
		}
		if runErr != nil {
			break
		}
		results[i] = e.runSuite(ctx, env, suites[i])
		finish(i)
	}

	summary := &pipeline.CheckSummary{Duration: time.Since(start)}
	var snapshots []pipeline.CoverageMetric
	for i, r := range results {
		if !ran[i] {
			continue
		}
		summary.Suites = append(summary.Suites, r)
		summary.Passed += r.Count(pipeline.CasePassed)
		summary.Failed += r.Count(pipeline.CaseFailed)
		summary.Skipped += r.Count(pipeline.CaseSkipped)
		summary.Total += len(r.Cases)
		if r.Coverage != nil {
			snapshots = append(snapshots, *r.Coverage)
		}
	}
	summary.Coverage = pipeline.MergeCoverage(snapshots...)

	if runErr == nil {
		runErr = ctx.Err()
	}
	if runErr != nil {
		span.SetStatus(codes.Error, runErr.Error())
		return summary, fmt.Errorf("checks interrupted: %w", runErr)
	}
	return summary, nil
}

func (e *Executor) runSuite(ctx context.Context, env shell.Environment, suite pipeline.CheckSuite) pipeline.SuiteResult {
	ctx = logging.WithStep(ctx, suite.Name)
	ctx, span := e.tracer.Start(ctx, "checks.suite", trace.WithAttributes(attribute.String("suite.name", suite.Name)))
	defer span.End()

	timeout := suite.Timeout
	if timeout <= 0 {
		timeout = e.opts.SuiteTimeout
	}

	start := time.Now()
	result := pipeline.SuiteResult{Name: suite.Name, Required: suite.Required, Tags: suite.Tags}
	var last shell.Result

	err := e.retrier.DoN(ctx, suite.MaxRetries, func(ctx context.Context, attempt int) error {
		res, runErr := e.runner.Run(ctx, shell.Command{
			EnvironmentID: env.ID,
			Line:          suite.Command,
			Dir:           suite.WorkingDir,
			Timeout:       timeout,
			Env:           suite.Env,
		})
		last = res
		result.Cases = ParseCases(res.Combined)

		a := pipeline.Attempt{Number: attempt + 1, ExitCode: res.ExitCode, Duration: res.Duration}
		attemptErr := runErr
		switch {
		case runErr != nil && pipeline.IsTimeout(runErr):
			a.TimedOut = true
			attemptErr = &pipeline.TimeoutError{Scope: "suite", Name: suite.Name, After: timeout}
		case runErr == nil && res.ExitCode != 0 && len(result.Cases) == 0:
			attemptErr = &pipeline.ExecutionError{Name: suite.Name, ExitCode: res.ExitCode, Err: errInfrastructure}
		}
		if attemptErr != nil {
			a.Error = attemptErr.Error()
		}
		result.Attempts = append(result.Attempts, a)

		if attemptErr == nil {
			return nil
		}
		e.logger.Warn(ctx, "suite attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", suite.MaxRetries+1),
			zap.Error(attemptErr),
		)
		if ctx.Err() != nil {
			return retry.Permanent(attemptErr)
		}
		return attemptErr
	})

	result.Duration = time.Since(start)
	result.ExitCode = last.ExitCode
	result.Retries = max(len(result.Attempts)-1, 0)
	result.Output = tail(last.Combined, e.opts.OutputLimit)
	if n := len(result.Attempts); n > 0 {
		result.TimedOut = result.Attempts[n-1].TimedOut
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Success = err == nil && last.ExitCode == 0 && result.Count(pipeline.CaseFailed) == 0

	if suite.Coverage.Enabled && !result.TimedOut {
		path := suite.Coverage.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(env.Root, suite.WorkingDir, path)
		}
		cov, covErr := ReadCoverage(path, suite.Coverage.Format)
		if covErr != nil {
			e.logger.Warn(ctx, "coverage unavailable", zap.String("path", path), zap.Error(covErr))
		} else {
			result.Coverage = &cov
		}
	}

	if !result.Success {
		span.SetStatus(codes.Error, "suite failed")
	}
	e.logger.Info(ctx, "suite finished",
		zap.Bool("success", result.Success),
		zap.Int("cases", len(result.Cases)),
		zap.Int("failed", result.Count(pipeline.CaseFailed)),
		zap.Duration("duration", result.Duration),
	)
	return result
}

func tail(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
