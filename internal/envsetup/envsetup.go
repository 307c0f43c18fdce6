// Package envsetup prepares a cloned workspace: it runs the setup commands
// and starts the declared services in dependency order, waiting for each to
// report ready before its dependents start.
package envsetup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/prgate/internal/graph"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/retry"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

const (
	defaultCommandTimeout = 10 * time.Minute
	defaultReadyRetries   = 10
	defaultReadyInterval  = time.Second
	defaultProbeTimeout   = 30 * time.Second
)

// Command is one setup command.
type Command struct {
	Name       string            `json:"name"`
	Line       string            `json:"command"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
}

// Service is a background dependency such as a database. Start must return
// once the service is launched; Ready is polled until it exits 0.
type Service struct {
	Name          string        `json:"name"`
	Start         string        `json:"start"`
	Ready         string        `json:"ready,omitempty"`
	Stop          string        `json:"stop,omitempty"`
	DependsOn     []string      `json:"depends_on,omitempty"`
	Parallel      bool          `json:"parallel"`
	ReadyRetries  int           `json:"ready_retries,omitempty"`
	ReadyInterval time.Duration `json:"ready_interval,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}

// ID implements graph.Node.
func (s Service) ID() string { return s.Name }

// Dependencies implements graph.Node.
func (s Service) Dependencies() []string { return s.DependsOn }

// Parallelizable implements graph.Node.
func (s Service) Parallelizable() bool { return s.Parallel }

// Plan is the setup section of a pipeline definition.
type Plan struct {
	Commands []Command `json:"commands,omitempty"`
	Services []Service `json:"services,omitempty"`
}

// Result describes a completed setup.
type Result struct {
	Output   string
	Started  []string
	Duration time.Duration
}

// Setup runs plans and remembers which services it started so Teardown can
// stop them.
type Setup struct {
	runner shell.Runner
	logger *logging.Logger
	tracer trace.Tracer
	sleep  func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	started map[string][]Service
}

// New creates a Setup running commands through runner.
func New(runner shell.Runner, logger *logging.Logger) *Setup {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Setup{
		runner:  runner,
		logger:  logger.Named("envsetup"),
		tracer:  otel.Tracer("github.com/fyrsmithlabs/prgate/internal/envsetup"),
		sleep:   retry.Sleep,
		started: make(map[string][]Service),
	}
}

// Validate resolves the service graph without running anything.
func Validate(plan Plan) error {
	_, err := graph.Resolve(plan.Services)
	return err
}

// Run executes the plan in env. Commands run in order and the first failure
// stops setup. Services then start batch by batch.
func (s *Setup) Run(ctx context.Context, env shell.Environment, plan Plan) (*Result, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "envsetup.run", trace.WithAttributes(
		attribute.Int("setup.commands", len(plan.Commands)),
		attribute.Int("setup.services", len(plan.Services)),
	))
	defer span.End()

	batches, err := graph.Resolve(plan.Services)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	var out strings.Builder
	for _, c := range plan.Commands {
		r, err := s.runCommand(ctx, env, c)
		fmt.Fprintf(&out, "$ %s\n%s", c.Line, r.Combined)
		if err != nil {
			res.Output = out.String()
			res.Duration = time.Since(start)
			span.RecordError(err)
			return res, err
		}
	}

	for _, batch := range batches {
		g, gctx := errgroup.WithContext(ctx)
		for _, svc := range batch.Parallel {
			g.Go(func() error { return s.startService(gctx, env, svc) })
		}
		if err := g.Wait(); err != nil {
			res.Output = out.String()
			res.Started = s.Started(env.ID)
			res.Duration = time.Since(start)
			return res, err
		}
		for _, svc := range batch.Sequential {
			if err := s.startService(ctx, env, svc); err != nil {
				res.Output = out.String()
				res.Started = s.Started(env.ID)
				res.Duration = time.Since(start)
				return res, err
			}
		}
	}

	res.Output = out.String()
	res.Started = s.Started(env.ID)
	res.Duration = time.Since(start)
	s.logger.Info(ctx, "environment set up",
		zap.Int("commands", len(plan.Commands)),
		zap.Strings("services", res.Started),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (s *Setup) runCommand(ctx context.Context, env shell.Environment, c Command) (shell.Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx = logging.WithStep(ctx, c.Name)
	r, err := s.runner.Run(ctx, shell.Command{
		EnvironmentID: env.ID,
		Line:          c.Line,
		Dir:           c.WorkingDir,
		Timeout:       timeout,
		Env:           c.Env,
	})
	if err != nil {
		return r, fmt.Errorf("setup command %s: %w", c.Name, err)
	}
	if r.ExitCode != 0 {
		s.logger.Warn(ctx, "setup command failed", zap.Int("exit_code", r.ExitCode))
		return r, &pipeline.ExecutionError{Name: c.Name, ExitCode: r.ExitCode, Err: errors.New(lastLine(r.Stderr))}
	}
	return r, nil
}

func (s *Setup) startService(ctx context.Context, env shell.Environment, svc Service) error {
	ctx = logging.WithStep(ctx, svc.Name)
	timeout := svc.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	r, err := s.runner.Run(ctx, shell.Command{EnvironmentID: env.ID, Line: svc.Start, Timeout: timeout})
	if err != nil {
		return fmt.Errorf("starting service %s: %w", svc.Name, err)
	}
	if r.ExitCode != 0 {
		return &pipeline.ExecutionError{Name: svc.Name, ExitCode: r.ExitCode, Err: errors.New(lastLine(r.Stderr))}
	}
	s.recordStarted(env.ID, svc)

	if svc.Ready == "" {
		s.logger.Info(ctx, "service started")
		return nil
	}

	retries := svc.ReadyRetries
	if retries <= 0 {
		retries = defaultReadyRetries
	}
	interval := svc.ReadyInterval
	if interval <= 0 {
		interval = defaultReadyInterval
	}
	// Fixed interval between probes.
	probe := retry.New(retry.Config{InitialBackoff: interval, MaxBackoff: interval}, retry.WithSleep(s.sleep))
	err = probe.DoN(ctx, retries, func(ctx context.Context, attempt int) error {
		r, err := s.runner.Run(ctx, shell.Command{EnvironmentID: env.ID, Line: svc.Ready, Timeout: defaultProbeTimeout})
		if err != nil {
			return err
		}
		if r.ExitCode != 0 {
			return fmt.Errorf("readiness probe exited %d", r.ExitCode)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("service %s not ready: %w", svc.Name, err)
	}
	s.logger.Info(ctx, "service ready")
	return nil
}

func (s *Setup) recordStarted(envID string, svc Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started[envID] = append(s.started[envID], svc)
}

// Started returns the services started in an environment, in start order.
func (s *Setup) Started(envID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.started[envID]))
	for _, svc := range s.started[envID] {
		names = append(names, svc.Name)
	}
	return names
}

// Teardown stops the started services of env in reverse start order. Every
// stop command runs even when an earlier one fails.
func (s *Setup) Teardown(ctx context.Context, envID string) error {
	s.mu.Lock()
	services := s.started[envID]
	delete(s.started, envID)
	s.mu.Unlock()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if svc.Stop == "" {
			continue
		}
		r, err := s.runner.Run(ctx, shell.Command{EnvironmentID: envID, Line: svc.Stop, Timeout: defaultProbeTimeout})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("stopping %s: %w", svc.Name, err))
		case r.ExitCode != 0:
			errs = append(errs, fmt.Errorf("stopping %s: exit code %d", svc.Name, r.ExitCode))
		}
	}
	return errors.Join(errs...)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
