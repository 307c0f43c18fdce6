// Package shell is the single command execution facility used by every
// executor and collaborator.
//
// A command runs against an environment from the Registry: relative working
// directories resolve under the environment root and the environment's
// variables are layered between the process environment and the command's
// own overrides. Each command carries its own timeout; exceeding it kills the
// whole process group and returns a *pipeline.TimeoutError.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// Command describes one invocation.
type Command struct {
	EnvironmentID string
	Line          string
	Dir           string
	Timeout       time.Duration
	Env           map[string]string
}

// Result is the captured outcome of a command that ran to completion.
// A non-zero ExitCode is not an error.
type Result struct {
	Stdout   string
	Stderr   string
	Combined string
	ExitCode int
	Duration time.Duration
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) (Result, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Result, error) {
	return f(ctx, cmd)
}

// LocalRunner runs commands with sh -c on the host.
type LocalRunner struct {
	registry *Registry
	shell    string
	// waitDelay bounds how long Wait blocks on pipes held by orphans
	// after the process group is killed.
	waitDelay time.Duration
}

// NewLocalRunner creates a runner that resolves environments from registry.
// registry may be nil when commands never name an environment.
func NewLocalRunner(registry *Registry) *LocalRunner {
	return &LocalRunner{registry: registry, shell: "sh", waitDelay: 2 * time.Second}
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, c Command) (Result, error) {
	dir, env, err := r.resolve(c)
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	runCtx := ctx
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.shell, "-c", c.Line)
	cmd.Dir = dir
	cmd.Env = env

	var stdout, stderr bytes.Buffer
	combined := &syncBuffer{}
	cmd.Stdout = &teeWriter{own: &stdout, shared: combined}
	cmd.Stderr = &teeWriter{own: &stderr, shared: combined}

	// Own process group so a timeout reaches the shell and its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = r.waitDelay

	start := time.Now()
	runErr := cmd.Run()
	res := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Combined: combined.String(),
		Duration: time.Since(start),
	}

	if runErr == nil {
		return res, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		return res, ctxErr
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.ExitCode = -1
		return res, &pipeline.TimeoutError{Scope: "command", Name: c.Line, After: c.Timeout}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	res.ExitCode = -1
	return res, fmt.Errorf("starting command: %w", runErr)
}

func (r *LocalRunner) resolve(c Command) (string, []string, error) {
	env := os.Environ()
	dir := c.Dir

	if c.EnvironmentID != "" {
		if r.registry == nil {
			return "", nil, fmt.Errorf("environment %s: no registry configured", c.EnvironmentID)
		}
		e, ok := r.registry.Lookup(c.EnvironmentID)
		if !ok {
			return "", nil, fmt.Errorf("environment %s is not active", c.EnvironmentID)
		}
		switch {
		case dir == "":
			dir = e.Root
		case !filepath.IsAbs(dir):
			dir = filepath.Join(e.Root, dir)
		}
		for k, v := range e.Env {
			env = append(env, k+"="+v)
		}
	}

	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	return dir, env, nil
}

// syncBuffer serializes writes from the stdout and stderr copiers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type teeWriter struct {
	own    *bytes.Buffer
	shared *syncBuffer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	w.own.Write(p)
	return w.shared.Write(p)
}
