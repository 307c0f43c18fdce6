package build

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/prgate/internal/cache"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/retry"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

// fakeRunner counts invocations per command line and exits 1 for lines in
// fail.
type fakeRunner struct {
	mu    sync.Mutex
	calls map[string]int
	order []string
	fail  map[string]bool
	delay time.Duration
}

func newFakeRunner(fail ...string) *fakeRunner {
	f := &fakeRunner{calls: make(map[string]int), fail: make(map[string]bool)}
	for _, l := range fail {
		f.fail[l] = true
	}
	return f
}

func (f *fakeRunner) Run(ctx context.Context, cmd shell.Command) (shell.Result, error) {
	f.mu.Lock()
	f.calls[cmd.Line]++
	f.order = append(f.order, cmd.Line)
	fail := f.fail[cmd.Line]
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return shell.Result{ExitCode: -1}, ctx.Err()
		}
	}
	if fail {
		return shell.Result{ExitCode: 1, Stderr: "boom\n", Combined: "boom\n"}, nil
	}
	return shell.Result{Combined: cmd.Line + " ok\n"}, nil
}

func (f *fakeRunner) count(line string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[line]
}

func fastRetry() retry.Config {
	return retry.Config{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}
}

func step(name, cmd string, deps ...string) pipeline.Step {
	return pipeline.Step{Name: name, Command: cmd, DependsOn: deps, Required: true}
}

func byName(results []pipeline.StepResult) map[string]pipeline.StepResult {
	out := make(map[string]pipeline.StepResult, len(results))
	for _, r := range results {
		out[r.Name] = r
	}
	return out
}

func TestExecutor_RunsInDependencyOrder(t *testing.T) {
	runner := newFakeRunner()
	exec := NewExecutor(runner, Options{Jobs: 1, Retry: fastRetry()})

	results, err := exec.Run(context.Background(), shell.Environment{ID: "env"}, []pipeline.Step{
		step("package", "make package", "compile"),
		step("compile", "make compile"),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "compile", results[0].Name)
	assert.Equal(t, "package", results[1].Name)
	assert.Equal(t, []string{"make compile", "make package"}, runner.order)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, pipeline.CacheNotCached, r.CacheStatus)
		assert.Len(t, r.Attempts, 1)
	}
}

func TestExecutor_ConfigurationErrorBeforeExecution(t *testing.T) {
	runner := newFakeRunner()
	exec := NewExecutor(runner, Options{Retry: fastRetry()})

	_, err := exec.Run(context.Background(), shell.Environment{}, []pipeline.Step{
		step("a", "a", "b"),
		step("b", "b", "a"),
	})
	require.Error(t, err)
	assert.True(t, pipeline.IsConfiguration(err))
	assert.Empty(t, runner.order)
}

func TestExecutor_RetriesThenFails(t *testing.T) {
	runner := newFakeRunner("make package")
	exec := NewExecutor(runner, Options{Retry: fastRetry()})

	pkg := step("package", "make package", "compile")
	pkg.MaxRetries = 2
	steps := []pipeline.Step{
		step("compile", "make compile"),
		pkg,
		step("publish", "make publish", "package"),
		step("notify", "make notify", "publish"),
		step("lint", "make lint", "compile"),
		step("docs", "make docs"),
	}

	results, err := exec.Run(context.Background(), shell.Environment{}, steps)
	require.NoError(t, err)
	got := byName(results)

	assert.Equal(t, 3, runner.count("make package"))
	assert.False(t, got["package"].Success)
	assert.Equal(t, 2, got["package"].Retries)
	require.Len(t, got["package"].Attempts, 3)
	for i, a := range got["package"].Attempts {
		assert.Equal(t, i+1, a.Number)
		assert.Contains(t, a.Error, "exit code 1")
		assert.Contains(t, a.Error, "boom")
	}

	assert.True(t, got["publish"].Skipped)
	assert.True(t, got["notify"].Skipped)
	assert.Equal(t, `dependency "package" did not succeed`, got["publish"].Error)
	assert.Equal(t, `dependency "publish" did not succeed (blocked by failed step "package")`, got["notify"].Error)
	assert.Zero(t, runner.count("make publish"))
	assert.Zero(t, runner.count("make notify"))

	assert.True(t, got["lint"].Success)
	assert.True(t, got["docs"].Success)
	assert.Equal(t, []string{"package"}, Failed(results))
}

func TestExecutor_CacheHitSkipsRunner(t *testing.T) {
	store := cache.NewMemoryStore()
	steps := []pipeline.Step{step("compile", "make compile"), step("package", "make package", "compile")}

	first := newFakeRunner()
	results, err := NewExecutor(first, Options{Cache: store, Retry: fastRetry()}).Run(context.Background(), shell.Environment{}, steps)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, pipeline.CacheMiss, r.CacheStatus)
	}
	assert.Equal(t, 2, store.Len())

	second := newFakeRunner()
	results, err = NewExecutor(second, Options{Cache: store, Retry: fastRetry()}).Run(context.Background(), shell.Environment{}, steps)
	require.NoError(t, err)
	for _, r := range results {
		assert.Equal(t, pipeline.CacheHit, r.CacheStatus)
		assert.True(t, r.Success)
		assert.Contains(t, r.Output, "ok")
	}
	assert.Empty(t, second.order)
}

func TestExecutor_CacheHitRequiresArtifactsInWorkspace(t *testing.T) {
	store := cache.NewMemoryStore()
	s := step("compile", "make compile")
	s.Artifacts = []string{"bin/app"}

	first := t.TempDir()
	writer := shell.RunnerFunc(func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		require.NoError(t, os.MkdirAll(filepath.Join(first, "bin"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(first, "bin", "app"), []byte("elf"), 0o755))
		return shell.Result{Combined: "built\n"}, nil
	})
	results, err := NewExecutor(writer, Options{Cache: store, Retry: fastRetry()}).
		Run(context.Background(), shell.Environment{Root: first}, []pipeline.Step{s})
	require.NoError(t, err)
	require.True(t, results[0].Success)
	assert.Equal(t, []string{filepath.Join("bin", "app")}, results[0].Artifacts)
	assert.Equal(t, 1, store.Len())

	// Same store, fresh workspace with no bin/app and a failing build.
	second := t.TempDir()
	calls := 0
	broken := shell.RunnerFunc(func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		calls++
		return shell.Result{ExitCode: 2, Combined: "compile error\n"}, nil
	})
	tl := logging.NewTestLogger()
	results, err = NewExecutor(broken, Options{Cache: store, Retry: fastRetry(), Logger: tl.Logger}).
		Run(context.Background(), shell.Environment{Root: second}, []pipeline.Step{s})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, pipeline.CacheMiss, results[0].CacheStatus)
	assert.Empty(t, results[0].Artifacts)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, tl.Count("cached artifact missing from workspace, re-running step"))

	// The original workspace still gets the hit.
	results, err = NewExecutor(broken, Options{Cache: store, Retry: fastRetry()}).
		Run(context.Background(), shell.Environment{Root: first}, []pipeline.Step{s})
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Equal(t, pipeline.CacheHit, results[0].CacheStatus)
	assert.Equal(t, 1, calls)
}

func TestExecutor_FailedStepIsNotCached(t *testing.T) {
	store := cache.NewMemoryStore()
	_, err := NewExecutor(newFakeRunner("make compile"), Options{Cache: store, Retry: fastRetry()}).
		Run(context.Background(), shell.Environment{}, []pipeline.Step{step("compile", "make compile")})
	require.NoError(t, err)
	assert.Zero(t, store.Len())
}

func TestExecutor_ParallelSiblingsRunConcurrently(t *testing.T) {
	runner := newFakeRunner()
	runner.delay = 50 * time.Millisecond

	var steps []pipeline.Step
	for _, n := range []string{"a", "b", "c", "d"} {
		s := step(n, "make "+n)
		s.Parallel = true
		steps = append(steps, s)
	}

	start := time.Now()
	results, err := NewExecutor(runner, Options{Jobs: 4, Retry: fastRetry()}).Run(context.Background(), shell.Environment{}, steps)
	require.NoError(t, err)
	assert.Len(t, results, 4)
	assert.Less(t, time.Since(start), 180*time.Millisecond)

	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, names, "results keep batch order")
}

func TestExecutor_StepTimeout(t *testing.T) {
	runner := shell.RunnerFunc(func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		return shell.Result{ExitCode: -1}, &pipeline.TimeoutError{Scope: "command", Name: cmd.Line, After: cmd.Timeout}
	})
	s := step("slow", "sleep 60")
	s.Timeout = 10 * time.Millisecond

	results, err := NewExecutor(runner, Options{Retry: fastRetry()}).Run(context.Background(), shell.Environment{}, []pipeline.Step{s})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.True(t, results[0].TimedOut)
	assert.Contains(t, results[0].Error, "step slow timed out")
}

func TestExecutor_RunCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runner := shell.RunnerFunc(func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		cancel()
		return shell.Result{ExitCode: -1}, ctx.Err()
	})

	results, err := NewExecutor(runner, Options{Retry: fastRetry()}).Run(ctx, shell.Environment{}, []pipeline.Step{
		step("compile", "make compile"),
		step("package", "make package", "compile"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Len(t, results[0].Attempts, 1, "cancellation is never retried")
	assert.True(t, results[1].Skipped)
}

func TestExecutor_CollectsArtifactsAndLogsAttempts(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "out"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "out", "app.bin"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "out", "app.sha"), []byte("x"), 0o644))

	tl := logging.NewTestLogger()
	calls := 0
	runner := shell.RunnerFunc(func(ctx context.Context, cmd shell.Command) (shell.Result, error) {
		calls++
		if calls == 1 {
			return shell.Result{}, errors.New("spawn failed")
		}
		return shell.Result{}, nil
	})

	s := step("package", "make package")
	s.MaxRetries = 1
	s.Artifacts = []string{"out/*.bin", "out/app.*"}

	var observed []string
	results, err := NewExecutor(runner, Options{Retry: fastRetry(), Logger: tl.Logger, OnStep: func(r pipeline.StepResult) {
		observed = append(observed, r.Name)
	}}).Run(context.Background(), shell.Environment{Root: root}, []pipeline.Step{s})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1, results[0].Retries)
	assert.Equal(t, []string{filepath.Join("out", "app.bin"), filepath.Join("out", "app.sha")}, results[0].Artifacts)
	assert.Equal(t, []string{"package"}, observed)
	assert.Equal(t, 1, tl.Count("step attempt failed"))
}
