package shell

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRunner_CapturesOutput(t *testing.T) {
	r := NewLocalRunner(nil)

	res, err := r.Run(context.Background(), Command{Line: "echo out; echo err 1>&2"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Contains(t, res.Combined, "out")
	assert.Contains(t, res.Combined, "err")
}

func TestLocalRunner_NonZeroExitIsNotAnError(t *testing.T) {
	r := NewLocalRunner(nil)

	res, err := r.Run(context.Background(), Command{Line: "exit 3"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestLocalRunner_TimeoutKillsProcessGroup(t *testing.T) {
	r := NewLocalRunner(nil)

	start := time.Now()
	res, err := r.Run(context.Background(), Command{
		Line:    "sleep 5 & sleep 5; wait",
		Timeout: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, pipeline.IsTimeout(err))
	assert.Equal(t, -1, res.ExitCode)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestLocalRunner_ParentCancellation(t *testing.T) {
	r := NewLocalRunner(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := r.Run(ctx, Command{Line: "sleep 5", Timeout: time.Minute})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, pipeline.IsTimeout(err))
}

func TestLocalRunner_ResolvesEnvironment(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))

	reg := NewRegistry()
	reg.Register(Environment{ID: "env-1", Root: root, Env: map[string]string{"STAGE": "ci"}})
	r := NewLocalRunner(reg)

	res, err := r.Run(context.Background(), Command{
		EnvironmentID: "env-1",
		Line:          `printf "%s %s %s" "$PWD" "$STAGE" "$EXTRA"`,
		Dir:           "src",
		Env:           map[string]string{"EXTRA": "x", "STAGE": "override"},
	})
	require.NoError(t, err)

	parts := strings.Fields(res.Stdout)
	require.Len(t, parts, 3)
	resolved, err := filepath.EvalSymlinks(filepath.Join(root, "src"))
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(parts[0])
	require.NoError(t, err)
	assert.Equal(t, resolved, got)
	assert.Equal(t, "override", parts[1])
	assert.Equal(t, "x", parts[2])
}

func TestLocalRunner_UnknownEnvironment(t *testing.T) {
	r := NewLocalRunner(NewRegistry())

	res, err := r.Run(context.Background(), Command{EnvironmentID: "gone", Line: "true"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not active")
	assert.Equal(t, -1, res.ExitCode)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Environment{ID: "b", Root: "/tmp/b"})
	reg.Register(Environment{ID: "a", Root: "/tmp/a"})

	assert.Equal(t, []string{"a", "b"}, reg.Active())
	env, ok := reg.Lookup("a")
	require.True(t, ok)
	assert.False(t, env.CreatedAt.IsZero())

	reg.Release("a")
	reg.Release("missing")
	assert.Equal(t, []string{"b"}, reg.Active())
}

func TestRunnerFunc(t *testing.T) {
	var got Command
	r := RunnerFunc(func(_ context.Context, c Command) (Result, error) {
		got = c
		return Result{Stdout: "ok"}, nil
	})
	res, err := r.Run(context.Background(), Command{Line: "x"})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Stdout)
	assert.Equal(t, "x", got.Line)
}
