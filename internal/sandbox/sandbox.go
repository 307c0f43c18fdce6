// Package sandbox provisions the isolated workspace a run executes in.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

// Request describes the environment wanted for a run.
type Request struct {
	RunID string
	// Env is added to every command run in the environment.
	Env map[string]string
}

// Provisioner creates and destroys execution environments.
type Provisioner interface {
	Create(ctx context.Context, req Request) (shell.Environment, error)
	Destroy(ctx context.Context, id string) error
}

// LocalProvisioner creates a temporary directory per run on the host and
// registers it with the run's registry.
type LocalProvisioner struct {
	baseDir  string
	registry *shell.Registry
	keep     bool
	logger   *logging.Logger

	mu   sync.Mutex
	dirs map[string]string
}

// LocalOption configures a LocalProvisioner.
type LocalOption func(*LocalProvisioner)

// WithBaseDir places workspaces under dir instead of the system temp dir.
func WithBaseDir(dir string) LocalOption {
	return func(p *LocalProvisioner) { p.baseDir = dir }
}

// WithKeep leaves workspaces on disk after Destroy.
func WithKeep(keep bool) LocalOption {
	return func(p *LocalProvisioner) { p.keep = keep }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) LocalOption {
	return func(p *LocalProvisioner) { p.logger = l }
}

// NewLocalProvisioner creates a provisioner registering into registry.
func NewLocalProvisioner(registry *shell.Registry, opts ...LocalOption) *LocalProvisioner {
	p := &LocalProvisioner{
		registry: registry,
		logger:   logging.Nop(),
		dirs:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Named("sandbox")
	return p
}

// Create makes a fresh workspace. The environment root is an empty
// "workspace" directory inside it, ready to be cloned into.
func (p *LocalProvisioner) Create(ctx context.Context, req Request) (shell.Environment, error) {
	if err := ctx.Err(); err != nil {
		return shell.Environment{}, err
	}
	if p.baseDir != "" {
		if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
			return shell.Environment{}, collaboratorErr("create", fmt.Errorf("creating base dir: %w", err))
		}
	}
	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	dir, err := os.MkdirTemp(p.baseDir, "prgate-"+shortID(runID)+"-")
	if err != nil {
		return shell.Environment{}, collaboratorErr("create", fmt.Errorf("creating workspace: %w", err))
	}
	root := filepath.Join(dir, "workspace")
	if err := os.Mkdir(root, 0o755); err != nil {
		_ = os.RemoveAll(dir)
		return shell.Environment{}, collaboratorErr("create", fmt.Errorf("creating workspace: %w", err))
	}

	env := map[string]string{
		"CI":               "true",
		"PRGATE_RUN_ID":    runID,
		"PRGATE_WORKSPACE": root,
	}
	for k, v := range req.Env {
		env[k] = v
	}
	e := shell.Environment{
		ID:        "env-" + uuid.NewString(),
		Root:      root,
		Env:       env,
		CreatedAt: time.Now(),
	}

	p.mu.Lock()
	p.dirs[e.ID] = dir
	p.mu.Unlock()
	if p.registry != nil {
		p.registry.Register(e)
	}
	p.logger.Info(ctx, "environment provisioned", zap.String("environment_id", e.ID), zap.String("root", root))
	return e, nil
}

// Destroy releases the environment and removes its workspace. Destroying an
// unknown or already destroyed environment is a no-op.
func (p *LocalProvisioner) Destroy(ctx context.Context, id string) error {
	p.mu.Lock()
	dir, ok := p.dirs[id]
	delete(p.dirs, id)
	p.mu.Unlock()
	if p.registry != nil {
		p.registry.Release(id)
	}
	if !ok {
		return nil
	}
	if p.keep {
		p.logger.Info(ctx, "environment kept", zap.String("environment_id", id), zap.String("dir", dir))
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return collaboratorErr("destroy", fmt.Errorf("removing %s: %w", dir, err))
	}
	p.logger.Info(ctx, "environment destroyed", zap.String("environment_id", id))
	return nil
}

func collaboratorErr(op string, err error) error {
	return &pipeline.CollaboratorError{Collaborator: "sandbox", Op: op, Err: err}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
