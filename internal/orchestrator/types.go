package orchestrator

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/prgate/internal/build"
	"github.com/fyrsmithlabs/prgate/internal/checks"
	"github.com/fyrsmithlabs/prgate/internal/definition"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/metrics"
	"github.com/fyrsmithlabs/prgate/internal/monitor"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/redact"
	"github.com/fyrsmithlabs/prgate/internal/retry"
	"github.com/fyrsmithlabs/prgate/internal/review"
	"github.com/fyrsmithlabs/prgate/internal/sandbox"
	"github.com/fyrsmithlabs/prgate/internal/shell"
	"github.com/fyrsmithlabs/prgate/internal/source"
)

const (
	defaultRunTimeout      = time.Hour
	defaultTeardownTimeout = 30 * time.Second
	defaultEventBuffer     = 256
)

// Request is one validation run.
type Request struct {
	// RunID defaults to a random UUID.
	RunID string
	// Repository is the display name stored on the run, such as
	// "owner/name". Defaults to Ref.URL.
	Repository string
	Ref        source.RepositoryRef
	Definition *definition.Definition
	// Env is added to every command of the run.
	Env map[string]string
	// Timeout overrides Options.RunTimeout when positive.
	Timeout time.Duration
}

// Recorder persists finished runs.
type Recorder interface {
	Save(ctx context.Context, run *pipeline.PipelineRun) error
}

// Options wires the collaborators of an Orchestrator. Provisioner, Cloner
// and Runner are required.
type Options struct {
	Provisioner sandbox.Provisioner
	Cloner      source.Cloner
	Runner      shell.Runner
	// Registry is the active environment registry shared with the
	// provisioner and runner. Defaults to a fresh registry.
	Registry *shell.Registry
	// Monitor is optional.
	Monitor monitor.Monitor
	// Review is skipped when neither reviewer is set.
	Review        review.Chain
	ReviewTimeout time.Duration
	// History is optional.
	History Recorder
	// Redactor scrubs event messages and the finished run before it is
	// recorded or returned. Nil disables redaction.
	Redactor *redact.Redactor

	// Build and Checks configure the executors created for every run.
	// Their OnStep and OnSuite hooks are chained after event publishing.
	Build        build.Options
	Checks       checks.Options
	RetryOptions []retry.Option

	RunTimeout      time.Duration
	TeardownTimeout time.Duration
	EventBuffer     int

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

func (o *Options) applyDefaults() {
	if o.Registry == nil {
		o.Registry = shell.NewRegistry()
	}
	if o.RunTimeout <= 0 {
		o.RunTimeout = defaultRunTimeout
	}
	if o.TeardownTimeout <= 0 {
		o.TeardownTimeout = defaultTeardownTimeout
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
	if o.Build.Logger == nil {
		o.Build.Logger = o.Logger
	}
	if o.Build.Metrics == nil {
		o.Build.Metrics = o.Metrics
	}
	if o.Checks.Logger == nil {
		o.Checks.Logger = o.Logger
	}
	if o.Checks.Metrics == nil {
		o.Checks.Metrics = o.Metrics
	}
	if o.Review.Logger == nil {
		o.Review.Logger = o.Logger.Named("review")
	}
}
