package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/build"
	"github.com/fyrsmithlabs/prgate/internal/cache"
	"github.com/fyrsmithlabs/prgate/internal/checks"
	"github.com/fyrsmithlabs/prgate/internal/config"
	"github.com/fyrsmithlabs/prgate/internal/dashboard"
	"github.com/fyrsmithlabs/prgate/internal/definition"
	"github.com/fyrsmithlabs/prgate/internal/events"
	"github.com/fyrsmithlabs/prgate/internal/forge"
	"github.com/fyrsmithlabs/prgate/internal/history"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/metrics"
	"github.com/fyrsmithlabs/prgate/internal/monitor"
	"github.com/fyrsmithlabs/prgate/internal/orchestrator"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/report"
	"github.com/fyrsmithlabs/prgate/internal/retry"
	"github.com/fyrsmithlabs/prgate/internal/sandbox"
	"github.com/fyrsmithlabs/prgate/internal/shell"
	"github.com/fyrsmithlabs/prgate/internal/source"
)

const defaultDefinitionPath = ".prgate.yaml"

// runFlags are the flags of the run command.
type runFlags struct {
	definition string
	output     string
	formats    []string
	dashboard  bool
	noCache    bool
	jobs       int
	timeout    time.Duration
}

// target is the parsed positional arguments of run.
type target struct {
	url         string
	repo        forge.Repo
	hasRepo     bool
	branch      string
	pullRequest int
}

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

func newRunCmd(global *globalFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run <repository> <branch> <pr-number>",
		Short: "Run the validation pipeline for a pull request branch",
		Long: `Run provisions an isolated environment, clones the branch and runs the
pipeline described by the definition file. Reports are written to --output.

Repository may be owner/name (cloned from GitHub), a clone URL or a local
path.

Examples:
  # Validate a pull request
  prgate run acme/widgets feature/login 42

  # Watch progress live and only write JUnit
  prgate run acme/widgets feature/login 42 --dashboard --format junit`,
		Args: usageArgs(cobra.ExactArgs(3)),
		RunE: func(cmd *cobra.Command, args []string) error {
			tgt, err := parseTarget(args)
			if err != nil {
				return &usageError{err: err}
			}
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if err := flags.apply(cfg); err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cmd.OutOrStdout(), cfg, flags, tgt)
		},
	}
	cmd.Flags().StringVarP(&flags.definition, "definition", "d", defaultDefinitionPath, "pipeline definition file (yaml, toml or jsonc)")
	cmd.Flags().StringVarP(&flags.output, "output", "o", "", "report directory (default from config)")
	cmd.Flags().StringSliceVarP(&flags.formats, "format", "f", nil, "report formats: junit, json, text, markdown (default from config)")
	cmd.Flags().BoolVar(&flags.dashboard, "dashboard", false, "show a live terminal dashboard")
	cmd.Flags().BoolVar(&flags.noCache, "no-cache", false, "disable the step cache")
	cmd.Flags().IntVarP(&flags.jobs, "jobs", "j", 0, "parallel step workers (default from config)")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", 0, "overall run budget (default from config)")
	return cmd
}

// apply overrides configuration with explicitly set flags.
func (f *runFlags) apply(cfg *config.Config) error {
	if f.jobs < 0 {
		return &usageError{err: fmt.Errorf("--jobs must be >= 0, got %d", f.jobs)}
	}
	if f.jobs > 0 {
		cfg.Runner.Jobs = f.jobs
	}
	if f.timeout < 0 {
		return &usageError{err: fmt.Errorf("--timeout cannot be negative")}
	}
	if f.timeout > 0 {
		cfg.Runner.RunTimeout = config.Duration(f.timeout)
	}
	if f.output != "" {
		cfg.Report.OutputDir = f.output
	}
	if len(f.formats) > 0 {
		for _, s := range f.formats {
			if _, err := report.ParseFormat(s); err != nil {
				return &usageError{err: fmt.Errorf("--format: %w", err)}
			}
		}
		cfg.Report.Formats = f.formats
	}
	return nil
}

// parseTarget validates the positional arguments of run.
func parseTarget(args []string) (target, error) {
	repository := strings.TrimSpace(args[0])
	branch := strings.TrimSpace(args[1])
	if repository == "" {
		return target{}, errors.New("repository is required")
	}
	if branch == "" {
		return target{}, errors.New("branch is required")
	}
	pr, err := strconv.Atoi(args[2])
	if err != nil || pr < 0 {
		return target{}, fmt.Errorf("pr-number must be a non-negative integer, got %q", args[2])
	}

	tgt := target{url: repository, branch: branch, pullRequest: pr}
	if _, statErr := os.Stat(repository); statErr == nil {
		return tgt, nil
	}
	repo, err := forge.ParseRepo(repository)
	if err != nil {
		if strings.Contains(repository, "://") || strings.HasPrefix(repository, "git@") {
			return tgt, nil
		}
		return target{}, err
	}
	tgt.repo = repo
	tgt.hasRepo = true
	if !strings.Contains(repository, "://") && !strings.HasPrefix(repository, "git@") {
		tgt.url = "https://github.com/" + repo.String() + ".git"
	}
	return tgt, nil
}

// runPipeline wires the collaborators, runs one pipeline and reports it.
func runPipeline(parent context.Context, out io.Writer, cfg *config.Config, flags *runFlags, tgt target) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	def, err := definition.Load(flags.definition)
	if err != nil {
		return err
	}

	tel, shutdownTelemetry, err := initTelemetry(ctx, cfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry()

	logCfg := cfg.Logging
	if flags.dashboard && logCfg.File == "" {
		// The dashboard owns the terminal.
		logCfg.Level = "error"
	}
	logger, err := newLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on exit
	}()

	formats, err := reportFormats(cfg.Report.Formats)
	if err != nil {
		return err
	}

	registry := shell.NewRegistry()
	runner := shell.NewLocalRunner(registry)
	m := metrics.NewMetrics()

	store, closeCache, err := openCache(cfg.Cache, flags.noCache)
	if err != nil {
		return err
	}
	defer closeCache()

	chain, err := newReviewChain(cfg.Review, logger.Named("review"))
	if err != nil {
		return &pipeline.ConfigurationError{Reason: err.Error()}
	}
	redactor, err := newRedactor(cfg)
	if err != nil {
		return err
	}

	ref := source.RepositoryRef{
		URL:         tgt.url,
		Branch:      tgt.branch,
		PullRequest: tgt.pullRequest,
		Token:       cfg.GitHub.Token,
	}
	gh := resolvePullRequest(ctx, cfg, logger, tgt, &ref)

	opts := orchestrator.Options{
		Provisioner: sandbox.NewLocalProvisioner(registry,
			sandbox.WithBaseDir(cfg.Workspace.Root),
			sandbox.WithKeep(cfg.Workspace.Keep),
			sandbox.WithLogger(logger),
		),
		Cloner:          source.NewGitCloner(logger),
		Runner:          runner,
		Registry:        registry,
		Review:          chain,
		ReviewTimeout:   cfg.Review.Timeout.Duration(),
		Redactor:        redactor,
		Build:           buildOptions(cfg, store),
		Checks:          checksOptions(cfg),
		RunTimeout:      cfg.Runner.RunTimeout.Duration(),
		TeardownTimeout: cfg.Runner.TeardownTimeout.Duration(),
		EventBuffer:     cfg.Events.Buffer,
		Logger:          logger,
		Metrics:         m,
	}
	if !cfg.Monitor.Disabled {
		monOpts := monitor.OptionsFromConfig(cfg.Monitor)
		monOpts.Logger = logger
		opts.Monitor = monitor.NewSampler(registry, monOpts)
	}
	if !cfg.History.Disabled {
		hist, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn(ctx, "run history unavailable", zap.Error(err))
		} else {
			defer hist.Close()
			opts.History = hist
		}
	}

	orch, err := orchestrator.New(opts)
	if err != nil {
		return err
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	sinks := []events.Sink{events.NewLogSink(logger)}
	if cfg.Events.NATSURL != "" {
		natsSink, err := events.DialNATS(cfg.Events.NATSURL, cfg.Events.Subject)
		if err != nil {
			logger.Warn(ctx, "event publishing disabled", zap.Error(err))
		} else {
			sinks = append(sinks, natsSink)
		}
	}

	var dashDone chan struct{}
	if flags.dashboard {
		program := tea.NewProgram(dashboard.NewModel(), tea.WithContext(runCtx), tea.WithOutput(out))
		sinks = append(sinks, dashboard.NewSink(program))
		dashDone = make(chan struct{})
		go func() {
			defer close(dashDone)
			final, err := program.Run()
			if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				logger.Warn(ctx, "dashboard exited", zap.Error(err))
			}
			if model, ok := final.(dashboard.Model); ok && model.Interrupted() {
				cancelRun()
			}
		}()
	}

	forwarded := make(chan error, 1)
	go func() {
		forwarded <- events.Forward(ctx, orch.Events(), logger, sinks...)
	}()

	run, runErr := orch.Run(runCtx, orchestrator.Request{
		Repository: repositoryName(tgt),
		Ref:        ref,
		Definition: def,
	})
	orch.Close()
	if err := <-forwarded; err != nil {
		logger.Warn(ctx, "closing event sinks", zap.Error(err))
	}
	if dashDone != nil {
		<-dashDone
	}

	if run == nil {
		return runErr
	}
	var cfgErr *pipeline.ConfigurationError
	if errors.As(runErr, &cfgErr) {
		return runErr
	}

	paths, err := report.WriteAll(cfg.Report.OutputDir, formats, run)
	if err != nil {
		logger.Error(ctx, "writing reports", zap.Error(err))
	}
	if gh != nil {
		publishToForge(ctx, gh, cfg, logger, tgt, run)
	}

	if !flags.dashboard {
		_ = report.Text(out, run)
	}
	fmt.Fprintln(out, verdictLine(run))
	for _, p := range paths {
		fmt.Fprintln(out, dimStyle.Render("report: "+p))
	}

	if err != nil {
		return err
	}
	if !run.Success {
		return errVerdictFailed
	}
	return nil
}

func buildOptions(cfg *config.Config, store cache.Store) build.Options {
	return build.Options{
		Jobs:        cfg.Runner.Jobs,
		StepTimeout: cfg.Runner.StepTimeout.Duration(),
		Retry: retry.Config{
			InitialBackoff: cfg.Runner.Retry.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Runner.Retry.MaxBackoff.Duration(),
		},
		Cache: store,
	}
}

func checksOptions(cfg *config.Config) checks.Options {
	return checks.Options{
		Concurrency:  cfg.Checks.Concurrency,
		SuiteTimeout: cfg.Checks.SuiteTimeout.Duration(),
		Retry: retry.Config{
			InitialBackoff: cfg.Runner.Retry.InitialBackoff.Duration(),
			MaxBackoff:     cfg.Runner.Retry.MaxBackoff.Duration(),
		},
	}
}

func reportFormats(names []string) ([]report.Format, error) {
	if len(names) == 0 {
		return report.Formats(), nil
	}
	formats := make([]report.Format, 0, len(names))
	for _, n := range names {
		f, err := report.ParseFormat(n)
		if err != nil {
			return nil, &pipeline.ConfigurationError{Reason: err.Error()}
		}
		formats = append(formats, f)
	}
	return formats, nil
}

func repositoryName(tgt target) string {
	if tgt.hasRepo {
		return tgt.repo.String()
	}
	return tgt.url
}

// resolvePullRequest pins the checkout to the pull request head when a
// GitHub token is configured. Lookup failures only cost the pin.
func resolvePullRequest(ctx context.Context, cfg *config.Config, logger *logging.Logger, tgt target, ref *source.RepositoryRef) *forge.Client {
	if !cfg.GitHub.Token.IsSet() || !tgt.hasRepo {
		return nil
	}
	gh, err := forge.New(ctx, cfg.GitHub, logger)
	if err != nil {
		logger.Warn(ctx, "github integration disabled", zap.Error(err))
		return nil
	}
	if tgt.pullRequest == 0 {
		return gh
	}
	pr, err := gh.PullRequest(ctx, tgt.repo, tgt.pullRequest)
	if err != nil {
		logger.Warn(ctx, "pull request lookup failed", zap.Int("pull_request", tgt.pullRequest), zap.Error(err))
		return gh
	}
	ref.BaseBranch = pr.BaseRef
	if pr.HeadRef == tgt.branch {
		ref.Commit = pr.HeadSHA
	} else {
		logger.Warn(ctx, "branch does not match pull request head",
			zap.String("branch", tgt.branch),
			zap.String("head", pr.HeadRef),
		)
	}
	return gh
}

// publishToForge posts the commit status and the report comment. Failures
// are logged and never change the verdict.
func publishToForge(ctx context.Context, gh *forge.Client, cfg *config.Config, logger *logging.Logger, tgt target, run *pipeline.PipelineRun) {
	if cfg.GitHub.PostStatus && run.Commit != "" {
		if err := gh.ReportRun(ctx, tgt.repo, run, ""); err != nil {
			logger.Warn(ctx, "posting commit status failed", zap.Error(err))
		}
	}
	if tgt.pullRequest == 0 {
		return
	}
	var body bytes.Buffer
	if err := report.Markdown(&body, run); err != nil {
		logger.Warn(ctx, "rendering comment failed", zap.Error(err))
		return
	}
	url, err := gh.UpsertComment(ctx, tgt.repo, tgt.pullRequest, body.String())
	if err != nil {
		logger.Warn(ctx, "posting report comment failed", zap.Error(err))
		return
	}
	logger.Info(ctx, "report comment updated", zap.String("url", url))
}

// verdictLine renders the one-line verdict.
func verdictLine(run *pipeline.PipelineRun) string {
	var b strings.Builder
	if run.Success {
		b.WriteString(passStyle.Render("✓ PASSED"))
	} else {
		b.WriteString(failStyle.Render("✗ FAILED"))
	}
	b.WriteString(" " + run.Repository + "@" + run.Branch)
	if run.Verdict != nil && run.Verdict.CombinedScore != nil {
		score := *run.Verdict.CombinedScore
		b.WriteString(fmt.Sprintf(" score %.1f (%s)", score, report.Rating(score)))
	}
	if run.Verdict != nil && len(run.Verdict.FailedRequired) > 0 {
		b.WriteString(" " + dimStyle.Render("failed: "+strings.Join(run.Verdict.FailedRequired, ", ")))
	}
	b.WriteString(" " + dimStyle.Render(run.Elapsed.Round(time.Millisecond).String()))
	return b.String()
}
