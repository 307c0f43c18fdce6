// Package config provides configuration loading for prgate.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then PRGATE_* environment variables. Pipeline content (steps, suites,
// gates) is not configuration; it lives in a definition file loaded by
// package definition.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Config holds the complete prgate configuration.
type Config struct {
	Runner    RunnerConfig    `koanf:"runner"`
	Cache     CacheConfig     `koanf:"cache"`
	Checks    ChecksConfig    `koanf:"checks"`
	Report    ReportConfig    `koanf:"report"`
	Review    ReviewConfig    `koanf:"review"`
	GitHub    GitHubConfig    `koanf:"github"`
	Events    EventsConfig    `koanf:"events"`
	History   HistoryConfig   `koanf:"history"`
	Server    ServerConfig    `koanf:"server"`
	Monitor   MonitorConfig   `koanf:"monitor"`
	Workspace WorkspaceConfig `koanf:"workspace"`
	Redaction RedactionConfig `koanf:"redaction"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// RunnerConfig controls step scheduling.
type RunnerConfig struct {
	Jobs            int         `koanf:"jobs"`
	RunTimeout      Duration    `koanf:"run_timeout"`
	StepTimeout     Duration    `koanf:"step_timeout"`
	TeardownTimeout Duration    `koanf:"teardown_timeout"`
	Retry           RetryConfig `koanf:"retry"`
}

// RetryConfig configures exponential backoff between attempts.
type RetryConfig struct {
	InitialBackoff Duration `koanf:"initial_backoff"`
	MaxBackoff     Duration `koanf:"max_backoff"`
}

// CacheConfig selects the step cache backend.
type CacheConfig struct {
	// Backend is "memory", "sqlite" or "none".
	Backend string `koanf:"backend"`
	Path    string `koanf:"path"`
}

// ChecksConfig controls the check suite executor.
type ChecksConfig struct {
	Concurrency  int      `koanf:"concurrency"`
	SuiteTimeout Duration `koanf:"suite_timeout"`
}

// ReportConfig controls report output.
type ReportConfig struct {
	OutputDir string   `koanf:"output_dir"`
	Formats   []string `koanf:"formats"`
}

// ReviewConfig configures the review collaborators.
type ReviewConfig struct {
	Disabled bool           `koanf:"disabled"`
	Timeout  Duration       `koanf:"timeout"`
	Primary  ProviderConfig `koanf:"primary"`
	Fallback ProviderConfig `koanf:"fallback"`
}

// ProviderConfig configures one review provider.
type ProviderConfig struct {
	Model      string  `koanf:"model"`
	BaseURL    string  `koanf:"base_url"`
	APIKey     Secret  `koanf:"api_key"`
	RateLimit  float64 `koanf:"rate_limit"`
	MaxRetries int     `koanf:"max_retries"`
}

// GitHubConfig configures the code host integration.
type GitHubConfig struct {
	Token         Secret `koanf:"token"`
	APIURL        string `koanf:"api_url"`
	PostStatus    bool   `koanf:"post_status"`
	StatusContext string `koanf:"status_context"`
}

// EventsConfig configures stage event publishing.
type EventsConfig struct {
	NATSURL string `koanf:"nats_url"`
	Subject string `koanf:"subject"`
	Buffer  int    `koanf:"buffer"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Path     string `koanf:"path"`
	Disabled bool   `koanf:"disabled"`
}

// ServerConfig configures the history API server.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// MonitorConfig configures the resource monitor.
type MonitorConfig struct {
	Disabled      bool              `koanf:"disabled"`
	Interval      Duration          `koanf:"interval"`
	DiskLimitMB   int64             `koanf:"disk_limit_mb"`
	MemoryLimitMB int64             `koanf:"memory_limit_mb"`
	PrometheusURL string            `koanf:"prometheus_url"`
	Queries       map[string]string `koanf:"queries"`
}

// WorkspaceConfig controls where environments are created.
type WorkspaceConfig struct {
	Root string `koanf:"root"`
	Keep bool   `koanf:"keep"`
}

// RedactionConfig controls secret redaction of recorded command output.
// Patterns are extra regular expressions added to the built-in rules.
type RedactionConfig struct {
	Disabled    bool     `koanf:"disabled"`
	Replacement string   `koanf:"replacement"`
	Patterns    []string `koanf:"patterns"`
	AllowList   []string `koanf:"allow_list"`
}

// LoggingConfig is the file/env view of logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

// TelemetryConfig is the file/env view of tracing settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"`
	Insecure    bool    `koanf:"insecure"`
	SampleRate  float64 `koanf:"sample_rate"`
	ServiceName string  `koanf:"service_name"`
}

var (
	validCacheBackends = map[string]bool{"memory": true, "sqlite": true, "none": true}
	validFormats       = map[string]bool{"junit": true, "json": true, "text": true, "markdown": true}
)

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Runner.Jobs < 1 {
		errs = append(errs, fmt.Errorf("runner.jobs must be >= 1, got %d", c.Runner.Jobs))
	}
	if c.Runner.RunTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("runner.run_timeout must be positive"))
	}
	if c.Runner.Retry.MaxBackoff < c.Runner.Retry.InitialBackoff {
		errs = append(errs, errors.New("runner.retry.max_backoff must be >= initial_backoff"))
	}
	if !validCacheBackends[c.Cache.Backend] {
		errs = append(errs, fmt.Errorf("cache.backend must be memory, sqlite or none, got %q", c.Cache.Backend))
	}
	if c.Cache.Backend == "sqlite" && c.Cache.Path == "" {
		errs = append(errs, errors.New("cache.path is required for the sqlite backend"))
	}
	if c.Checks.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("checks.concurrency must be >= 1, got %d", c.Checks.Concurrency))
	}
	for _, f := range c.Report.Formats {
		if !validFormats[strings.ToLower(f)] {
			errs = append(errs, fmt.Errorf("report.formats: unknown format %q", f))
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	for i, p := range c.Redaction.Patterns {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("redaction.patterns[%d]: %w", i, err))
		}
	}
	for i, p := range c.Redaction.AllowList {
		if _, err := regexp.Compile(p); err != nil {
			errs = append(errs, fmt.Errorf("redaction.allow_list[%d]: %w", i, err))
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be between 0 and 1, got %f", c.Telemetry.SampleRate))
	}

	return errors.Join(errs...)
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Runner.Jobs == 0 {
		cfg.Runner.Jobs = 4
	}
	if cfg.Runner.RunTimeout == 0 {
		cfg.Runner.RunTimeout = Duration(60 * time.Minute)
	}
	if cfg.Runner.StepTimeout == 0 {
		cfg.Runner.StepTimeout = Duration(15 * time.Minute)
	}
	if cfg.Runner.TeardownTimeout == 0 {
		cfg.Runner.TeardownTimeout = Duration(2 * time.Minute)
	}
	if cfg.Runner.Retry.InitialBackoff == 0 {
		cfg.Runner.Retry.InitialBackoff = Duration(time.Second)
	}
	if cfg.Runner.Retry.MaxBackoff == 0 {
		cfg.Runner.Retry.MaxBackoff = Duration(30 * time.Second)
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "sqlite"
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = defaultDataPath("cache.db")
	}

	if cfg.Checks.Concurrency == 0 {
		cfg.Checks.Concurrency = cfg.Runner.Jobs
	}
	if cfg.Checks.SuiteTimeout == 0 {
		cfg.Checks.SuiteTimeout = Duration(30 * time.Minute)
	}

	if cfg.Report.OutputDir == "" {
		cfg.Report.OutputDir = "prgate-reports"
	}
	if len(cfg.Report.Formats) == 0 {
		cfg.Report.Formats = []string{"junit", "json", "text", "markdown"}
	}

	if cfg.Review.Timeout == 0 {
		cfg.Review.Timeout = Duration(3 * time.Minute)
	}
	if cfg.Review.Primary.Model == "" {
		cfg.Review.Primary.Model = "gpt-4o-mini"
	}
	if !cfg.Review.Primary.APIKey.IsSet() {
		cfg.Review.Primary.APIKey = Secret(getEnv("OPENAI_API_KEY"))
	}
	if cfg.Review.Fallback.Model == "" {
		cfg.Review.Fallback.Model = "claude-3-5-haiku-latest"
	}
	if cfg.Review.Fallback.BaseURL == "" {
		cfg.Review.Fallback.BaseURL = "https://api.anthropic.com"
	}
	if !cfg.Review.Fallback.APIKey.IsSet() {
		cfg.Review.Fallback.APIKey = Secret(getEnv("ANTHROPIC_API_KEY"))
	}
	if cfg.Review.Fallback.RateLimit == 0 {
		cfg.Review.Fallback.RateLimit = 1
	}
	if cfg.Review.Fallback.MaxRetries == 0 {
		cfg.Review.Fallback.MaxRetries = 3
	}

	if !cfg.GitHub.Token.IsSet() {
		cfg.GitHub.Token = Secret(getEnv("GITHUB_TOKEN"))
	}
	if cfg.GitHub.StatusContext == "" {
		cfg.GitHub.StatusContext = "prgate"
	}

	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "prgate.runs"
	}
	if cfg.Events.Buffer == 0 {
		cfg.Events.Buffer = 64
	}

	if cfg.History.Path == "" {
		cfg.History.Path = defaultDataPath("history.db")
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Monitor.Interval == 0 {
		cfg.Monitor.Interval = Duration(5 * time.Second)
	}

	if cfg.Redaction.Replacement == "" {
		cfg.Redaction.Replacement = "[REDACTED]"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "prgate"
	}
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
