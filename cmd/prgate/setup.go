package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/log"

	"github.com/fyrsmithlabs/prgate/internal/cache"
	"github.com/fyrsmithlabs/prgate/internal/config"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/redact"
	"github.com/fyrsmithlabs/prgate/internal/review"
	"github.com/fyrsmithlabs/prgate/internal/telemetry"
)

const telemetryShutdownTimeout = 5 * time.Second

// loadConfig loads dotenv files and then the layered configuration. Every
// failure is a configuration error.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	if err := loadEnvFiles(flags.envFiles); err != nil {
		return nil, &pipeline.ConfigurationError{Reason: err.Error()}
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, &pipeline.ConfigurationError{Reason: err.Error()}
	}
	if flags.logLevel != "" {
		if _, err := logging.LevelFromString(flags.logLevel); err != nil {
			return nil, &usageError{err: fmt.Errorf("--log-level: %w", err)}
		}
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, nil
}

// loadEnvFiles loads explicit dotenv files, or ./.env when it exists.
// Variables already set in the environment win.
func loadEnvFiles(files []string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return fmt.Errorf("loading env files: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// loggingConfig maps the file/env logging section onto a logger config.
func loggingConfig(c config.LoggingConfig, otel bool) (*logging.Config, error) {
	lc := logging.NewDefaultConfig()
	level, err := logging.LevelFromString(c.Level)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	lc.Format = c.Format
	lc.Output.File = c.File
	lc.Output.OTEL = otel
	return lc, nil
}

func newLogger(c config.LoggingConfig, provider log.LoggerProvider) (*logging.Logger, error) {
	lc, err := loggingConfig(c, provider != nil)
	if err != nil {
		return nil, &pipeline.ConfigurationError{Reason: "logging: " + err.Error()}
	}
	logger, err := logging.NewLogger(lc, provider)
	if err != nil {
		return nil, &pipeline.ConfigurationError{Reason: "logging: " + err.Error()}
	}
	return logger, nil
}

// initTelemetry starts tracing when enabled. The returned shutdown is
// always safe to call.
func initTelemetry(ctx context.Context, cfg *config.Config) (*telemetry.Telemetry, func(), error) {
	tel, err := telemetry.New(ctx, telemetry.FromConfig(cfg.Telemetry, version))
	if err != nil {
		return nil, func() {}, &pipeline.ConfigurationError{Reason: err.Error()}
	}
	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		_ = tel.Shutdown(ctx) // Best-effort flush on exit
	}
	return tel, shutdown, nil
}

// openCache opens the configured step cache. A nil store disables caching.
func openCache(c config.CacheConfig, disabled bool) (cache.Store, func() error, error) {
	noop := func() error { return nil }
	if disabled {
		return nil, noop, nil
	}
	switch c.Backend {
	case "sqlite":
		store, err := cache.OpenSQLite(c.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("opening cache: %w", err)
		}
		return store, store.Close, nil
	case "none":
		return nil, noop, nil
	default:
		store := cache.NewMemoryStore()
		return store, store.Close, nil
	}
}

// newReviewChain builds the reviewer chain from configured providers. A
// provider without an API key is left out; with neither the review stage
// is skipped.
func newReviewChain(c config.ReviewConfig, logger *logging.Logger) (review.Chain, error) {
	chain := review.Chain{Logger: logger}
	if c.Disabled {
		return chain, nil
	}
	if c.Primary.APIKey.IsSet() {
		primary, err := review.NewOpenAIReviewer(c.Primary)
		if err != nil {
			return chain, fmt.Errorf("primary reviewer: %w", err)
		}
		chain.Primary = primary
	}
	if c.Fallback.APIKey.IsSet() {
		fallback, err := review.NewMessagesClient(c.Fallback)
		if err != nil {
			return chain, fmt.Errorf("fallback reviewer: %w", err)
		}
		chain.Fallback = fallback
	}
	return chain, nil
}

// newRedactor builds the output redactor. The credentials prgate holds are
// always redacted literally in addition to the pattern rules.
func newRedactor(cfg *config.Config) (*redact.Redactor, error) {
	if cfg.Redaction.Disabled {
		return nil, nil
	}
	r, err := redact.New(redact.Options{
		Replacement: cfg.Redaction.Replacement,
		Patterns:    cfg.Redaction.Patterns,
		AllowList:   cfg.Redaction.AllowList,
		Literals: []string{
			cfg.GitHub.Token.Value(),
			cfg.Review.Primary.APIKey.Value(),
			cfg.Review.Fallback.APIKey.Value(),
		},
	})
	if err != nil {
		return nil, &pipeline.ConfigurationError{Reason: "redaction: " + err.Error()}
	}
	return r, nil
}
