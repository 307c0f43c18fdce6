// Package retry runs operations with capped exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Config configures retry behavior.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// MaxRetries = N gives N+1 attempts.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff caps every wait.
	// Default: 30 seconds
	MaxBackoff time.Duration
}

// DefaultConfig returns the default backoff settings with no retries.
func DefaultConfig() Config {
	return Config{
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// ApplyDefaults sets default values for unset backoff fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
}

// Backoff returns the wait after the given zero-based failed attempt:
// InitialBackoff * 2^attempt, capped at MaxBackoff.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= c.MaxBackoff || d <= 0 {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		return c.MaxBackoff
	}
	return d
}

// permanentError stops the retry loop.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Op is one attempt. attempt is zero-based.
type Op func(ctx context.Context, attempt int) error

// Hook observes a failed attempt before the backoff wait.
type Hook func(attempt int, err error, wait time.Duration)

// Retrier runs operations under a Config.
type Retrier struct {
	cfg     Config
	onRetry Hook
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option configures a Retrier.
type Option func(*Retrier)

// WithHook installs a callback invoked after every failed attempt that will
// be retried.
func WithHook(h Hook) Option {
	return func(r *Retrier) { r.onRetry = h }
}

// WithSleep replaces the wait function. Tests use it to avoid real delays.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = sleep }
}

// New creates a Retrier.
func New(cfg Config, opts ...Option) *Retrier {
	cfg.ApplyDefaults()
	r := &Retrier{cfg: cfg, sleep: Sleep}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the effective configuration.
func (r *Retrier) Config() Config {
	return r.cfg
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// retries, or ctx is done. The returned error wraps the last attempt's error.
func (r *Retrier) Do(ctx context.Context, op Op) error {
	return r.DoN(ctx, r.cfg.MaxRetries, op)
}

// DoN is Do with a per-call retry budget.
func (r *Retrier) DoN(ctx context.Context, maxRetries int, op Op) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if IsPermanent(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == maxRetries {
			break
		}

		wait := r.cfg.Backoff(attempt)
		if r.onRetry != nil {
			r.onRetry(attempt, err, wait)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}
	}
	if maxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("failed after %d attempts: %w", maxRetries+1, lastErr)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
