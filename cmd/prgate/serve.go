package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/history"
	"github.com/fyrsmithlabs/prgate/internal/http"
	"github.com/fyrsmithlabs/prgate/internal/metrics"
)

func newServeCmd(global *globalFlags) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run history API and Prometheus metrics",
		Long: `Serve exposes stored runs over HTTP:

  GET /health
  GET /api/v1/runs
  GET /api/v1/runs/:id
  GET /api/v1/runs/:id/report?format=
  GET /api/v1/stats
  GET /metrics`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(global)
			if err != nil {
				return err
			}
			if host != "" {
				cfg.Server.Host = host
			}
			if port > 0 {
				cfg.Server.Port = port
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tel, shutdownTelemetry, err := initTelemetry(ctx, cfg)
			if err != nil {
				return err
			}
			defer shutdownTelemetry()

			logger, err := newLogger(cfg.Logging, tel.LoggerProvider())
			if err != nil {
				return err
			}
			defer func() {
				_ = logger.Sync() // Best-effort sync on shutdown
			}()

			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return fmt.Errorf("opening run history: %w", err)
			}
			defer store.Close()

			// Registers the pipeline collectors so /metrics always lists them.
			metrics.NewMetrics()

			srv, err := http.NewServer(store, logger, &http.Config{
				Host: cfg.Server.Host,
				Port: cfg.Server.Port,
			})
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, nethttp.ErrServerClosed) {
					return nil
				}
				return fmt.Errorf("http server: %w", err)
			case <-ctx.Done():
			}

			logger.Info(ctx, "shutdown requested", zap.Duration("timeout", cfg.Server.ShutdownTimeout.Duration()))
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http shutdown: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host (default from config)")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (default from config)")
	return cmd
}
