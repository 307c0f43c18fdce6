// Package http serves the run history API and Prometheus metrics.
package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/history"
	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/report"
)

// maxListLimit caps the page size of GET /api/v1/runs.
const maxListLimit = 500

// Store is the read side of the run history.
type Store interface {
	List(ctx context.Context, f history.Filter) ([]history.Summary, error)
	Get(ctx context.Context, id string) (*pipeline.PipelineRun, error)
	Stats(ctx context.Context, repository string) (history.Stats, error)
}

// Server provides HTTP endpoints over the run history.
type Server struct {
	echo   *echo.Echo
	store  Store
	logger *logging.Logger
	config *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Gatherer backs /metrics. Defaults to the Prometheus default gatherer.
	Gatherer prometheus.Gatherer
	// Registerer receives the HTTP instruments. Defaults to the Prometheus
	// default registerer.
	Registerer prometheus.Registerer
}

// NewServer creates a new HTTP server.
func NewServer(store Store, logger *logging.Logger, cfg *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			duration := time.Since(start)

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})
	e.Use(NewHTTPMetrics(cfg.Registerer).MetricsMiddleware())

	s := &Server{
		echo:   e,
		store:  store,
		logger: logger,
		config: cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/runs", s.handleListRuns)
	v1.GET("/runs/:id", s.handleGetRun)
	v1.GET("/runs/:id/report", s.handleRunReport)
	v1.GET("/stats", s.handleStats)
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleListRuns lists stored runs, newest first.
func (s *Server) handleListRuns(c echo.Context) error {
	f := history.Filter{
		Repository: c.QueryParam("repository"),
		Branch:     c.QueryParam("branch"),
		Limit:      50,
	}
	if v := c.QueryParam("pr"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "pr must be a non-negative integer")
		}
		f.PullRequest = n
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}

	ctx := c.Request().Context()
	runs, err := s.store.List(ctx, f)
	if err != nil {
		s.logger.Error(ctx, "failed to list runs", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}
	if runs == nil {
		runs = []history.Summary{}
	}
	return c.JSON(http.StatusOK, RunListResponse{Runs: runs, Count: len(runs)})
}

// handleGetRun returns the full run document.
func (s *Server) handleGetRun(c echo.Context) error {
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, run)
}

// handleRunReport renders a stored run in the requested report format.
func (s *Server) handleRunReport(c echo.Context) error {
	format := report.FormatMarkdown
	if v := c.QueryParam("format"); v != "" {
		f, err := report.ParseFormat(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		format = f
	}
	run, err := s.loadRun(c)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := report.Render(&buf, format, run); err != nil {
		s.logger.Error(c.Request().Context(), "failed to render report",
			zap.String("run.id", run.ID),
			zap.String("format", string(format)),
			zap.Error(err),
		)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to render report")
	}
	return c.Blob(http.StatusOK, contentType(format), buf.Bytes())
}

// handleStats returns pass/fail totals, optionally for one repository.
func (s *Server) handleStats(c echo.Context) error {
	ctx := c.Request().Context()
	st, err := s.store.Stats(ctx, c.QueryParam("repository"))
	if err != nil {
		s.logger.Error(ctx, "failed to compute stats", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to compute stats")
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) loadRun(c echo.Context) (*pipeline.PipelineRun, error) {
	ctx := c.Request().Context()
	id := c.Param("id")
	run, err := s.store.Get(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return nil, echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("run %s not found", id))
	}
	if err != nil {
		s.logger.Error(ctx, "failed to load run", zap.String("run.id", id), zap.Error(err))
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "failed to load run")
	}
	return run, nil
}

func contentType(f report.Format) string {
	switch f {
	case report.FormatJUnit:
		return echo.MIMEApplicationXMLCharsetUTF8
	case report.FormatJSON:
		return echo.MIMEApplicationJSONCharsetUTF8
	case report.FormatMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return echo.MIMETextPlainCharsetUTF8
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
