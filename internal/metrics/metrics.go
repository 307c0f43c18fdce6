// Package metrics holds the Prometheus instruments for pipeline runs.
package metrics

import (
	"sync"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the pipeline engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Runs
	RunsTotal   *prometheus.CounterVec
	RunDuration prometheus.Histogram

	// Stages
	StageDuration *prometheus.HistogramVec

	// Build steps
	StepsTotal   *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	StepRetries  prometheus.Counter
	CacheLookups *prometheus.CounterVec

	// Check suites
	SuitesTotal *prometheus.CounterVec
	CasesTotal  *prometheus.CounterVec

	// Gates
	GatesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers metrics on the default registerer.
//
// This function uses sync.Once so repeated calls return the same instruments
// instead of panicking on duplicate registration.
//
// Metrics:
//   - prgate_runs_total{result} - Count of finished runs
//   - prgate_run_duration_seconds - Histogram of run wall time
//   - prgate_stage_duration_seconds{stage,status} - Histogram of stage wall time
//   - prgate_steps_total{status} - Count of build steps by outcome
//   - prgate_step_duration_seconds{cache} - Histogram of step wall time
//   - prgate_step_retries_total - Count of step retries
//   - prgate_cache_lookups_total{result} - Count of cache lookups
//   - prgate_suites_total{status} - Count of check suites by outcome
//   - prgate_cases_total{status} - Count of parsed test cases
//   - prgate_gates_total{type,status} - Count of gate evaluations
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsWith(prometheus.DefaultRegisterer)
	})
	return globalMetrics
}

// NewMetricsWith registers a fresh set of instruments on reg.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prgate_runs_total",
				Help: "Total number of finished pipeline runs",
			},
			[]string{"result"}, // "success" or "failure"
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "prgate_run_duration_seconds",
				Help:    "Duration of pipeline runs in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
			},
		),
		StageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prgate_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
			},
			[]string{"stage", "status"},
		),
		StepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prgate_steps_total",
				Help: "Total number of build steps by outcome",
			},
			[]string{"status"}, // "passed", "failed", "timed_out", "skipped"
		),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prgate_step_duration_seconds",
				Help:    "Duration of build steps in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
			},
			[]string{"cache"},
		),
		StepRetries: f.NewCounter(
			prometheus.CounterOpts{
				Name: "prgate_step_retries_total",
				Help: "Total number of build step retries",
			},
		),
		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prgate_cache_lookups_total",
				Help: "Total number of step cache lookups",
			},
			[]string{"result"}, // "hit" or "miss"
		),
		SuitesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prgate_suites_total",
				Help: "Total number of check suites by outcome",
			},
			[]string{"status"},
		),
		CasesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prgate_cases_total",
				Help: "Total number of parsed test cases",
			},
			[]string{"status"},
		),
		GatesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prgate_gates_total",
				Help: "Total number of gate evaluations",
			},
			[]string{"type", "status"},
		),
	}
}

func outcome(success bool) string {
	if success {
		return "passed"
	}
	return "failed"
}

// ObserveStep records a finished build step.
func (m *Metrics) ObserveStep(r pipeline.StepResult) {
	if m == nil {
		return
	}
	status := outcome(r.Success)
	switch {
	case r.Skipped:
		status = "skipped"
	case r.TimedOut:
		status = "timed_out"
	}
	m.StepsTotal.WithLabelValues(status).Inc()
	if r.Skipped {
		return
	}
	m.StepDuration.WithLabelValues(string(r.CacheStatus)).Observe(r.Duration.Seconds())
	m.StepRetries.Add(float64(r.Retries))
	switch r.CacheStatus {
	case pipeline.CacheHit:
		m.CacheLookups.WithLabelValues("hit").Inc()
	case pipeline.CacheMiss:
		m.CacheLookups.WithLabelValues("miss").Inc()
	}
}

// ObserveSuite records a finished check suite and its cases.
func (m *Metrics) ObserveSuite(r pipeline.SuiteResult) {
	if m == nil {
		return
	}
	m.SuitesTotal.WithLabelValues(outcome(r.Success)).Inc()
	for _, c := range r.Cases {
		m.CasesTotal.WithLabelValues(string(c.Status)).Inc()
	}
}

// ObserveGate records a gate evaluation.
func (m *Metrics) ObserveGate(r pipeline.GateResult) {
	if m == nil {
		return
	}
	m.GatesTotal.WithLabelValues(string(r.Type), outcome(r.Success)).Inc()
}

// ObserveStage records a finished stage.
func (m *Metrics) ObserveStage(r pipeline.StageResult) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(string(r.Stage), string(r.Status)).Observe(r.Duration().Seconds())
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(run *pipeline.PipelineRun) {
	if m == nil || run == nil {
		return
	}
	result := "failure"
	if run.Success {
		result = "success"
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	m.RunDuration.Observe(run.Elapsed.Seconds())
}
