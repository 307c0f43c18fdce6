package gates

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/metrics"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

// Evaluator measures gates with the collector registered for each type.
type Evaluator struct {
	collectors map[pipeline.GateType]Collector
	logger     *logging.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// NewEvaluator creates an evaluator with the built-in collectors. Commands
// run through runner.
func NewEvaluator(runner shell.Runner, logger *logging.Logger, m *metrics.Metrics) *Evaluator {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Evaluator{
		collectors: map[pipeline.GateType]Collector{
			pipeline.GateCoverage:    CoverageCollector{},
			pipeline.GateComplexity:  ComplexityCollector{Runner: runner},
			pipeline.GateDuplication: DuplicationCollector{Runner: runner},
			pipeline.GateSecurity:    SecurityCollector{Runner: runner},
			pipeline.GatePerformance: PerformanceCollector{Runner: runner},
		},
		logger:  logger.Named("gates"),
		metrics: m,
		tracer:  otel.Tracer("github.com/fyrsmithlabs/prgate/internal/gates"),
	}
}

// Register installs or replaces the collector for a gate type.
func (e *Evaluator) Register(t pipeline.GateType, c Collector) {
	e.collectors[t] = c
}

// Evaluate measures every gate in declaration order. A gate whose
// measurement cannot be produced is recorded as failed with the reason in
// its Details; no gate is ever dropped.
func (e *Evaluator) Evaluate(ctx context.Context, env shell.Environment, gates []pipeline.Gate, summary *pipeline.CheckSummary) []pipeline.GateResult {
	results := make([]pipeline.GateResult, 0, len(gates))
	for _, g := range gates {
		r := e.evaluate(ctx, env, g, summary)
		e.metrics.ObserveGate(r)
		results = append(results, r)
	}
	return results
}

func (e *Evaluator) evaluate(ctx context.Context, env shell.Environment, g pipeline.Gate, summary *pipeline.CheckSummary) pipeline.GateResult {
	ctx = logging.WithStep(ctx, g.Name)
	ctx, span := e.tracer.Start(ctx, "gates.evaluate", trace.WithAttributes(
		attribute.String("gate.name", g.Name),
		attribute.String("gate.type", string(g.Type)),
	))
	defer span.End()

	op := g.Operator
	if op == "" {
		op = DefaultOperator(g.Type)
	}
	if g.Type == pipeline.GatePerformance {
		op = pipeline.OpLTE
	}

	result := pipeline.GateResult{
		Name:      g.Name,
		Type:      g.Type,
		Threshold: g.Threshold,
		Operator:  op,
		Required:  g.Required,
	}

	collector, ok := e.collectors[g.Type]
	if !ok {
		err := &pipeline.AggregationInconsistency{Gate: g.Name, Measurement: string(g.Type), Err: fmt.Errorf("unknown gate type %q", g.Type)}
		return e.failed(ctx, result, err)
	}

	m, err := collector.Collect(ctx, Request{Env: env, Gate: g, Summary: summary})
	if err != nil {
		span.RecordError(err)
		return e.failed(ctx, result, err)
	}

	result.Measured = m.Value
	result.Score = m.Score
	result.Details = m.Details
	result.Success = Compare(m.Value, g.Threshold, op)
	span.SetAttributes(attribute.Float64("gate.measured", m.Value), attribute.Bool("gate.success", result.Success))

	e.logger.Info(ctx, "gate evaluated",
		zap.Float64("measured", m.Value),
		zap.String("operator", string(op)),
		zap.Float64("threshold", g.Threshold),
		zap.Bool("success", result.Success),
		zap.Bool("required", g.Required),
	)
	return result
}

func (e *Evaluator) failed(ctx context.Context, result pipeline.GateResult, err error) pipeline.GateResult {
	result.Success = false
	result.Error = err.Error()
	result.Details = map[string]any{"error": err.Error()}
	e.logger.Warn(ctx, "gate measurement unavailable", zap.Bool("required", result.Required), zap.Error(err))
	return result
}
