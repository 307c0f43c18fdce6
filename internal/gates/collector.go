package gates

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

const defaultGateTimeout = 10 * time.Minute

// Request is everything a collector may measure from.
type Request struct {
	Env     shell.Environment
	Gate    pipeline.Gate
	Summary *pipeline.CheckSummary
}

// Measurement is a collected value plus collector-specific detail.
type Measurement struct {
	Value float64
	// Score is an optional 0-100 quality score.
	Score   *float64
	Details map[string]any
}

// Collector produces the measurement for one gate type.
type Collector interface {
	Collect(ctx context.Context, req Request) (Measurement, error)
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, req Request) (Measurement, error)

// Collect implements Collector.
func (f CollectorFunc) Collect(ctx context.Context, req Request) (Measurement, error) {
	return f(ctx, req)
}

// runGateCommand runs the gate's command and returns its combined output.
// A non-zero exit is not an error.
func runGateCommand(ctx context.Context, runner shell.Runner, req Request) (shell.Result, error) {
	if req.Gate.Command == "" {
		return shell.Result{}, &pipeline.AggregationInconsistency{
			Gate:        req.Gate.Name,
			Measurement: string(req.Gate.Type),
			Err:         fmt.Errorf("gate has no command"),
		}
	}
	timeout := req.Gate.Timeout
	if timeout <= 0 {
		timeout = defaultGateTimeout
	}
	res, err := runner.Run(ctx, shell.Command{
		EnvironmentID: req.Env.ID,
		Line:          req.Gate.Command,
		Dir:           req.Gate.WorkingDir,
		Timeout:       timeout,
	})
	if err != nil {
		if pipeline.IsTimeout(err) {
			return res, &pipeline.TimeoutError{Scope: "gate", Name: req.Gate.Name, After: timeout}
		}
		return res, fmt.Errorf("running %s command: %w", req.Gate.Name, err)
	}
	return res, nil
}

func unavailable(req Request, measurement string, err error) error {
	return &pipeline.AggregationInconsistency{Gate: req.Gate.Name, Measurement: measurement, Err: err}
}

func score(v float64) *float64 {
	v = max(0, min(100, v))
	return &v
}
