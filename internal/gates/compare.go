// Package gates measures quality, security and performance properties of a
// workspace and compares them against thresholds.
package gates

import (
	"math"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// epsilon absorbs float noise in equality checks.
const epsilon = 1e-9

// Compare reports whether measured satisfies op against threshold.
func Compare(measured, threshold float64, op pipeline.Operator) bool {
	switch op {
	case pipeline.OpGTE:
		return measured >= threshold-epsilon
	case pipeline.OpLTE:
		return measured <= threshold+epsilon
	case pipeline.OpEQ:
		return math.Abs(measured-threshold) <= epsilon
	}
	return false
}

// DefaultOperator is the comparison used when a gate names none: higher is
// better for coverage, lower is better for everything else.
func DefaultOperator(t pipeline.GateType) pipeline.Operator {
	if t == pipeline.GateCoverage {
		return pipeline.OpGTE
	}
	return pipeline.OpLTE
}
