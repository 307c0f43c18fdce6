package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// CacheStatus records how the cache participated in a step execution.
type CacheStatus string

const (
	CacheHit       CacheStatus = "hit"
	CacheMiss      CacheStatus = "miss"
	CacheNotCached CacheStatus = "not-cached"
)

// Step is a named unit of build work.
type Step struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Parallel   bool              `json:"parallel"`
	Env        map[string]string `json:"env,omitempty"`
	Artifacts  []string          `json:"artifacts,omitempty"`
	Required   bool              `json:"required"`
}

// ID implements graph.Node.
func (s Step) ID() string { return s.Name }

// Dependencies implements graph.Node.
func (s Step) Dependencies() []string { return s.DependsOn }

// Parallelizable implements graph.Node.
func (s Step) Parallelizable() bool { return s.Parallel }

// Attempt is one execution try of a step or suite.
type Attempt struct {
	Number   int           `json:"number"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// StepResult is the immutable outcome of a step.
type StepResult struct {
	Name        string        `json:"name"`
	Success     bool          `json:"success"`
	Required    bool          `json:"required"`
	Duration    time.Duration `json:"duration"`
	Output      string        `json:"output,omitempty"`
	Retries     int           `json:"retries"`
	Attempts    []Attempt     `json:"attempts,omitempty"`
	CacheStatus CacheStatus   `json:"cache_status"`
	Artifacts   []string      `json:"artifacts,omitempty"`
	TimedOut    bool          `json:"timed_out,omitempty"`
	Skipped     bool          `json:"skipped,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// CoverageSource tells the check executor where a suite writes coverage.
type CoverageSource struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
	// Format is "lcov" or "go". Empty means detect from content.
	Format string `json:"format,omitempty"`
}

// CheckSuite is a test command whose output is parsed into cases.
type CheckSuite struct {
	Name       string            `json:"name"`
	Command    string            `json:"command"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
	MaxRetries int               `json:"max_retries,omitempty"`
	Parallel   bool              `json:"parallel"`
	Env        map[string]string `json:"env,omitempty"`
	Required   bool              `json:"required"`
	Coverage   CoverageSource    `json:"coverage"`
	Tags       []string          `json:"tags,omitempty"`
}

// CaseStatus is the reported state of one test case.
type CaseStatus string

const (
	CasePassed  CaseStatus = "passed"
	CaseFailed  CaseStatus = "failed"
	CaseSkipped CaseStatus = "skipped"
)

// CheckCase is one parsed test case.
type CheckCase struct {
	Name     string        `json:"name"`
	Status   CaseStatus    `json:"status"`
	Duration time.Duration `json:"duration,omitempty"`
	File     string        `json:"file,omitempty"`
	Line     int           `json:"line,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// SuiteResult is the outcome of one check suite. Cases keep the order in
// which the test runner reported them.
type SuiteResult struct {
	Name     string          `json:"name"`
	Success  bool            `json:"success"`
	Required bool            `json:"required"`
	Duration time.Duration   `json:"duration"`
	ExitCode int             `json:"exit_code"`
	Cases    []CheckCase     `json:"cases,omitempty"`
	Coverage *CoverageMetric `json:"coverage,omitempty"`
	Retries  int             `json:"retries"`
	Attempts []Attempt       `json:"attempts,omitempty"`
	TimedOut bool            `json:"timed_out,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
	Output   string          `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Count returns the number of cases with the given status.
func (r SuiteResult) Count(status CaseStatus) int {
	n := 0
	for _, c := range r.Cases {
		if c.Status == status {
			n++
		}
	}
	return n
}

// CheckSummary aggregates every suite of a test stage.
type CheckSummary struct {
	Total    int            `json:"total"`
	Passed   int            `json:"passed"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Suites   []SuiteResult  `json:"suites"`
	Coverage CoverageMetric `json:"coverage"`
	Duration time.Duration  `json:"duration"`
}

// GateType selects the measurement collector for a gate.
type GateType string

const (
	GateCoverage    GateType = "coverage"
	GateComplexity  GateType = "complexity"
	GateDuplication GateType = "duplication"
	GateSecurity    GateType = "security"
	GatePerformance GateType = "performance"
)

// Operator compares a measured value against a threshold.
type Operator string

const (
	OpGTE Operator = ">="
	OpLTE Operator = "<="
	OpEQ  Operator = "=="
)

// ParseOperator accepts the symbolic, unicode and word forms of an operator.
func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case ">=", "≥", "gte", "min":
		return OpGTE, nil
	case "<=", "≤", "lte", "max":
		return OpLTE, nil
	case "=", "==", "eq":
		return OpEQ, nil
	}
	return "", fmt.Errorf("unknown comparison operator %q", s)
}

// Gate is a named measurement policy.
type Gate struct {
	Name      string   `json:"name"`
	Type      GateType `json:"type"`
	Threshold float64  `json:"threshold"`
	Operator  Operator `json:"operator"`
	Required  bool     `json:"required"`

	// Command produces the measurement for complexity, duplication,
	// performance and the vulnerability part of security.
	Command    string        `json:"command,omitempty"`
	WorkingDir string        `json:"working_dir,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	// Metric names the benchmark for performance gates.
	Metric string `json:"metric,omitempty"`
	// MinSeverity filters vulnerabilities for security gates.
	MinSeverity string `json:"min_severity,omitempty"`
	// Paths restricts the secret scan for security gates.
	Paths []string `json:"paths,omitempty"`
}

// GateResult is one gate evaluation.
type GateResult struct {
	Name      string         `json:"name"`
	Type      GateType       `json:"type"`
	Measured  float64        `json:"measured"`
	Threshold float64        `json:"threshold"`
	Operator  Operator       `json:"operator"`
	Success   bool           `json:"success"`
	Required  bool           `json:"required"`
	Score     *float64       `json:"score,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}
