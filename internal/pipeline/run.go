package pipeline

import (
	"time"
)

// Stage is one step of the orchestrator state machine.
type Stage string

const (
	StageProvision  Stage = "provision"
	StageClone      Stage = "clone"
	StageSetup      Stage = "setup"
	StageBuild      Stage = "build"
	StageTest       Stage = "test"
	StageQuality    Stage = "quality"
	StageValidation Stage = "validation"
	StageReview     Stage = "review"
	StageTeardown   Stage = "teardown"
)

// AllStages returns every stage in execution order.
func AllStages() []Stage {
	return []Stage{
		StageProvision, StageClone, StageSetup, StageBuild, StageTest,
		StageQuality, StageValidation, StageReview, StageTeardown,
	}
}

// State is the name of the state reached once the stage completes.
func (s Stage) State() string {
	switch s {
	case StageProvision:
		return "environment-provisioned"
	case StageClone:
		return "source-cloned"
	case StageSetup:
		return "environment-set-up"
	case StageBuild:
		return "built"
	case StageTest:
		return "tested"
	case StageQuality:
		return "quality-gated"
	case StageValidation:
		return "validated"
	case StageReview:
		return "reviewed"
	case StageTeardown:
		return "torn-down"
	}
	return "created"
}

// StageStatus is the lifecycle state of a stage.
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
	StatusSkipped    StageStatus = "skipped"
)

// Terminal reports whether the stage has stopped running.
func (s StageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusSkipped
}

// StageResult captures one stage of a run.
type StageResult struct {
	Stage       Stage       `json:"stage"`
	Status      StageStatus `json:"status"`
	Success     bool        `json:"success"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at,omitempty"`
	Output      string      `json:"output,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Duration is the wall time of the stage.
func (r StageResult) Duration() time.Duration {
	if r.CompletedAt.IsZero() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// Severity grades a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Issue is one finding of the validation stage.
type Issue struct {
	Severity   Severity `json:"severity"`
	Category   string   `json:"category"`
	Message    string   `json:"message"`
	File       string   `json:"file,omitempty"`
	Line       int      `json:"line,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

// ValidationResult is the outcome of the validation stage.
type ValidationResult struct {
	Valid        bool             `json:"valid"`
	Issues       []Issue          `json:"issues,omitempty"`
	Summary      map[Severity]int `json:"summary"`
	Score        float64          `json:"score"`
	ChangedFiles []string         `json:"changed_files,omitempty"`
	Excluded     []string         `json:"excluded,omitempty"`
}

// AddIssue records an issue. Any error issue invalidates the result.
func (v *ValidationResult) AddIssue(issue Issue) {
	if v.Summary == nil {
		v.Summary = make(map[Severity]int)
	}
	v.Issues = append(v.Issues, issue)
	v.Summary[issue.Severity]++
	if issue.Severity == SeverityError {
		v.Valid = false
	}
}

// ReviewResult is the outcome of the review stage.
type ReviewResult struct {
	Success  bool     `json:"success"`
	Reviewer string   `json:"reviewer"`
	Fallback bool     `json:"fallback"`
	Findings []string `json:"findings,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Score    float64  `json:"score"`
	Errors   []string `json:"errors,omitempty"`
}

// CategoryCounts tallies one result category.
type CategoryCounts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// Verdict is the aggregated outcome of a run.
type Verdict struct {
	Success         bool           `json:"success"`
	Steps           CategoryCounts `json:"steps"`
	Suites          CategoryCounts `json:"suites"`
	Cases           CategoryCounts `json:"cases"`
	Gates           CategoryCounts `json:"gates"`
	FailedRequired  []string       `json:"failed_required,omitempty"`
	FailedOptional  []string       `json:"failed_optional,omitempty"`
	QualityScore    *float64       `json:"quality_score,omitempty"`
	StructuralScore *float64       `json:"structural_score,omitempty"`
	CombinedScore   *float64       `json:"combined_score,omitempty"`
}

// LogEntry is one line of the run log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Stage   Stage     `json:"stage,omitempty"`
	Message string    `json:"message"`
}

// PipelineRun is the aggregate root of a validation run. The orchestrator is
// its only writer.
type PipelineRun struct {
	ID            string            `json:"id"`
	Repository    string            `json:"repository"`
	Branch        string            `json:"branch"`
	PullRequest   int               `json:"pull_request,omitempty"`
	Commit        string            `json:"commit,omitempty"`
	EnvironmentID string            `json:"environment_id,omitempty"`
	Stages        []StageResult     `json:"stages"`
	Steps         []StepResult      `json:"steps,omitempty"`
	Checks        *CheckSummary     `json:"checks,omitempty"`
	Gates         []GateResult      `json:"gates,omitempty"`
	Validation    *ValidationResult `json:"validation,omitempty"`
	Review        *ReviewResult     `json:"review,omitempty"`
	Verdict       *Verdict          `json:"verdict,omitempty"`
	Artifacts     []string          `json:"artifacts,omitempty"`
	Success       bool              `json:"success"`
	StartedAt     time.Time         `json:"started_at"`
	FinishedAt    time.Time         `json:"finished_at,omitempty"`
	Elapsed       time.Duration     `json:"elapsed"`
	Logs          []LogEntry        `json:"logs,omitempty"`
	Errors        []string          `json:"errors,omitempty"`
}

// NewPipelineRun starts a run record.
func NewPipelineRun(id, repository, branch string, pr int) *PipelineRun {
	return &PipelineRun{
		ID:          id,
		Repository:  repository,
		Branch:      branch,
		PullRequest: pr,
		StartedAt:   time.Now(),
	}
}

// Log appends a run log line.
func (r *PipelineRun) Log(stage Stage, level, msg string) {
	r.Logs = append(r.Logs, LogEntry{Time: time.Now(), Level: level, Stage: stage, Message: msg})
}

// Fail appends an error to the run error list.
func (r *PipelineRun) Fail(err error) {
	if err != nil {
		r.Errors = append(r.Errors, err.Error())
	}
}

// Stage returns the recorded result for a stage.
func (r *PipelineRun) Stage(stage Stage) (StageResult, bool) {
	for _, s := range r.Stages {
		if s.Stage == stage {
			return s, true
		}
	}
	return StageResult{}, false
}

// Finish freezes timing on the run.
func (r *PipelineRun) Finish() {
	r.FinishedAt = time.Now()
	r.Elapsed = r.FinishedAt.Sub(r.StartedAt)
}
