package pipeline

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeCoverage_SumsCounters(t *testing.T) {
	a := CoverageMetric{Lines: Counter{Covered: 50, Total: 100}}
	b := CoverageMetric{Lines: Counter{Covered: 10, Total: 50}}

	merged := MergeCoverage(a, b)

	assert.Equal(t, Counter{Covered: 60, Total: 150}, merged.Lines)
	assert.InDelta(t, 40.0, merged.Lines.Percent(), 0.0001)
	// Averaging 50% and 20% would give 35%.
	assert.NotEqual(t, (a.Lines.Percent()+b.Lines.Percent())/2, merged.Lines.Percent())
}

func TestCounter_PercentWithoutTotal(t *testing.T) {
	assert.Equal(t, 0.0, Counter{}.Percent())
	assert.True(t, CoverageMetric{}.IsZero())
	assert.False(t, CoverageMetric{Branches: Counter{Total: 1}}.IsZero())
}

func TestParseOperator(t *testing.T) {
	tests := []struct {
		in      string
		want    Operator
		wantErr bool
	}{
		{">=", OpGTE, false},
		{"≥", OpGTE, false},
		{"min", OpGTE, false},
		{"<=", OpLTE, false},
		{"≤", OpLTE, false},
		{"=", OpEQ, false},
		{" eq ", OpEQ, false},
		{">", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseOperator(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestValidationResult_AddIssue(t *testing.T) {
	v := &ValidationResult{Valid: true}

	v.AddIssue(Issue{Severity: SeverityWarning, Category: "empty_file", Message: "empty"})
	assert.True(t, v.Valid)

	v.AddIssue(Issue{Severity: SeverityError, Category: "json_syntax", Message: "bad json"})
	assert.False(t, v.Valid)
	assert.Equal(t, 1, v.Summary[SeverityWarning])
	assert.Equal(t, 1, v.Summary[SeverityError])
}

func TestStage_State(t *testing.T) {
	assert.Equal(t, "environment-provisioned", StageProvision.State())
	assert.Equal(t, "torn-down", StageTeardown.State())
	assert.Equal(t, "created", Stage("unknown").State())
	assert.Len(t, AllStages(), 9)
	assert.Equal(t, StageTeardown, AllStages()[8])
}

func TestStageStatus_Terminal(t *testing.T) {
	tests := []struct {
		status StageStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusSkipped, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Terminal())
		})
	}
}

func TestErrors_Classification(t *testing.T) {
	cfgErr := fmt.Errorf("resolve: %w", &ConfigurationError{Reason: "cycle", Members: []string{"a", "b", "a"}})
	assert.True(t, IsConfiguration(cfgErr))
	assert.Contains(t, cfgErr.Error(), "a -> b -> a")

	timeout := &TimeoutError{Scope: "step", Name: "compile", After: 2 * time.Second}
	assert.True(t, IsTimeout(fmt.Errorf("wrapped: %w", timeout)))
	assert.Equal(t, "step compile timed out after 2s", timeout.Error())

	base := errors.New("connection refused")
	collab := &CollaboratorError{Collaborator: "provisioner", Op: "create", Err: base}
	assert.True(t, IsCollaborator(collab))
	assert.ErrorIs(t, collab, base)

	exec := &ExecutionError{Name: "package", ExitCode: 2}
	assert.Equal(t, "package: exit code 2", exec.Error())
	assert.False(t, IsTimeout(exec))
}

func TestPipelineRun_Records(t *testing.T) {
	run := NewPipelineRun("run-1", "acme/app", "feature", 42)
	run.Stages = append(run.Stages, StageResult{Stage: StageBuild, Status: StatusCompleted, Success: true})
	run.Log(StageBuild, "info", "compiled")
	run.Fail(errors.New("boom"))
	run.Fail(nil)
	run.Finish()

	got, ok := run.Stage(StageBuild)
	require.True(t, ok)
	assert.True(t, got.Success)
	_, ok = run.Stage(StageTest)
	assert.False(t, ok)
	assert.Len(t, run.Logs, 1)
	assert.Equal(t, []string{"boom"}, run.Errors)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
}
