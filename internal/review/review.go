// Package review asks a code-review service for findings on a change.
//
// The orchestrator talks to a Chain: the primary reviewer is tried first and
// the fallback only when the primary returns any error.
package review

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/prgate/internal/logging"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// Request is what a reviewer sees of a run.
type Request struct {
	Repository   string
	Branch       string
	PullRequest  int
	Commit       string
	ChangedFiles []string
	// Diff is the unified diff against the base branch, possibly truncated.
	Diff       string
	Steps      []pipeline.StepResult
	Checks     *pipeline.CheckSummary
	Gates      []pipeline.GateResult
	Validation *pipeline.ValidationResult
}

// Result is a reviewer's answer.
type Result struct {
	Success  bool     `json:"success"`
	Findings []string `json:"findings"`
	Summary  string   `json:"summary"`
	Score    float64  `json:"score"`
}

// Reviewer reviews a change.
type Reviewer interface {
	Name() string
	Review(ctx context.Context, req Request) (*Result, error)
}

// Func adapts a function to Reviewer.
type Func struct {
	ID string
	Fn func(ctx context.Context, req Request) (*Result, error)
}

// Name implements Reviewer.
func (f Func) Name() string { return f.ID }

// Review implements Reviewer.
func (f Func) Review(ctx context.Context, req Request) (*Result, error) { return f.Fn(ctx, req) }

// Chain tries Primary, then Fallback.
type Chain struct {
	Primary  Reviewer
	Fallback Reviewer
	Logger   *logging.Logger
}

// Review returns the first successful answer, recording which reviewer
// served and every error seen. When both reviewers fail the returned error
// is a CollaboratorError joining both causes, and the result still carries
// the error messages.
func (c Chain) Review(ctx context.Context, req Request) (*pipeline.ReviewResult, error) {
	logger := c.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	out := &pipeline.ReviewResult{}
	var errs []error

	for i, r := range []Reviewer{c.Primary, c.Fallback} {
		if r == nil {
			continue
		}
		fallback := i == 1
		res, err := r.Review(ctx, req)
		if err == nil && res == nil {
			err = errors.New("reviewer returned no result")
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Name(), err))
			out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", r.Name(), err))
			logger.Warn(ctx, "reviewer failed", zap.String("reviewer", r.Name()), zap.Bool("fallback", fallback), zap.Error(err))
			if ctx.Err() != nil {
				break
			}
			continue
		}

		out.Success = res.Success
		out.Reviewer = r.Name()
		out.Fallback = fallback
		out.Findings = res.Findings
		out.Summary = res.Summary
		out.Score = res.Score
		logger.Info(ctx, "review completed",
			zap.String("reviewer", r.Name()),
			zap.Bool("fallback", fallback),
			zap.Int("findings", len(res.Findings)),
			zap.Float64("score", res.Score),
		)
		return out, nil
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no reviewer configured"))
		out.Errors = append(out.Errors, errs[0].Error())
	}
	return out, &pipeline.CollaboratorError{Collaborator: "review", Op: "review", Err: errors.Join(errs...)}
}
