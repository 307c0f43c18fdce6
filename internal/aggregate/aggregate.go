// Package aggregate folds step, suite, gate, validation and review results
// into the single verdict of a run.
//
// Every category carries its own Required flag. Only required failures flip
// the verdict; optional failures are listed and otherwise ignored, and a
// skipped optional item counts the same as a passed one.
package aggregate

import (
	"fmt"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// Weights of the combined score when a review succeeded.
const (
	QualityWeight = 0.6
	ReviewWeight  = 0.4
)

// Input is everything the aggregator reads. Nil members are treated as
// stages that produced nothing.
type Input struct {
	Steps      []pipeline.StepResult
	Checks     *pipeline.CheckSummary
	Gates      []pipeline.GateResult
	Validation *pipeline.ValidationResult
	Review     *pipeline.ReviewResult
}

// FromRun builds the aggregator input from a run record.
func FromRun(run *pipeline.PipelineRun) Input {
	return Input{
		Steps:      run.Steps,
		Checks:     run.Checks,
		Gates:      run.Gates,
		Validation: run.Validation,
		Review:     run.Review,
	}
}

// Aggregate computes the verdict.
func Aggregate(in Input) pipeline.Verdict {
	var v pipeline.Verdict
	blocked := false

	fail := func(kind, name string, required bool) {
		label := fmt.Sprintf("%s:%s", kind, name)
		if required {
			v.FailedRequired = append(v.FailedRequired, label)
			blocked = true
			return
		}
		v.FailedOptional = append(v.FailedOptional, label)
	}

	for _, s := range in.Steps {
		v.Steps.Total++
		switch {
		case s.Skipped:
			v.Steps.Skipped++
			// A required step that never ran cannot have succeeded.
			if s.Required {
				fail("step-skipped", s.Name, true)
			}
		case s.Success:
			v.Steps.Passed++
		default:
			v.Steps.Failed++
			fail("step", s.Name, s.Required)
		}
	}

	if in.Checks != nil {
		for _, s := range in.Checks.Suites {
			v.Suites.Total++
			if s.Success {
				v.Suites.Passed++
				continue
			}
			v.Suites.Failed++
			fail("suite", s.Name, s.Required)
		}
		v.Cases = pipeline.CategoryCounts{
			Total:   in.Checks.Total,
			Passed:  in.Checks.Passed,
			Failed:  in.Checks.Failed,
			Skipped: in.Checks.Skipped,
		}
	}

	var scoreSum float64
	scored := 0
	for _, g := range in.Gates {
		v.Gates.Total++
		if g.Score != nil {
			scoreSum += *g.Score
			scored++
		}
		if g.Success {
			v.Gates.Passed++
			continue
		}
		v.Gates.Failed++
		fail("gate", g.Name, g.Required)
	}

	if in.Validation != nil {
		structural := in.Validation.Score
		v.StructuralScore = &structural
		if !in.Validation.Valid {
			fail("validation", fmt.Sprintf("%d error issue(s)", in.Validation.Summary[pipeline.SeverityError]), true)
		}
	}

	if in.Review != nil && !in.Review.Success {
		fail("review", in.Review.Reviewer, false)
	}

	switch {
	case scored > 0:
		q := scoreSum / float64(scored)
		v.QualityScore = &q
	case v.StructuralScore != nil:
		q := *v.StructuralScore
		v.QualityScore = &q
	}
	if v.QualityScore != nil {
		c := *v.QualityScore
		if in.Review != nil && in.Review.Success {
			c = QualityWeight*c + ReviewWeight*in.Review.Score
		}
		v.CombinedScore = &c
	}

	v.Success = !blocked
	return v
}

// RequiredGateFailures returns the failed required gates.
func RequiredGateFailures(gates []pipeline.GateResult) []pipeline.GateResult {
	var out []pipeline.GateResult
	for _, g := range gates {
		if g.Required && !g.Success {
			out = append(out, g)
		}
	}
	return out
}
