package report

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// Text writes a plain-text summary for terminals and CI logs.
func Text(w io.Writer, run *pipeline.PipelineRun) error {
	v := verdict(run)
	var b strings.Builder

	fmt.Fprintf(&b, "prgate run %s\n", run.ID)
	fmt.Fprintf(&b, "repository: %s  branch: %s", run.Repository, run.Branch)
	if run.PullRequest > 0 {
		fmt.Fprintf(&b, "  pr: #%d", run.PullRequest)
	}
	if run.Commit != "" {
		fmt.Fprintf(&b, "  commit: %s", shortSHA(run.Commit))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "verdict: %s", passFail(v.Success))
	if v.CombinedScore != nil {
		fmt.Fprintf(&b, "  score: %.1f (%s)", *v.CombinedScore, Rating(*v.CombinedScore))
	}
	fmt.Fprintf(&b, "  elapsed: %s\n", run.Elapsed.Round(time.Millisecond))

	tw := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)

	if len(run.Stages) > 0 {
		fmt.Fprintln(tw, "\nSTAGES")
		for _, s := range run.Stages {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", s.Stage, s.Status, s.Duration().Round(time.Millisecond), s.Error)
		}
	}

	if len(run.Steps) > 0 {
		fmt.Fprintf(tw, "\nSTEPS (%d passed, %d failed, %d skipped)\n", v.Steps.Passed, v.Steps.Failed, v.Steps.Skipped)
		for _, s := range run.Steps {
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\tretries=%d\n", s.Name, stepStatus(s), s.CacheStatus, s.Duration.Round(time.Millisecond), s.Retries)
		}
	}

	if run.Checks != nil {
		c := run.Checks
		fmt.Fprintf(tw, "\nTESTS (%d total, %d passed, %d failed, %d skipped)\n", c.Total, c.Passed, c.Failed, c.Skipped)
		for _, s := range c.Suites {
			fmt.Fprintf(tw, "  %s\t%s\t%d/%d\t%s\n", s.Name, passFail(s.Success), s.Count(pipeline.CasePassed), len(s.Cases), s.Duration.Round(time.Millisecond))
		}
		if !c.Coverage.IsZero() {
			fmt.Fprintf(tw, "  coverage\tlines %.1f%%\tstatements %.1f%%\tbranches %.1f%%\n",
				c.Coverage.Lines.Percent(), c.Coverage.Statements.Percent(), c.Coverage.Branches.Percent())
		}
	}

	if len(run.Gates) > 0 {
		fmt.Fprintf(tw, "\nGATES (%d passed, %d failed)\n", v.Gates.Passed, v.Gates.Failed)
		for _, g := range run.Gates {
			fmt.Fprintf(tw, "  %s\t%s\t%.2f %s %.2f\t%s\t%s\n", g.Name, g.Type, g.Measured, g.Operator, g.Threshold, passFail(g.Success), requiredLabel(g.Required))
		}
	}

	if val := run.Validation; val != nil {
		fmt.Fprintf(tw, "\nVALIDATION\t%s\tscore %.0f\terrors=%d warnings=%d info=%d\n",
			passFail(val.Valid), val.Score,
			val.Summary[pipeline.SeverityError], val.Summary[pipeline.SeverityWarning], val.Summary[pipeline.SeverityInfo])
	}

	if r := run.Review; r != nil {
		reviewer := r.Reviewer
		if r.Fallback {
			reviewer += " (fallback)"
		}
		fmt.Fprintf(tw, "\nREVIEW\t%s\t%s\tscore %.0f\n", passFail(r.Success), reviewer, r.Score)
	}

	if err := tw.Flush(); err != nil {
		return err
	}

	writeList(&b, "FAILED (required)", v.FailedRequired)
	writeList(&b, "FAILED (optional)", v.FailedOptional)
	writeList(&b, "ERRORS", run.Errors)

	_, err := io.WriteString(w, b.String())
	return err
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "  - %s\n", it)
	}
}

func stepStatus(s pipeline.StepResult) string {
	switch {
	case s.Skipped:
		return "skipped"
	case s.Success:
		return "passed"
	}
	return "failed"
}

func requiredLabel(required bool) string {
	if required {
		return "required"
	}
	return "optional"
}

func shortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
