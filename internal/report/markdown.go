package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

const maxReviewFindings = 20

// Markdown writes a pull request comment body.
func Markdown(w io.Writer, run *pipeline.PipelineRun) error {
	v := verdict(run)
	var b strings.Builder

	b.WriteString("# prgate validation report\n\n")
	if v.CombinedScore != nil {
		score := *v.CombinedScore
		fmt.Fprintf(&b, "%s **Overall assessment**: %s\n", ratingIcon(score), Rating(score))
		fmt.Fprintf(&b, "**Combined score**: %.1f/100\n", score)
	}
	fmt.Fprintf(&b, "**Verdict**: %s\n\n", checkLabel(v.Success))
	fmt.Fprintf(&b, "`%s` on `%s`", run.Repository, run.Branch)
	if run.Commit != "" {
		fmt.Fprintf(&b, " at `%s`", shortSHA(run.Commit))
	}
	fmt.Fprintf(&b, ", run `%s`, %s\n", run.ID, run.Elapsed.Round(time.Second))

	if len(v.FailedRequired) > 0 {
		b.WriteString("\n## Blocking failures\n")
		for _, f := range v.FailedRequired {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	b.WriteString("\n## Summary\n\n")
	b.WriteString("| Category | Total | Passed | Failed | Skipped |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, row := range []struct {
		name string
		c    pipeline.CategoryCounts
	}{
		{"Build steps", v.Steps},
		{"Test suites", v.Suites},
		{"Test cases", v.Cases},
		{"Quality gates", v.Gates},
	} {
		fmt.Fprintf(&b, "| %s | %d | %d | %d | %d |\n", row.name, row.c.Total, row.c.Passed, row.c.Failed, row.c.Skipped)
	}

	if len(run.Gates) > 0 {
		b.WriteString("\n## Quality gates\n\n")
		b.WriteString("| Gate | Type | Measured | Threshold | Result |\n")
		b.WriteString("|---|---|---|---|---|\n")
		for _, g := range run.Gates {
			result := "✅ passed"
			if !g.Success {
				result = "❌ failed"
				if !g.Required {
					result = "⚠️ failed (optional)"
				}
			}
			fmt.Fprintf(&b, "| %s | %s | %.2f | %s %.2f | %s |\n", g.Name, g.Type, g.Measured, g.Operator, g.Threshold, result)
		}
	}

	writeStructural(&b, run.Validation)
	writeReview(&b, run.Review)

	if len(run.Errors) > 0 {
		b.WriteString("\n## Errors\n")
		for _, e := range run.Errors {
			fmt.Fprintf(&b, "- `%s`\n", e)
		}
	}

	finished := run.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	fmt.Fprintf(&b, "\n---\n*Report generated at: %s*\n", finished.UTC().Format("2006-01-02 15:04:05 UTC"))

	_, err := io.WriteString(w, b.String())
	return err
}

func writeStructural(b *strings.Builder, val *pipeline.ValidationResult) {
	b.WriteString("\n## Structural analysis\n")
	if val == nil {
		b.WriteString("- **Status**: ⚠️ NOT RUN\n")
		return
	}
	fmt.Fprintf(b, "- **Status**: %s\n", checkLabel(val.Valid))
	fmt.Fprintf(b, "- **Score**: %.0f/100\n", val.Score)
	fmt.Fprintf(b, "- **Issues found**: %d\n", len(val.Issues))
	fmt.Fprintf(b, "- **Errors**: %d\n", val.Summary[pipeline.SeverityError])
	fmt.Fprintf(b, "- **Warnings**: %d\n", val.Summary[pipeline.SeverityWarning])
	fmt.Fprintf(b, "- **Info**: %d\n", val.Summary[pipeline.SeverityInfo])

	if len(val.Issues) == 0 {
		return
	}
	b.WriteString("\n### Detailed issues\n")
	var order []string
	byCategory := make(map[string][]pipeline.Issue)
	for _, is := range val.Issues {
		if _, ok := byCategory[is.Category]; !ok {
			order = append(order, is.Category)
		}
		byCategory[is.Category] = append(byCategory[is.Category], is)
	}
	for _, cat := range order {
		fmt.Fprintf(b, "\n#### %s\n", titleCase(cat))
		for _, is := range byCategory[cat] {
			fmt.Fprintf(b, "- %s ", severityIcon(is.Severity))
			if is.File != "" {
				fmt.Fprintf(b, "**%s**", is.File)
				if is.Line > 0 {
					fmt.Fprintf(b, ":%d", is.Line)
				}
				b.WriteString(": ")
			}
			b.WriteString(is.Message)
			b.WriteString("\n")
			if is.Suggestion != "" {
				fmt.Fprintf(b, "  💡 *%s*\n", is.Suggestion)
			}
		}
	}
}

func writeReview(b *strings.Builder, r *pipeline.ReviewResult) {
	b.WriteString("\n## Code review\n")
	if r == nil {
		b.WriteString("- **Status**: ⚠️ NOT AVAILABLE\n")
		return
	}
	if r.Reviewer == "" {
		b.WriteString("- **Status**: ⚠️ FAILED\n")
		for _, e := range r.Errors {
			fmt.Fprintf(b, "- **Error**: %s\n", e)
		}
		return
	}
	fmt.Fprintf(b, "- **Status**: %s\n", checkLabel(r.Success))
	reviewer := r.Reviewer
	if r.Fallback {
		reviewer += " (fallback)"
	}
	fmt.Fprintf(b, "- **Reviewer**: %s\n", reviewer)
	fmt.Fprintf(b, "- **Score**: %.0f/100\n", r.Score)
	if r.Summary != "" {
		fmt.Fprintf(b, "\n%s\n", r.Summary)
	}
	if len(r.Findings) > 0 {
		b.WriteString("\n### Recommendations\n")
		for i, f := range r.Findings {
			if i == maxReviewFindings {
				fmt.Fprintf(b, "\n*%d more not shown*\n", len(r.Findings)-maxReviewFindings)
				break
			}
			fmt.Fprintf(b, "%d. %s\n", i+1, f)
		}
	}
}

func ratingIcon(score float64) string {
	switch {
	case score >= 90:
		return "✅"
	case score >= 75:
		return "🟢"
	case score >= 60:
		return "🟡"
	}
	return "🔴"
}

func checkLabel(ok bool) string {
	if ok {
		return "✅ PASSED"
	}
	return "❌ FAILED"
}

func severityIcon(s pipeline.Severity) string {
	switch s {
	case pipeline.SeverityError:
		return "❌"
	case pipeline.SeverityWarning:
		return "⚠️"
	}
	return "ℹ️"
}

// titleCase turns "merge-conflict" into "Merge Conflict".
func titleCase(s string) string {
	words := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '_' || r == ' ' })
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
