package review

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// DefaultScore is used when a reviewer's answer cannot be parsed.
const DefaultScore = 50

const (
	maxPromptIssues = 10
	maxPromptDiff   = 32 * 1024
)

const responseFormat = `{
  "overall_score": 85,
  "summary": "one paragraph",
  "findings": ["specific, actionable finding"],
  "critical_issues": [],
  "approval_recommendation": "APPROVE | APPROVE_WITH_SUGGESTIONS | REQUEST_CHANGES"
}`

// BuildPrompt renders the review request for a language model.
func BuildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review the code change for pull request #%d of %s (branch %s", req.PullRequest, req.Repository, req.Branch)
	if req.Commit != "" {
		fmt.Fprintf(&b, ", commit %s", shortCommit(req.Commit))
	}
	b.WriteString(").\n\n")

	b.WriteString("## Pipeline results\n")
	failedSteps := 0
	for _, s := range req.Steps {
		if !s.Success && !s.Skipped {
			failedSteps++
		}
	}
	fmt.Fprintf(&b, "- Build steps: %d, failed: %d\n", len(req.Steps), failedSteps)
	if req.Checks != nil {
		fmt.Fprintf(&b, "- Tests: %d total, %d passed, %d failed, %d skipped\n",
			req.Checks.Total, req.Checks.Passed, req.Checks.Failed, req.Checks.Skipped)
		if !req.Checks.Coverage.IsZero() {
			fmt.Fprintf(&b, "- Line coverage: %.1f%%\n", req.Checks.Coverage.Lines.Percent())
		}
	}
	for _, g := range req.Gates {
		status := "passed"
		if !g.Success {
			status = "failed"
		}
		fmt.Fprintf(&b, "- Gate %s (%s): measured %.2f %s %.2f, %s\n", g.Name, g.Type, g.Measured, g.Operator, g.Threshold, status)
	}

	if v := req.Validation; v != nil && len(v.Issues) > 0 {
		b.WriteString("\n## Structural issues\n")
		for i, issue := range v.Issues {
			if i == maxPromptIssues {
				fmt.Fprintf(&b, "- ... and %d more\n", len(v.Issues)-maxPromptIssues)
				break
			}
			fmt.Fprintf(&b, "- %s [%s] %s", strings.ToUpper(string(issue.Severity)), issue.Category, issue.Message)
			if issue.File != "" {
				fmt.Fprintf(&b, " (%s)", issue.File)
			}
			b.WriteString("\n")
		}
	}

	if len(req.ChangedFiles) > 0 {
		b.WriteString("\n## Changed files\n")
		for _, f := range req.ChangedFiles {
			fmt.Fprintf(&b, "- %s\n", f)
		}
	}

	if req.Diff != "" {
		diff := req.Diff
		if len(diff) > maxPromptDiff {
			diff = diff[:maxPromptDiff] + "\n[diff truncated]"
		}
		b.WriteString("\n## Diff\n```diff\n")
		b.WriteString(diff)
		b.WriteString("\n```\n")
	}

	b.WriteString("\nAssess correctness, security, performance, test coverage and design. ")
	b.WriteString("Answer with a single JSON object in this format:\n\n")
	b.WriteString(responseFormat)
	b.WriteString("\n")
	return b.String()
}

func shortCommit(c string) string {
	if len(c) > 12 {
		return c[:12]
	}
	return c
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

type response struct {
	OverallScore    *float64 `json:"overall_score"`
	Summary         string   `json:"summary"`
	Findings        []string `json:"findings"`
	Recommendations []string `json:"recommendations"`
	CriticalIssues  []string `json:"critical_issues"`
	Approval        string   `json:"approval_recommendation"`
}

// ParseResponse reads a reviewer's answer. The JSON object may be fenced in a
// ```json block or make up the whole text. An answer that is not JSON yields
// an unsuccessful result scored DefaultScore with the raw text as summary.
func ParseResponse(text string) *Result {
	raw := strings.TrimSpace(text)
	candidate := raw
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		candidate = m[1]
	} else if i, j := strings.IndexByte(raw, '{'), strings.LastIndexByte(raw, '}'); i >= 0 && j > i {
		candidate = raw[i : j+1]
	}

	var resp response
	if err := json.Unmarshal([]byte(candidate), &resp); err != nil {
		return &Result{
			Success:  false,
			Score:    DefaultScore,
			Summary:  raw,
			Findings: []string{"could not parse review response"},
		}
	}

	score := float64(DefaultScore)
	if resp.OverallScore != nil {
		score = max(0, min(100, *resp.OverallScore))
	}
	var findings []string
	for _, c := range resp.CriticalIssues {
		findings = append(findings, "critical: "+c)
	}
	findings = append(findings, resp.Findings...)
	findings = append(findings, resp.Recommendations...)

	return &Result{
		Success:  len(resp.CriticalIssues) == 0 && !strings.EqualFold(resp.Approval, "REQUEST_CHANGES"),
		Findings: findings,
		Summary:  resp.Summary,
		Score:    score,
	}
}
