package redact

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// DefaultReplacement is written in place of a finding.
const DefaultReplacement = "[REDACTED]"

// Options configures a Redactor.
type Options struct {
	// Replacement defaults to DefaultReplacement.
	Replacement string
	// Patterns are added to DefaultRules.
	Patterns []string
	// Literals are exact values that are always redacted, such as the
	// tokens prgate itself was configured with. Empty values are ignored.
	Literals []string
	// AllowList patterns exempt matching findings.
	AllowList []string
}

type compiledRule struct {
	id       string
	re       *regexp.Regexp
	keywords []string
}

// Redactor replaces credentials in text. A nil *Redactor leaves text
// unchanged. It is safe for concurrent use.
type Redactor struct {
	rules       []compiledRule
	allow       []*regexp.Regexp
	replacement string
}

// New compiles the built-in rules plus opts.Patterns and opts.Literals.
func New(opts Options) (*Redactor, error) {
	rules := DefaultRules()
	for i, p := range opts.Patterns {
		rules = append(rules, Rule{ID: fmt.Sprintf("custom-%d", i+1), Pattern: p})
	}
	for _, lit := range opts.Literals {
		if lit != "" {
			rules = append(rules, Rule{ID: "configured-secret", Pattern: regexp.QuoteMeta(lit)})
		}
	}

	r := &Redactor{replacement: opts.Replacement}
	if r.replacement == "" {
		r.replacement = DefaultReplacement
	}
	for _, rule := range rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: invalid pattern: %w", rule.ID, err)
		}
		keywords := make([]string, len(rule.Keywords))
		for i, kw := range rule.Keywords {
			keywords[i] = strings.ToLower(kw)
		}
		r.rules = append(r.rules, compiledRule{id: rule.ID, re: re, keywords: keywords})
	}
	for i, p := range opts.AllowList {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allow list %d: invalid pattern: %w", i, err)
		}
		r.allow = append(r.allow, re)
	}
	return r, nil
}

type span struct {
	start, end int
}

// String returns s with every finding replaced, and the number of
// replacements made. Overlapping findings count once.
func (r *Redactor) String(s string) (string, int) {
	if r == nil || s == "" {
		return s, 0
	}

	var lower string
	var spans []span
	for _, rule := range r.rules {
		if len(rule.keywords) > 0 {
			if lower == "" {
				lower = strings.ToLower(s)
			}
			if !containsAny(lower, rule.keywords) {
				continue
			}
		}
		for _, m := range rule.re.FindAllStringSubmatchIndex(s, -1) {
			start, end := m[0], m[1]
			if len(m) >= 4 && m[2] >= 0 {
				start, end = m[2], m[3]
			}
			if start == end || r.allowed(s[start:end]) {
				continue
			}
			spans = append(spans, span{start: start, end: end})
		}
	}
	if len(spans) == 0 {
		return s, 0
	}

	spans = merge(spans)
	var b strings.Builder
	b.Grow(len(s))
	last := 0
	for _, sp := range spans {
		b.WriteString(s[last:sp.start])
		b.WriteString(r.replacement)
		last = sp.end
	}
	b.WriteString(s[last:])
	return b.String(), len(spans)
}

// Run redacts every free-text field of run in place and returns the number
// of replacements.
func (r *Redactor) Run(run *pipeline.PipelineRun) int {
	if r == nil || run == nil {
		return 0
	}

	n := 0
	scrub := func(s *string) {
		var k int
		*s, k = r.String(*s)
		n += k
	}
	scrubAttempts := func(attempts []pipeline.Attempt) {
		for i := range attempts {
			scrub(&attempts[i].Error)
		}
	}

	for i := range run.Stages {
		scrub(&run.Stages[i].Output)
		scrub(&run.Stages[i].Error)
	}
	for i := range run.Steps {
		step := &run.Steps[i]
		scrub(&step.Output)
		scrub(&step.Error)
		scrubAttempts(step.Attempts)
	}
	if run.Checks != nil {
		for i := range run.Checks.Suites {
			suite := &run.Checks.Suites[i]
			scrub(&suite.Output)
			scrub(&suite.Error)
			scrubAttempts(suite.Attempts)
			for j := range suite.Cases {
				scrub(&suite.Cases[j].Message)
			}
		}
	}
	if run.Validation != nil {
		for i := range run.Validation.Issues {
			scrub(&run.Validation.Issues[i].Message)
		}
	}
	if run.Review != nil {
		scrub(&run.Review.Summary)
		for i := range run.Review.Findings {
			scrub(&run.Review.Findings[i])
		}
		for i := range run.Review.Errors {
			scrub(&run.Review.Errors[i])
		}
	}
	for i := range run.Logs {
		scrub(&run.Logs[i].Message)
	}
	for i := range run.Errors {
		scrub(&run.Errors[i])
	}
	return n
}

func (r *Redactor) allowed(match string) bool {
	for _, re := range r.allow {
		if re.MatchString(match) {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

// merge sorts spans and joins overlapping or adjacent ones.
func merge(spans []span) []span {
	slices.SortFunc(spans, func(a, b span) int {
		return cmp.Compare(a.start, b.start)
	})
	merged := spans[:1]
	for _, cur := range spans[1:] {
		last := &merged[len(merged)-1]
		if cur.start <= last.end {
			last.end = max(last.end, cur.end)
			continue
		}
		merged = append(merged, cur)
	}
	return merged
}
