package checks

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

var (
	// ✓ renders the page (12ms)
	markLine = regexp.MustCompile(`^\s*([✓✔√✗✘×✕]|-)\s+(.+?)\s*(?:\((\d+(?:\.\d+)?)\s*(ns|us|µs|ms|s|m)\))?\s*$`)

	// ok 1 - renders the page # time=12ms
	tapLine = regexp.MustCompile(`^\s*(not ok|ok)\s+(\d+)\b\s*(?:-\s*)?(.*?)\s*$`)

	// --- FAIL: TestRender (0.01s)
	goTestLine = regexp.MustCompile(`^\s*--- (PASS|FAIL|SKIP): (\S+) \((\d+(?:\.\d+)?)s\)\s*$`)

	// file.go:42: or file.js:42:7
	locationRef = regexp.MustCompile(`([\w./-]+\.[a-zA-Z]+):(\d+)`)

	tapTime = regexp.MustCompile(`(?i)\btime=(\d+(?:\.\d+)?)\s*(ns|us|µs|ms|s|m)?`)
)

// ParseCases extracts test cases from suite output.
//
// Three reporting styles are recognized: mark lines ("✓ name (12ms)",
// "✗ name", "- name" for skipped), numbered TAP lines ("ok 1 - name",
// "not ok 2 - name", "# SKIP" and "# TODO" directives, "# time=12ms") and
// verbose go test lines ("--- FAIL: TestName (0.01s)"). Lines in no known
// style are dropped; a malformed line never fails the parse. A "- name" line
// counts only once a check or cross mark has been seen, or when it carries a
// duration, so plain bullet lists in build output are not read as cases.
func ParseCases(output string) []pipeline.CheckCase {
	var cases []pipeline.CheckCase
	var last *pipeline.CheckCase
	marks := false

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if c, ok := parseLine(line, &marks); ok {
			cases = append(cases, c)
			last = &cases[len(cases)-1]
			continue
		}
		// Attach the first source location printed under a failure.
		if last != nil && last.Status == pipeline.CaseFailed && last.File == "" {
			if m := locationRef.FindStringSubmatch(line); m != nil {
				if n, err := strconv.Atoi(m[2]); err == nil {
					last.File = m[1]
					last.Line = n
					last.Message = strings.TrimSpace(line)
				}
			}
		}
	}
	return cases
}

// parseLine parses one line. marks records whether a check or cross mark
// line has been seen so far.
func parseLine(line string, marks *bool) (pipeline.CheckCase, bool) {
	if m := goTestLine.FindStringSubmatch(line); m != nil {
		return pipeline.CheckCase{Name: m[2], Status: goStatus(m[1]), Duration: parseDuration(m[3], "s")}, true
	}

	if m := tapLine.FindStringSubmatch(line); m != nil {
		return parseTAP(m[1], m[2], m[3])
	}

	if m := markLine.FindStringSubmatch(line); m != nil {
		name := strings.TrimSpace(m[2])
		if name == "" {
			return pipeline.CheckCase{}, false
		}
		if m[1] != "-" {
			*marks = true
		} else if !*marks && m[3] == "" {
			return pipeline.CheckCase{}, false
		}
		c := pipeline.CheckCase{Name: name, Status: markStatus(m[1])}
		if m[3] != "" {
			c.Duration = parseDuration(m[3], m[4])
		}
		return c, true
	}

	return pipeline.CheckCase{}, false
}

func parseTAP(verdict, number, rest string) (pipeline.CheckCase, bool) {
	name, directive, _ := strings.Cut(rest, "#")
	name = strings.TrimSpace(name)
	if name == "" {
		name = "test " + number
	}

	c := pipeline.CheckCase{Name: name, Status: pipeline.CasePassed}
	if verdict == "not ok" {
		c.Status = pipeline.CaseFailed
	}

	directive = strings.TrimSpace(directive)
	upper := strings.ToUpper(directive)
	switch {
	case strings.HasPrefix(upper, "SKIP"), strings.HasPrefix(upper, "TODO"):
		c.Status = pipeline.CaseSkipped
		c.Message = strings.TrimSpace(directive[4:])
	}
	if m := tapTime.FindStringSubmatch(directive); m != nil {
		unit := m[2]
		if unit == "" {
			unit = "ms"
		}
		c.Duration = parseDuration(m[1], unit)
	}
	return c, true
}

func parseDuration(value, unit string) time.Duration {
	if unit == "µs" {
		unit = "us"
	}
	d, err := time.ParseDuration(value + unit)
	if err != nil {
		return 0
	}
	return d
}

func markStatus(mark string) pipeline.CaseStatus {
	switch mark {
	case "✓", "✔", "√":
		return pipeline.CasePassed
	case "-":
		return pipeline.CaseSkipped
	}
	return pipeline.CaseFailed
}

func goStatus(s string) pipeline.CaseStatus {
	switch s {
	case "PASS":
		return pipeline.CasePassed
	case "SKIP":
		return pipeline.CaseSkipped
	}
	return pipeline.CaseFailed
}
