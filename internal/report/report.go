// Package report renders a finished run as JUnit XML, JSON, a plain-text
// summary and a markdown pull request comment.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fyrsmithlabs/prgate/internal/aggregate"
	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// Format selects a renderer.
type Format string

const (
	FormatJUnit    Format = "junit"
	FormatJSON     Format = "json"
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
)

// Formats lists every supported format.
func Formats() []Format {
	return []Format{FormatJUnit, FormatJSON, FormatText, FormatMarkdown}
}

// FileName is the file a format is written to by WriteAll.
func (f Format) FileName() string {
	switch f {
	case FormatJUnit:
		return "junit.xml"
	case FormatJSON:
		return "run.json"
	case FormatText:
		return "summary.txt"
	case FormatMarkdown:
		return "comment.md"
	}
	return string(f)
}

// ParseFormat accepts a format name case-insensitively. "md" and "xml" are
// aliases.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "junit", "xml":
		return FormatJUnit, nil
	case "json":
		return FormatJSON, nil
	case "text", "txt":
		return FormatText, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unknown report format %q", s)
}

// Render writes run to w in the given format.
func Render(w io.Writer, format Format, run *pipeline.PipelineRun) error {
	switch format {
	case FormatJUnit:
		return JUnit(w, run)
	case FormatJSON:
		return JSON(w, run)
	case FormatText:
		return Text(w, run)
	case FormatMarkdown:
		return Markdown(w, run)
	}
	return fmt.Errorf("unknown report format %q", format)
}

// WriteAll renders run once per format into dir and returns the written
// paths.
func WriteAll(dir string, formats []Format, run *pipeline.PipelineRun) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report dir: %w", err)
	}
	paths := make([]string, 0, len(formats))
	for _, f := range formats {
		path := filepath.Join(dir, f.FileName())
		if err := writeFile(path, f, run); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func writeFile(path string, format Format, run *pipeline.PipelineRun) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("writing %s report: %w", format, err)
	}
	if err := Render(f, format, run); err != nil {
		f.Close()
		return fmt.Errorf("rendering %s report: %w", format, err)
	}
	return f.Close()
}

// JSON writes the run document.
func JSON(w io.Writer, run *pipeline.PipelineRun) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(run)
}

// verdict returns the stored verdict or computes one.
func verdict(run *pipeline.PipelineRun) pipeline.Verdict {
	if run.Verdict != nil {
		return *run.Verdict
	}
	return aggregate.Aggregate(aggregate.FromRun(run))
}

// Rating maps a 0-100 score to its label.
func Rating(score float64) string {
	switch {
	case score >= 90:
		return "EXCELLENT"
	case score >= 75:
		return "GOOD"
	case score >= 60:
		return "NEEDS IMPROVEMENT"
	}
	return "REQUIRES FIXES"
}

func passFail(ok bool) string {
	if ok {
		return "PASSED"
	}
	return "FAILED"
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
