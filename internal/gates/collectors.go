package gates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
	"github.com/fyrsmithlabs/prgate/internal/shell"
)

// CoverageCollector reads the merged coverage of the check summary.
// Gate.Metric selects lines (default), functions, branches or statements.
// With no metric and no line data, statements are used.
type CoverageCollector struct{}

// Collect implements Collector.
func (CoverageCollector) Collect(_ context.Context, req Request) (Measurement, error) {
	if req.Summary == nil {
		return Measurement{}, unavailable(req, "coverage", errors.New("no check summary"))
	}
	cov := req.Summary.Coverage

	metric := strings.ToLower(req.Gate.Metric)
	var c pipeline.Counter
	switch metric {
	case "", "lines":
		metric = "lines"
		c = cov.Lines
		if c.Total == 0 && req.Gate.Metric == "" && cov.Statements.Total > 0 {
			metric, c = "statements", cov.Statements
		}
	case "functions":
		c = cov.Functions
	case "branches":
		c = cov.Branches
	case "statements":
		c = cov.Statements
	default:
		return Measurement{}, unavailable(req, metric, fmt.Errorf("unknown coverage metric %q", req.Gate.Metric))
	}
	if c.Total == 0 {
		return Measurement{}, unavailable(req, "coverage."+metric, errors.New("no coverage data collected"))
	}

	pct := c.Percent()
	return Measurement{
		Value: pct,
		Score: score(pct),
		Details: map[string]any{
			"metric":  metric,
			"covered": c.Covered,
			"total":   c.Total,
		},
	}, nil
}

// ComplexityCollector runs a complexity tool and reports the mean.
//
// Accepted outputs: JSON {"files":[{"path","complexity"}]}, gocyclo lines
// ("12 pkg Func file.go:10:1") and "name: N" lines.
type ComplexityCollector struct {
	Runner shell.Runner
}

var (
	gocycloLine = regexp.MustCompile(`^\s*(\d+)\s+\S+\s+(\S+)\s+\S+:\d+:\d+\s*$`)
	namedValue  = regexp.MustCompile(`^\s*([^:#]+?)\s*:\s*(-?\d+(?:\.\d+)?)\s*$`)
)

type complexityReport struct {
	Files []struct {
		Path       string  `json:"path"`
		Complexity float64 `json:"complexity"`
	} `json:"files"`
}

// Collect implements Collector.
func (c ComplexityCollector) Collect(ctx context.Context, req Request) (Measurement, error) {
	res, err := runGateCommand(ctx, c.Runner, req)
	if err != nil {
		return Measurement{}, err
	}

	values := make(map[string]float64)
	var report complexityReport
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &report); err == nil && len(report.Files) > 0 {
		for _, f := range report.Files {
			values[f.Path] = f.Complexity
		}
	} else {
		for _, line := range strings.Split(res.Combined, "\n") {
			if m := gocycloLine.FindStringSubmatch(line); m != nil {
				v, _ := strconv.ParseFloat(m[1], 64)
				values[m[2]] = v
			} else if m := namedValue.FindStringSubmatch(line); m != nil {
				v, _ := strconv.ParseFloat(m[2], 64)
				values[m[1]] = v
			}
		}
	}
	if len(values) == 0 {
		return Measurement{}, unavailable(req, "complexity", errors.New("no complexity values in tool output"))
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	var sum, worst float64
	worstName := ""
	for _, name := range names {
		v := values[name]
		sum += v
		if v > worst || worstName == "" {
			worst, worstName = v, name
		}
	}
	return Measurement{
		Value: sum / float64(len(values)),
		Details: map[string]any{
			"units":   len(values),
			"max":     worst,
			"max_of":  worstName,
			"command": req.Gate.Command,
		},
	}, nil
}

// DuplicationCollector runs a duplication tool and reports the percentage of
// duplicated lines, from JSON {"duplicated_lines","total_lines"} or the last
// "N%" in the output.
type DuplicationCollector struct {
	Runner shell.Runner
}

var percentValue = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)

type duplicationReport struct {
	DuplicatedLines *int `json:"duplicated_lines"`
	TotalLines      *int `json:"total_lines"`
}

// Collect implements Collector.
func (c DuplicationCollector) Collect(ctx context.Context, req Request) (Measurement, error) {
	res, err := runGateCommand(ctx, c.Runner, req)
	if err != nil {
		return Measurement{}, err
	}

	details := map[string]any{"command": req.Gate.Command}
	var pct float64
	var report duplicationReport
	switch {
	case json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &report) == nil && report.TotalLines != nil && report.DuplicatedLines != nil:
		if *report.TotalLines == 0 {
			return Measurement{}, unavailable(req, "duplication", errors.New("tool reported zero total lines"))
		}
		pct = float64(*report.DuplicatedLines) * 100 / float64(*report.TotalLines)
		details["duplicated_lines"] = *report.DuplicatedLines
		details["total_lines"] = *report.TotalLines
	default:
		matches := percentValue.FindAllStringSubmatch(res.Combined, -1)
		if len(matches) == 0 {
			return Measurement{}, unavailable(req, "duplication", errors.New("no duplication percentage in tool output"))
		}
		pct, _ = strconv.ParseFloat(matches[len(matches)-1][1], 64)
	}

	return Measurement{Value: pct, Score: score(100 - pct), Details: details}, nil
}

// PerformanceCollector runs a benchmark command and reads one metric.
//
// Gate.Metric names the benchmark ("BenchmarkParse" also matches
// "BenchmarkParse-8") or a "name: value" line. Benchmark lines report the
// ns/op column.
type PerformanceCollector struct {
	Runner shell.Runner
}

var benchLine = regexp.MustCompile(`^\s*(Benchmark\S*?)(?:-\d+)?\s+(\d+)\s+(\d+(?:\.\d+)?)\s+ns/op`)

// Collect implements Collector.
func (c PerformanceCollector) Collect(ctx context.Context, req Request) (Measurement, error) {
	if req.Gate.Metric == "" {
		return Measurement{}, unavailable(req, "performance", errors.New("performance gate needs a metric name"))
	}
	res, err := runGateCommand(ctx, c.Runner, req)
	if err != nil {
		return Measurement{}, err
	}

	for _, line := range strings.Split(res.Combined, "\n") {
		if m := benchLine.FindStringSubmatch(line); m != nil && m[1] == req.Gate.Metric {
			v, _ := strconv.ParseFloat(m[3], 64)
			iters, _ := strconv.Atoi(m[2])
			return Measurement{Value: v, Details: map[string]any{
				"metric":     req.Gate.Metric,
				"unit":       "ns/op",
				"iterations": iters,
			}}, nil
		}
		if m := namedValue.FindStringSubmatch(line); m != nil && m[1] == req.Gate.Metric {
			v, _ := strconv.ParseFloat(m[2], 64)
			return Measurement{Value: v, Details: map[string]any{"metric": req.Gate.Metric}}, nil
		}
	}
	return Measurement{}, unavailable(req, req.Gate.Metric, errors.New("metric not found in benchmark output"))
}
