package checks

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

// Coverage profile formats.
const (
	FormatLCOV = "lcov"
	FormatGo   = "go"
)

// ReadCoverage parses the profile at path. An empty format detects it from
// the content.
func ReadCoverage(path, format string) (pipeline.CoverageMetric, error) {
	f, err := os.Open(path)
	if err != nil {
		return pipeline.CoverageMetric{}, fmt.Errorf("opening coverage profile: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, 256<<20))
	if err != nil {
		return pipeline.CoverageMetric{}, fmt.Errorf("reading coverage profile: %w", err)
	}
	return ParseCoverage(string(data), format)
}

// ParseCoverage parses an lcov tracefile or a Go cover profile.
func ParseCoverage(data, format string) (pipeline.CoverageMetric, error) {
	if format == "" {
		format = FormatLCOV
		if strings.HasPrefix(strings.TrimSpace(data), "mode:") {
			format = FormatGo
		}
	}
	switch format {
	case FormatLCOV:
		return parseLCOV(data), nil
	case FormatGo:
		return parseGoProfile(data)
	}
	return pipeline.CoverageMetric{}, fmt.Errorf("unknown coverage format %q", format)
}

// parseLCOV sums the per-file summary records. Files without LF/LH fall back
// to counting DA records.
func parseLCOV(data string) pipeline.CoverageMetric {
	var m pipeline.CoverageMetric
	var da pipeline.Counter
	haveSummary := false

	flush := func() {
		if !haveSummary {
			m.Lines = m.Lines.Add(da)
		}
		da = pipeline.Counter{}
		haveSummary = false
	}

	sc := bufio.NewScanner(strings.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), ":")
		if !ok {
			if key == "end_of_record" {
				flush()
			}
			continue
		}
		switch key {
		case "LF":
			m.Lines.Total += atoi(value)
			haveSummary = true
		case "LH":
			m.Lines.Covered += atoi(value)
		case "FNF":
			m.Functions.Total += atoi(value)
		case "FNH":
			m.Functions.Covered += atoi(value)
		case "BRF":
			m.Branches.Total += atoi(value)
		case "BRH":
			m.Branches.Covered += atoi(value)
		case "DA":
			parts := strings.Split(value, ",")
			if len(parts) >= 2 {
				da.Total++
				if atoi(parts[1]) > 0 {
					da.Covered++
				}
			}
		}
	}
	flush()
	return m
}

// parseGoProfile reads "file:start.col,end.col numStmts count" blocks. The
// same block may repeat when profiles are concatenated; it counts once and
// is covered if any occurrence is.
func parseGoProfile(data string) (pipeline.CoverageMetric, error) {
	type block struct {
		stmts   int
		covered bool
	}
	blocks := make(map[string]*block)
	var order []string

	sc := bufio.NewScanner(strings.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "mode:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 3 {
			return pipeline.CoverageMetric{}, fmt.Errorf("go cover profile line %d: malformed block %q", lineNo, line)
		}
		stmts, err := strconv.Atoi(fields[1])
		if err != nil {
			return pipeline.CoverageMetric{}, fmt.Errorf("go cover profile line %d: %w", lineNo, err)
		}
		count, err := strconv.Atoi(fields[2])
		if err != nil {
			return pipeline.CoverageMetric{}, fmt.Errorf("go cover profile line %d: %w", lineNo, err)
		}

		b, ok := blocks[fields[0]]
		if !ok {
			b = &block{stmts: stmts}
			blocks[fields[0]] = b
			order = append(order, fields[0])
		}
		if count > 0 {
			b.covered = true
		}
	}
	if err := sc.Err(); err != nil {
		return pipeline.CoverageMetric{}, err
	}

	var m pipeline.CoverageMetric
	for _, key := range order {
		b := blocks[key]
		m.Statements.Total += b.stmts
		if b.covered {
			m.Statements.Covered += b.stmts
		}
	}
	return m, nil
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
