package pipeline

// Counter is a covered/total pair for one coverage category.
type Counter struct {
	Covered int `json:"covered"`
	Total   int `json:"total"`
}

// Percent returns the covered percentage, or 0 when nothing was measured.
func (c Counter) Percent() float64 {
	if c.Total <= 0 {
		return 0
	}
	return float64(c.Covered) * 100 / float64(c.Total)
}

// Add sums two counters.
func (c Counter) Add(o Counter) Counter {
	return Counter{Covered: c.Covered + o.Covered, Total: c.Total + o.Total}
}

// CoverageMetric holds the four coverage categories. Percentages are always
// derived from the counters.
type CoverageMetric struct {
	Lines      Counter `json:"lines"`
	Functions  Counter `json:"functions"`
	Branches   Counter `json:"branches"`
	Statements Counter `json:"statements"`
}

// Add sums each category.
func (m CoverageMetric) Add(o CoverageMetric) CoverageMetric {
	return CoverageMetric{
		Lines:      m.Lines.Add(o.Lines),
		Functions:  m.Functions.Add(o.Functions),
		Branches:   m.Branches.Add(o.Branches),
		Statements: m.Statements.Add(o.Statements),
	}
}

// IsZero reports whether no category has any measured total.
func (m CoverageMetric) IsZero() bool {
	return m.Lines.Total == 0 && m.Functions.Total == 0 &&
		m.Branches.Total == 0 && m.Statements.Total == 0
}

// MergeCoverage sums covered and total counts per category across snapshots.
func MergeCoverage(metrics ...CoverageMetric) CoverageMetric {
	var merged CoverageMetric
	for _, m := range metrics {
		merged = merged.Add(m)
	}
	return merged
}
