package report

import (
	"encoding/xml"
	"fmt"
	"io"
	"time"

	"github.com/fyrsmithlabs/prgate/internal/pipeline"
)

const maxJUnitOutput = 8 * 1024

type junitSuites struct {
	XMLName  xml.Name     `xml:"testsuites"`
	Name     string       `xml:"name,attr"`
	Tests    int          `xml:"tests,attr"`
	Failures int          `xml:"failures,attr"`
	Skipped  int          `xml:"skipped,attr"`
	Time     string       `xml:"time,attr"`
	Suites   []junitSuite `xml:"testsuite"`
}

type junitSuite struct {
	Name     string      `xml:"name,attr"`
	Tests    int         `xml:"tests,attr"`
	Failures int         `xml:"failures,attr"`
	Skipped  int         `xml:"skipped,attr"`
	Time     string      `xml:"time,attr"`
	Cases    []junitCase `xml:"testcase"`
}

type junitCase struct {
	Name      string        `xml:"name,attr"`
	Classname string        `xml:"classname,attr"`
	Time      string        `xml:"time,attr"`
	Failure   *junitFailure `xml:"failure,omitempty"`
	Skipped   *junitSkipped `xml:"skipped,omitempty"`
	SystemOut string        `xml:"system-out,omitempty"`
}

type junitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr,omitempty"`
	Text    string `xml:",chardata"`
}

type junitSkipped struct {
	Message string `xml:"message,attr,omitempty"`
}

func seconds(d time.Duration) string {
	return fmt.Sprintf("%.3f", d.Seconds())
}

func (s *junitSuite) add(c junitCase) {
	s.Tests++
	switch {
	case c.Failure != nil:
		s.Failures++
	case c.Skipped != nil:
		s.Skipped++
	}
	s.Cases = append(s.Cases, c)
}

// JUnit writes build steps, each check suite and the gates as testsuites.
func JUnit(w io.Writer, run *pipeline.PipelineRun) error {
	doc := junitSuites{Name: fmt.Sprintf("prgate %s", run.ID), Time: seconds(run.Elapsed)}

	if len(run.Steps) > 0 {
		suite := junitSuite{Name: "build"}
		var total time.Duration
		for _, s := range run.Steps {
			total += s.Duration
			c := junitCase{Name: s.Name, Classname: "build", Time: seconds(s.Duration)}
			switch {
			case s.Skipped:
				c.Skipped = &junitSkipped{Message: s.Error}
			case !s.Success:
				c.Failure = &junitFailure{Message: s.Error, Type: failureType(s.TimedOut), Text: tail(s.Output, maxJUnitOutput)}
			default:
				c.SystemOut = fmt.Sprintf("cache: %s", s.CacheStatus)
			}
			suite.add(c)
		}
		suite.Time = seconds(total)
		doc.Suites = append(doc.Suites, suite)
	}

	if run.Checks != nil {
		for _, sr := range run.Checks.Suites {
			doc.Suites = append(doc.Suites, checkSuite(sr))
		}
	}

	if len(run.Gates) > 0 {
		suite := junitSuite{Name: "gates", Time: seconds(0)}
		for _, g := range run.Gates {
			c := junitCase{Name: g.Name, Classname: "gates." + string(g.Type), Time: seconds(0)}
			if !g.Success {
				msg := g.Error
				if msg == "" {
					msg = fmt.Sprintf("measured %.2f, want %s %.2f", g.Measured, g.Operator, g.Threshold)
				}
				c.Failure = &junitFailure{Message: msg, Type: "gate"}
			}
			suite.add(c)
		}
		doc.Suites = append(doc.Suites, suite)
	}

	for _, s := range doc.Suites {
		doc.Tests += s.Tests
		doc.Failures += s.Failures
		doc.Skipped += s.Skipped
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

func checkSuite(sr pipeline.SuiteResult) junitSuite {
	suite := junitSuite{Name: sr.Name, Time: seconds(sr.Duration)}
	for _, cc := range sr.Cases {
		c := junitCase{Name: cc.Name, Classname: sr.Name, Time: seconds(cc.Duration)}
		switch cc.Status {
		case pipeline.CaseFailed:
			c.Failure = &junitFailure{Message: cc.Message, Type: "test"}
			if cc.File != "" {
				c.Failure.Text = fmt.Sprintf("%s:%d", cc.File, cc.Line)
			}
		case pipeline.CaseSkipped:
			c.Skipped = &junitSkipped{Message: cc.Message}
		}
		suite.add(c)
	}
	// A suite that failed without a failing case, or reported no cases,
	// gets a case of its own so the failure is visible.
	if len(sr.Cases) == 0 || (!sr.Success && sr.Count(pipeline.CaseFailed) == 0) {
		c := junitCase{Name: sr.Name, Classname: sr.Name, Time: seconds(sr.Duration)}
		if !sr.Success {
			msg := sr.Error
			if msg == "" {
				msg = fmt.Sprintf("exit code %d", sr.ExitCode)
			}
			c.Failure = &junitFailure{Message: msg, Type: failureType(sr.TimedOut), Text: tail(sr.Output, maxJUnitOutput)}
		}
		suite.add(c)
	}
	return suite
}

func failureType(timedOut bool) string {
	if timedOut {
		return "timeout"
	}
	return "exit"
}
