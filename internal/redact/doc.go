// Package redact removes credentials from command output before a run is
// recorded.
//
// Build steps, check suites and stage commands print whatever the project's
// tooling prints, which can include tokens from the environment. Everything
// that leaves the process (reports, PR comments, run history, published
// events) is built from the run record, so the orchestrator passes the record
// through a Redactor once, after the verdict and before anything is written.
//
// Rules are regular expressions with an optional keyword prefilter. When a
// rule's pattern has a capture group only the group is replaced, so
// "password=hunter22" becomes "password=[REDACTED]".
package redact
