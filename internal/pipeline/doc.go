// Package pipeline defines the data model shared by every prgate component.
//
// # Overview
//
// A PipelineRun is the aggregate root of one validation run. It is created by
// the orchestrator when the run starts, appended to as each stage completes,
// and frozen once teardown finishes. Components never mutate a PipelineRun
// directly; executors return value results (StepResult, SuiteResult,
// GateResult) and the orchestrator records them.
//
// # Units of work
//
//   - Step: one build command with declared dependencies
//   - CheckSuite: one test command whose output is parsed into CheckCases
//   - Gate: a measurement compared against a threshold
//
// Steps, suites and gates each carry a Required flag. Only required failures
// block the verdict.
//
// # Errors
//
// The error taxonomy lives in errors.go. Configuration errors abort a run
// before any execution; everything else is converted into result records at
// the executor boundary.
package pipeline
