package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ConfigurationError reports an invalid pipeline definition. It aborts a run
// before anything executes.
type ConfigurationError struct {
	Reason  string
	Members []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Members) == 0 {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error: %s: %s", e.Reason, strings.Join(e.Members, " -> "))
}

// ExecutionError reports a command that exited non-zero or could not start.
type ExecutionError struct {
	Name     string
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: exit code %d: %v", e.Name, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s: exit code %d", e.Name, e.ExitCode)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// TimeoutError reports an exceeded step, suite or run budget.
type TimeoutError struct {
	// Scope is "step", "suite", "gate", "command" or "run".
	Scope string
	Name  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s timed out after %s", e.Scope, e.After)
	}
	return fmt.Sprintf("%s %s timed out after %s", e.Scope, e.Name, e.After)
}

// CollaboratorError wraps a failure of an external collaborator.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// AggregationInconsistency reports a gate whose measurement could not be
// computed.
type AggregationInconsistency struct {
	Gate        string
	Measurement string
	Err         error
}

func (e *AggregationInconsistency) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gate %s: measurement %q unavailable: %v", e.Gate, e.Measurement, e.Err)
	}
	return fmt.Sprintf("gate %s: measurement %q unavailable", e.Gate, e.Measurement)
}

func (e *AggregationInconsistency) Unwrap() error { return e.Err }

// IsConfiguration reports whether err is a ConfigurationError.
func IsConfiguration(err error) bool {
	var target *ConfigurationError
	return errors.As(err, &target)
}

// IsTimeout reports whether err is a TimeoutError.
func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

// IsCollaborator reports whether err is a CollaboratorError.
func IsCollaborator(err error) bool {
	var target *CollaboratorError
	return errors.As(err, &target)
}
