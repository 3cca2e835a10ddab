package engine

import (
	"encoding/json"
	"fmt"
)

// RunStatus represents the overall status of a provisioning or restoration run.
type RunStatus string

const (
	// RunStatusProvisioning indicates the run is in progress.
	RunStatusProvisioning RunStatus = "provisioning"

	// RunStatusSucceeded indicates every step succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates at least one step failed or was skipped.
	RunStatusFailed RunStatus = "failed"

	// RunStatusInterrupted indicates the caller cancelled dispatch before every step ran.
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusInterrupted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusProvisioning, RunStatusSucceeded, RunStatusFailed, RunStatusInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// StepStatus represents the status of one step during a run.
type StepStatus string

const (
	// StepStatusPending indicates the step has not been dispatched.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSucceeded indicates the step completed successfully.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step failed with a non-retryable error.
	StepStatusFailed StepStatus = "failed"

	// StepStatusRetryExhausted indicates the step kept failing transiently until its budget ran out.
	StepStatusRetryExhausted StepStatus = "retry_exhausted"

	// StepStatusSkipped indicates the step never ran because a dependency failed or dispatch stopped.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed ||
		s == StepStatusRetryExhausted || s == StepStatusSkipped
}

// IsFailure returns true for statuses that fail the run by themselves.
func (s StepStatus) IsFailure() bool {
	return s == StepStatusFailed || s == StepStatusRetryExhausted
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSucceeded,
		StepStatusFailed, StepStatusRetryExhausted, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// StatusForError maps a step error to its terminal status.
func StatusForError(err error) StepStatus {
	switch {
	case err == nil:
		return StepStatusSucceeded
	case IsRetryExhausted(err):
		return StepStatusRetryExhausted
	default:
		return StepStatusFailed
	}
}

// EventType represents the type of event in the execution timeline.
type EventType string

const (
	EventTypeRunStarted    EventType = "run_started"
	EventTypeRunCompleted  EventType = "run_completed"
	EventTypeRunFailed     EventType = "run_failed"
	EventTypeStepStarted   EventType = "step_started"
	EventTypeStepCompleted EventType = "step_completed"
	EventTypeStepFailed    EventType = "step_failed"
	EventTypeStepSkipped   EventType = "step_skipped"
	EventTypeRecordWritten EventType = "record_written"
	EventTypeRecordDeleted EventType = "record_deleted"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeStepFailed:
		return "error"
	case EventTypeStepSkipped:
		return "warning"
	default:
		return "info"
	}
}
