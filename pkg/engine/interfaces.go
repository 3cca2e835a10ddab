package engine

import (
	"context"
	"time"
)

// StepExecutor performs and reverses plan steps against the host.
// Implementations must be safe for concurrent use by the execution manager.
type StepExecutor interface {
	// Apply performs the step. A nil error means the desired state now holds.
	// Errors are classified with the EngineError classes.
	Apply(ctx context.Context, step *Step) (*ApplyOutcome, error)

	// Revert undoes the change described by an install record.
	Revert(ctx context.Context, record *InstallRecord) error
}

// StateStore persists install records and run status across process invocations.
type StateStore interface {
	// AppendRecord durably stores a record. A record with an existing step ID is rejected.
	AppendRecord(ctx context.Context, record *InstallRecord) error

	// GetRecord returns the record for a step ID, or nil when none exists.
	GetRecord(ctx context.Context, stepID string) (*InstallRecord, error)

	// ListRecords returns every record in insertion order.
	ListRecords(ctx context.Context) ([]InstallRecord, error)

	// DeleteRecord removes the record for a step ID.
	DeleteRecord(ctx context.Context, stepID string) error

	// SaveRun creates or updates a run entry.
	SaveRun(ctx context.Context, run *RunEntry) error

	// LastRun returns the most recent run of the given kind, or nil.
	LastRun(ctx context.Context, kind RunKind) (*RunEntry, error)
}

// RunEntry is the persisted summary of one run.
type RunEntry struct {
	ID          string     `json:"id"`
	Kind        RunKind    `json:"kind"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Config is the merged configuration document the run was executed with.
	Config string `json:"config,omitempty"`
}

// EventPublisher publishes execution events to subscribers.
type EventPublisher interface {
	// Publish publishes an event. Publishing must not block the dispatcher for long.
	Publish(ctx context.Context, event *Event) error
}

// Event represents an entry in the execution timeline.
type Event struct {
	RunID     string                 `json:"run_id"`
	StepID    string                 `json:"step_id,omitempty"`
	Type      EventType              `json:"type"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Observer receives step lifecycle callbacks, used for metrics and tracing.
// The step context passed to StepStarted is the one handed to the executor.
type Observer interface {
	StepStarted(ctx context.Context, runID string, step *Step) context.Context
	StepFinished(ctx context.Context, runID string, step *Step, result *StepResult)
}

// RunOptions contains options for a single run.
type RunOptions struct {
	// Concurrency is the maximum number of steps in flight. Values below one mean one.
	Concurrency int `json:"concurrency"`

	// StepTimeout bounds each step whose own timeout is zero. Zero means unbounded.
	StepTimeout time.Duration `json:"step_timeout,omitempty"`

	// Config is stored with the run entry for later restoration.
	Config string `json:"-"`
}
