package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager executes plans with dependency-aware, concurrency-limited dispatch.
// A single dispatcher goroutine owns all scheduling state; each dispatched step
// runs in its own goroutine and reports back on a results channel.
type Manager struct {
	// executor performs and reverses individual steps
	executor StepExecutor

	// store persists install records and runs
	store StateStore

	// publisher receives timeline events, may be nil
	publisher EventPublisher

	// observer receives step lifecycle callbacks, may be nil
	observer Observer

	logger zerolog.Logger
	now    func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithEventPublisher sets the event publisher.
func WithEventPublisher(p EventPublisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

// WithObserver sets the step observer.
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a new execution manager.
func NewManager(executor StepExecutor, store StateStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		executor: executor,
		store:    store,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("component", "engine").Logger()
	return m
}

// stepFunc runs one step to completion and returns its terminal result.
type stepFunc func(ctx context.Context, runID string, step *Step) StepResult

// Run executes a provisioning plan. Step failures are reported in the result;
// the error is non-nil only when the run itself could not be carried out.
func (m *Manager) Run(ctx context.Context, plan *Plan, opts RunOptions) (*RunResult, error) {
	if plan == nil || plan.Graph == nil {
		return nil, NewConfigurationError("plan has no execution graph", nil)
	}
	return m.run(ctx, RunKindPrepare, plan, opts, m.applyStep)
}

// Restore reverses every install record in the store.
// An empty store yields a successful run with no steps.
func (m *Manager) Restore(ctx context.Context, opts RunOptions) (*RunResult, error) {
	records, err := m.store.ListRecords(ctx)
	if err != nil {
		return nil, NewFatalError("failed to list install records", err).WithCode(ErrCodeStateStore)
	}

	plan, err := ReversePlan(records)
	if err != nil {
		return nil, err
	}
	return m.run(ctx, RunKindRestore, plan, opts, m.revertStep)
}

func (m *Manager) run(ctx context.Context, kind RunKind, plan *Plan, opts RunOptions, fn stepFunc) (*RunResult, error) {
	result := &RunResult{
		ID:        uuid.New().String(),
		Kind:      kind,
		PlanID:    plan.ID,
		Status:    RunStatusProvisioning,
		StartedAt: m.now(),
	}
	logger := m.logger.With().Str("run_id", result.ID).Str("kind", string(kind)).Logger()

	entry := &RunEntry{
		ID:        result.ID,
		Kind:      kind,
		Status:    RunStatusProvisioning,
		StartedAt: result.StartedAt,
		Config:    opts.Config,
	}
	if err := m.store.SaveRun(ctx, entry); err != nil {
		return nil, NewFatalError("failed to save run", err).WithCode(ErrCodeStateStore)
	}

	logger.Info().Int("steps", len(plan.Steps)).Int("concurrency", opts.Concurrency).Msg("run started")
	m.publish(ctx, &Event{RunID: result.ID, Type: EventTypeRunStarted, Message: fmt.Sprintf("%s run started", kind)})

	steps, interrupted := m.dispatch(ctx, result.ID, plan, opts, fn)

	result.Steps = steps
	result.Summary = summarize(steps)
	result.CompletedAt = m.now()
	result.Duration = result.CompletedAt.Sub(result.StartedAt)
	switch {
	case interrupted:
		result.Status = RunStatusInterrupted
	case result.Summary.Succeeded == result.Summary.Total:
		result.Status = RunStatusSucceeded
	default:
		result.Status = RunStatusFailed
	}

	entry.Status = result.Status
	entry.CompletedAt = &result.CompletedAt
	// the caller may have been cancelled; the final status must still land
	if err := m.store.SaveRun(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error().Err(err).Msg("failed to save final run status")
	}

	event := &Event{
		RunID:   result.ID,
		Type:    EventTypeRunCompleted,
		Message: fmt.Sprintf("%s run %s", kind, result.Status),
		Details: map[string]interface{}{
			"succeeded": result.Summary.Succeeded,
			"failed":    result.Summary.Failed + result.Summary.RetryExhausted,
			"skipped":   result.Summary.Skipped,
		},
	}
	if result.Status != RunStatusSucceeded {
		event.Type = EventTypeRunFailed
	}
	m.publish(ctx, event)

	logger.Info().
		Str("status", string(result.Status)).
		Int("succeeded", result.Summary.Succeeded).
		Int("failed", result.Summary.Failed+result.Summary.RetryExhausted).
		Int("skipped", result.Summary.Skipped).
		Dur("duration", result.Duration).
		Msg("run completed")

	return result, nil
}

// dispatch runs the plan and returns results in plan order.
// The second result is true when caller cancellation stopped dispatch.
func (m *Manager) dispatch(ctx context.Context, runID string, plan *Plan, opts RunOptions, fn stepFunc) ([]StepResult, bool) {
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	order := make(map[string]int, len(plan.Steps))
	waiting := make(map[string]int, len(plan.Steps))
	for i, step := range plan.Steps {
		order[step.ID] = i
		waiting[step.ID] = len(plan.Graph.Nodes[step.ID].Dependencies)
	}

	ready := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if waiting[step.ID] == 0 {
			ready = append(ready, step.ID)
		}
	}

	results := make(map[string]StepResult, len(plan.Steps))
	done := make(chan StepResult, len(plan.Steps))
	inFlight := 0
	stopped := false
	interrupted := false
	cancelled := ctx.Done()

	for {
		for !stopped && inFlight < concurrency && len(ready) > 0 {
			if ctx.Err() != nil {
				stopped, interrupted = true, true
				break
			}
			id := ready[0]
			ready = ready[1:]
			step := plan.Step(id)
			inFlight++
			m.publish(ctx, &Event{RunID: runID, StepID: id, Type: EventTypeStepStarted, Message: "step started"})
			go func() {
				done <- m.runStep(ctx, runID, step, opts, fn)
			}()
		}

		if inFlight == 0 {
			break
		}

		var res StepResult
		select {
		case res = <-done:
		case <-cancelled:
			m.logger.Warn().Str("run_id", runID).Int("in_flight", inFlight).
				Msg("interrupted: waiting for in-flight steps to finish")
			stopped, interrupted = true, true
			cancelled = nil
			continue
		}

		inFlight--
		results[res.StepID] = res

		if res.Status != StepStatusSucceeded {
			if res.Error == nil || IsFatal(res.Error) {
				stopped = true
			}
			continue
		}

		var unlocked []string
		for _, dependent := range plan.Graph.Nodes[res.StepID].Dependents {
			waiting[dependent]--
			if waiting[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		ready = insertByOrder(ready, unlocked, order)
	}

	out := make([]StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if res, ok := results[step.ID]; ok {
			out = append(out, res)
			continue
		}
		skipped := m.skip(step, results, plan)
		m.publish(ctx, &Event{RunID: runID, StepID: step.ID, Type: EventTypeStepSkipped, Message: skipped.Error.Message})
		results[step.ID] = skipped
		out = append(out, skipped)
	}
	return out, interrupted
}

// insertByOrder merges newly ready step IDs into the queue keeping plan order.
func insertByOrder(queue, add []string, order map[string]int) []string {
	for _, id := range add {
		i := len(queue)
		for i > 0 && order[queue[i-1]] > order[id] {
			i--
		}
		queue = append(queue, "")
		copy(queue[i+1:], queue[i:])
		queue[i] = id
	}
	return queue
}

// skip builds the result for a step that never ran.
func (m *Manager) skip(step Step, results map[string]StepResult, plan *Plan) StepResult {
	msg := "not dispatched after an earlier failure"
	for _, dep := range plan.Graph.Nodes[step.ID].Dependencies {
		if r, ok := results[dep]; ok && r.Status != StepStatusSucceeded {
			msg = fmt.Sprintf("dependency %s did not succeed", dep)
			break
		}
	}
	return StepResult{
		StepID: step.ID,
		Kind:   step.Kind,
		Target: step.Target,
		Status: StepStatusSkipped,
		Error: NewFatalError(msg, nil).
			WithStep(step.ID).
			WithCode(ErrCodeDependencyFailed),
	}
}

// runStep runs one step on a context that outlives caller cancellation.
func (m *Manager) runStep(ctx context.Context, runID string, step *Step, opts RunOptions, fn stepFunc) StepResult {
	stepCtx := context.WithoutCancel(ctx)
	timeout := step.Timeout
	if timeout == 0 {
		timeout = opts.StepTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(stepCtx, timeout)
		defer cancel()
	}
	if m.observer != nil {
		stepCtx = m.observer.StepStarted(stepCtx, runID, step)
	}

	started := m.now()
	res := fn(stepCtx, runID, step)
	res.StepID = step.ID
	res.Kind = step.Kind
	res.Target = step.Target
	res.StartedAt = started
	res.CompletedAt = m.now()
	res.Duration = res.CompletedAt.Sub(started)

	logger := m.logger.With().Str("run_id", runID).Str("step_id", step.ID).Logger()
	if res.Status == StepStatusSucceeded {
		logger.Info().Bool("recorded", res.Recorded).Dur("duration", res.Duration).Msg("step succeeded")
		m.publish(stepCtx, &Event{RunID: runID, StepID: step.ID, Type: EventTypeStepCompleted, Message: "step succeeded"})
	} else {
		logger.Error().Err(res.Error).Str("status", string(res.Status)).Msg("step failed")
		m.publish(stepCtx, &Event{RunID: runID, StepID: step.ID, Type: EventTypeStepFailed, Message: res.Error.Error()})
	}

	if m.observer != nil {
		m.observer.StepFinished(stepCtx, runID, step, &res)
	}
	return res
}

// applyStep performs a provisioning step and records it before reporting.
func (m *Manager) applyStep(ctx context.Context, runID string, step *Step) StepResult {
	outcome, err := m.executor.Apply(ctx, step)
	if err != nil {
		return failed(step, err)
	}
	if outcome == nil {
		outcome = &ApplyOutcome{}
	}

	res := StepResult{
		Status:   StepStatusSucceeded,
		Output:   outcome.Output,
		Attempts: outcome.Attempts,
	}

	existing, err := m.store.GetRecord(ctx, step.ID)
	if err != nil {
		return failed(step, NewFatalError("failed to read install record", err).WithCode(ErrCodeStateStore))
	}
	if existing != nil {
		res.PreExisting = existing.PreExisting
		return res
	}

	params := step.Params
	if len(outcome.Params) > 0 {
		params = outcome.Params
	}
	record := &InstallRecord{
		RunID:       runID,
		StepID:      step.ID,
		Kind:        step.Kind,
		Target:      step.Target,
		Action:      step.Action,
		Params:      params,
		DependsOn:   step.DependsOn,
		PreExisting: outcome.Present,
		CreatedAt:   m.now(),
	}
	if err := m.store.AppendRecord(ctx, record); err != nil {
		return failed(step, NewFatalError("failed to append install record", err).WithCode(ErrCodeStateStore))
	}
	m.publish(ctx, &Event{RunID: runID, StepID: step.ID, Type: EventTypeRecordWritten, Message: "install record written",
		Details: map[string]interface{}{"pre_existing": record.PreExisting}})

	res.Recorded = true
	res.PreExisting = record.PreExisting
	return res
}

// revertStep reverses one install record and deletes it on success.
func (m *Manager) revertStep(ctx context.Context, runID string, step *Step) StepResult {
	if step.Record == nil {
		return failed(step, NewFatalError("teardown step has no install record", nil).WithCode(ErrCodeInternal))
	}

	if reversesStep(step) {
		if err := m.executor.Revert(ctx, step.Record); err != nil {
			return failed(step, err)
		}
	}

	if err := m.store.DeleteRecord(ctx, step.Record.StepID); err != nil {
		return failed(step, NewFatalError("failed to delete install record", err).WithCode(ErrCodeStateStore))
	}
	m.publish(ctx, &Event{RunID: runID, StepID: step.ID, Type: EventTypeRecordDeleted, Message: "install record deleted"})

	return StepResult{
		Status:      StepStatusSucceeded,
		Recorded:    true,
		PreExisting: step.Record.PreExisting,
	}
}

// failed converts a step error into a terminal result.
func failed(step *Step, err error) StepResult {
	return StepResult{
		Status: StatusForError(err),
		Error:  asEngineError(step.ID, err),
	}
}

// asEngineError classifies err, treating unclassified errors as fatal.
func asEngineError(stepID string, err error) *EngineError {
	var e *EngineError
	if errors.As(err, &e) {
		if e.Step == "" {
			e.Step = stepID
		}
		return e
	}
	return NewFatalError("step failed", err).WithStep(stepID)
}

func summarize(steps []StepResult) RunSummary {
	s := RunSummary{Total: len(steps)}
	for _, r := range steps {
		switch r.Status {
		case StepStatusSucceeded:
			s.Succeeded++
		case StepStatusFailed:
			s.Failed++
		case StepStatusRetryExhausted:
			s.RetryExhausted++
		case StepStatusSkipped:
			s.Skipped++
		}
		if r.Recorded {
			s.Recorded++
		}
	}
	return s
}

func (m *Manager) publish(ctx context.Context, event *Event) {
	if m.publisher == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = m.now()
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Debug().Err(err).Str("event", string(event.Type)).Msg("failed to publish event")
	}
}
