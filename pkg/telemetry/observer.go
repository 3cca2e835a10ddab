package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/canonical/concierge/pkg/engine"
)

// Observer instruments step execution with spans, metrics and a step-scoped logger.
// It implements engine.Observer.
type Observer struct {
	tracer  *Tracer
	metrics *Metrics
	logger  *Logger
}

// NewObserver creates an observer. Any argument may be nil.
func NewObserver(tracer *Tracer, metrics *Metrics, logger *Logger) *Observer {
	if logger == nil {
		logger = Nop()
	}
	return &Observer{tracer: tracer, metrics: metrics, logger: logger}
}

// StepStarted opens the step span and puts a step logger in the returned context.
func (o *Observer) StepStarted(ctx context.Context, runID string, step *engine.Step) context.Context {
	if o.tracer != nil {
		ctx, _ = o.tracer.StartStepSpan(ctx, runID, step)
	}
	if o.metrics != nil {
		o.metrics.StepStarted()
	}

	logger := o.logger.WithRunID(runID).WithStepID(step.ID)
	if id := TraceID(ctx); id != "" {
		logger = logger.WithField("trace_id", id)
	}
	logger.Debugf("%s %s", step.Action, step.Target)
	return logger.WithContext(ctx)
}

// StepFinished closes the step span and records step metrics.
func (o *Observer) StepFinished(ctx context.Context, runID string, step *engine.Step, result *engine.StepResult) {
	if o.metrics != nil {
		o.metrics.RecordStep(step, result)
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		span.End()
		return
	}
	span.SetAttributes(
		AttrStepStatus.String(string(result.Status)),
		AttrStepAttempts.Int(result.Attempts),
		AttrStepPreExisting.Bool(result.PreExisting),
	)
	if result.Error != nil {
		RecordError(span, result.Error)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// StartRun opens a run span and counts the run. The returned function closes it
// with the run result, which is nil when the run could not start.
func (o *Observer) StartRun(ctx context.Context, kind engine.RunKind) (context.Context, func(*engine.RunResult, error)) {
	var span trace.Span
	if o.tracer != nil {
		ctx, span = o.tracer.StartRunSpan(ctx, kind)
	}
	if o.metrics != nil {
		o.metrics.RecordRunStarted(kind)
	}
	timer := NewTimer()

	return ctx, func(result *engine.RunResult, err error) {
		status := engine.RunStatusFailed
		duration := timer.Duration()
		if result != nil {
			status = result.Status
			duration = result.Duration
		}
		if o.metrics != nil {
			o.metrics.RecordRunCompleted(kind, status, duration)
			if class, ok := engine.ClassOf(err); ok {
				o.metrics.RecordError(string(class), "")
			}
		}

		if span == nil {
			return
		}
		span.SetAttributes(AttrRunStatus.String(string(status)))
		if result != nil {
			span.SetAttributes(AttrRunID.String(result.ID))
		}
		switch {
		case err != nil:
			RecordError(span, err)
		case status == engine.RunStatusSucceeded:
			RecordSuccess(span)
		default:
			span.SetStatus(codes.Error, "run "+string(status))
		}
		span.End()
	}
}

var _ engine.Observer = (*Observer)(nil)
