package telemetry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/canonical/concierge/pkg/engine"
)

// EventSubscriber handles a published event.
type EventSubscriber func(event engine.Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event engine.Event) bool

// EventPublisher fans engine events out to sinks and subscribers, and logs them.
// Delivery is synchronous and in publication order.
type EventPublisher struct {
	logger      *Logger
	sinks       []engine.EventPublisher
	subscribers []subscriberEntry
	mu          sync.RWMutex
	now         func() time.Time
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a publisher forwarding every event to sinks, such as the state store.
func NewEventPublisher(logger *Logger, sinks ...engine.EventPublisher) *EventPublisher {
	if logger == nil {
		logger = Nop()
	}
	return &EventPublisher{
		logger: logger.NewComponentLogger("events"),
		sinks:  sinks,
		now:    time.Now,
	}
}

// Publish implements engine.EventPublisher. Sink errors are joined; subscribers
// still receive the event.
func (ep *EventPublisher) Publish(ctx context.Context, event *engine.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = ep.now()
	}

	ep.log(event)

	var errs []error
	for _, sink := range ep.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(*event) {
			continue
		}
		entry.subscriber(*event)
	}

	return errors.Join(errs...)
}

func (ep *EventPublisher) log(event *engine.Event) {
	zlog := ep.logger.Zerolog()
	level := zerolog.DebugLevel
	switch event.Type {
	case engine.EventTypeStepFailed, engine.EventTypeRunFailed:
		level = zerolog.WarnLevel
	}
	e := zlog.WithLevel(level).Str("event", string(event.Type)).Str("run_id", event.RunID)
	if event.StepID != "" {
		e = e.Str("step_id", event.StepID)
	}
	e.Msg(event.Message)
}

// Subscribe adds a subscriber. A nil filter delivers every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// Common event filters.

// FilterSteps allows only step events.
func FilterSteps() EventFilter {
	return func(event engine.Event) bool {
		return event.StepID != ""
	}
}

var _ engine.EventPublisher = (*EventPublisher)(nil)
