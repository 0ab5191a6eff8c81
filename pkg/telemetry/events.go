package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/opsflow/pkg/engine"
)

// EventSubscriber handles a published event. Subscribers must not block.
type EventSubscriber func(event *engine.Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event *engine.Event) bool

// EventPublisher implements engine.EventPublisher by delivering events to
// in-process subscribers, either inline or from a background goroutine.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan *engine.Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	done        chan struct{}
	stopOnce    sync.Once
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) *EventPublisher {
	ep := &EventPublisher{
		config: cfg,
		done:   make(chan struct{}),
	}

	if cfg.EnableAsync {
		if cfg.BufferSize <= 0 {
			cfg.BufferSize = 1000
		}
		ep.buffer = make(chan *engine.Event, cfg.BufferSize)
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep
}

// Publish implements engine.EventPublisher.
func (ep *EventPublisher) Publish(_ context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil
		}
	}
	ep.mu.RUnlock()

	if ep.buffer == nil {
		ep.deliverEvent(event)
		return nil
	}

	select {
	case <-ep.done:
		return fmt.Errorf("event publisher stopped")
	default:
	}

	select {
	case ep.buffer <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, event dropped")
	}
}

// Subscribe adds a new event subscriber. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents delivers buffered events until shutdown, then drains the
// buffer.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)
		case <-ep.done:
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) deliverEvent(event *engine.Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown stops accepting events and waits for buffered ones to be
// delivered.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	ep.stopOnce.Do(func() { close(ep.done) })

	finished := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		"info":    0,
		"warning": 1,
		"error":   2,
	}

	minLevelValue := levels[minLevel]

	return func(event *engine.Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...engine.EventType) EventFilter {
	typeSet := make(map[engine.EventType]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event *engine.Event) bool {
		return typeSet[event.Type]
	}
}

// FilterBySession creates a filter that only allows events for one session.
func FilterBySession(sessionID string) EventFilter {
	return func(event *engine.Event) bool {
		return event.SessionID == sessionID
	}
}

// LogSubscriber writes each event to logger at a level matching its severity.
func LogSubscriber(logger zerolog.Logger) EventSubscriber {
	return func(event *engine.Event) {
		var e *zerolog.Event
		switch event.Level {
		case "error":
			e = logger.Error()
		case "warning":
			e = logger.Warn()
		default:
			e = logger.Debug()
		}
		e = e.Str("event_type", string(event.Type)).Str("session_id", event.SessionID)
		if event.TaskID != "" {
			e = e.Str("task_id", event.TaskID)
		}
		if len(event.Details) > 0 {
			e = e.Interface("details", event.Details)
		}
		e.Msg(event.Message)
	}
}

// MetricsSubscriber derives session and task metrics from the event stream.
func MetricsSubscriber(m *Metrics) EventSubscriber {
	return func(event *engine.Event) {
		switch event.Type {
		case engine.EventTypeSessionStarted:
			m.RecordSessionStarted()
		case engine.EventTypeResumed:
			m.RecordSessionResumed()
		case engine.EventTypeSuspended:
			m.RecordSuspension()
		case engine.EventTypeSessionCompleted:
			m.RecordSessionFinished(string(engine.StateDone))
		case engine.EventTypeStateChanged:
			if to, _ := event.Details["to"].(string); to == string(engine.StateFailed) {
				m.RecordSessionFinished(to)
			}
		case engine.EventTypeTaskCompleted, engine.EventTypeTaskFailed:
			taskType, _ := event.Details["type"].(string)
			status, _ := event.Details["status"].(string)
			m.RecordTask(taskType, status, detailDuration(event.Details))
		case engine.EventTypeCommandCompleted:
			taskType, _ := event.Details["type"].(string)
			status, _ := event.Details["status"].(string)
			m.RecordCommand(taskType, status)
		case engine.EventTypePolicyViolation:
			m.RecordPolicyViolation()
		}
	}
}

func detailDuration(details map[string]interface{}) time.Duration {
	switch v := details["duration_ms"].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	default:
		return 0
	}
}

// MultiPublisher fans each event out to several publishers. Every publisher
// is called even when an earlier one fails; the failures are joined.
type MultiPublisher []engine.EventPublisher

// Publish implements engine.EventPublisher.
func (m MultiPublisher) Publish(ctx context.Context, event *engine.Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
