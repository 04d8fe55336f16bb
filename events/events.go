// Package events fans pipeline progress out to interested subscribers.
package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBusClosed is returned when publishing on a closed bus.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrQueueFull is returned when the delivery queue has no room left.
	ErrQueueFull = errors.New("event queue is full")
)

// defaultBufferSize is the delivery queue capacity.
const defaultBufferSize = 256

// Event types published by the workflow engine.
const (
	WorkflowSubmitted = "workflow_submitted"
	StepChanged       = "step_changed"
	WorkflowCompleted = "workflow_completed"
	WorkflowFailed    = "workflow_failed"
)

// Event is one progress notification about a workflow.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	WorkflowID string                 `json:"workflow_id"`
	Step       int                    `json:"step"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Time       time.Time              `json:"time"`
}

// NewEvent builds an event with a fresh id and the current time.
func NewEvent(eventType, workflowID string, step int, data map[string]interface{}) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		WorkflowID: workflowID,
		Step:       step,
		Data:       data,
		Time:       time.Now(),
	}
}

// EventHandler receives events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements EventHandler.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Filter selects the events a subscription receives.
type Filter func(Event) bool

// Types matches any of the given event types.
func Types(eventTypes ...string) Filter {
	set := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		set[t] = true
	}
	return func(e Event) bool { return set[e.Type] }
}

// Workflow matches events of a single workflow.
func Workflow(id string) Filter {
	return func(e Event) bool { return e.WorkflowID == id }
}

type subscriber struct {
	id      uint64
	handler EventHandler
	filters []Filter
}

func (s subscriber) wants(e Event) bool {
	for _, f := range s.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

// Subscription identifies one registered handler.
type Subscription struct {
	id  uint64
	bus *EventBus
}

// Unsubscribe removes the handler. It reports false if it was already removed.
func (s Subscription) Unsubscribe() bool {
	if s.bus == nil {
		return false
	}
	return s.bus.remove(s.id)
}

// EventBus delivers events to subscribers on a single goroutine, so every
// subscriber sees events in publish order.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64

	queue   chan Event
	onError func(event Event, err error)

	closeMu sync.RWMutex
	closed  bool
	done    chan struct{}
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the delivery queue capacity.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithLogger logs handler failures to logger.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.onError = logErrorHandler(logger)
	}
}

// WithErrorHandler receives every handler failure of asynchronous delivery.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.onError = handler
		}
	}
}

// NewEventBus starts a bus. Handler failures are logged with slog.Default()
// unless an option says otherwise.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		queue:   make(chan Event, defaultBufferSize),
		onError: logErrorHandler(nil),
		done:    make(chan struct{}),
	}
	for _, option := range options {
		option(eb)
	}
	go eb.loop()
	return eb
}

// Subscribe registers handler for every event matching all filters.
// No filter means every event.
func (eb *EventBus) Subscribe(handler EventHandler, filters ...Filter) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.subs = append(eb.subs, subscriber{id: eb.nextID, handler: handler, filters: filters})
	return Subscription{id: eb.nextID, bus: eb}
}

// SubscribeFunc registers a function handler.
func (eb *EventBus) SubscribeFunc(fn func(ctx context.Context, event Event) error, filters ...Filter) Subscription {
	return eb.Subscribe(EventHandlerFunc(fn), filters...)
}

func (eb *EventBus) remove(id uint64) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	for i, s := range eb.subs {
		if s.id == id {
			eb.subs = append(eb.subs[:i:i], eb.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Wants reports whether any subscriber would receive event.
func (eb *EventBus) Wants(event Event) bool {
	return len(eb.matching(event)) > 0
}

func (eb *EventBus) matching(event Event) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	var out []EventHandler
	for _, s := range eb.subs {
		if s.wants(event) {
			out = append(out, s.handler)
		}
	}
	return out
}

// Publish queues event for asynchronous delivery. It never blocks: a full
// queue yields ErrQueueFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	select {
	case eb.queue <- event:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s for workflow %s", ErrQueueFull, event.Type, event.WorkflowID)
	}
}

// Dispatch delivers event synchronously and returns the joined handler errors.
func (eb *EventBus) Dispatch(ctx context.Context, event Event) error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return ErrBusClosed
	}
	return errors.Join(eb.deliver(ctx, event)...)
}

// Close stops accepting events, delivers what is already queued and
// returns once delivery has finished. It is safe to call more than once.
func (eb *EventBus) Close() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.closeMu.Unlock()
	<-eb.done
}

func (eb *EventBus) loop() {
	defer close(eb.done)
	for event := range eb.queue {
		for _, err := range eb.deliver(context.Background(), event) {
			eb.onError(event, err)
		}
	}
}

// deliver runs matching handlers in subscription order. A panicking
// handler is reported as an error and does not stop the others.
func (eb *EventBus) deliver(ctx context.Context, event Event) []error {
	var errs []error
	for _, h := range eb.matching(event) {
		if err := safeHandle(ctx, h, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func safeHandle(ctx context.Context, h EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, event)
}

// logErrorHandler logs handler failures. A nil logger resolves to
// slog.Default() at call time.
func logErrorHandler(logger *slog.Logger) func(Event, error) {
	return func(event Event, err error) {
		l := logger
		if l == nil {
			l = slog.Default()
		}
		l.Error("event handler failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.String("workflow_id", event.WorkflowID),
			slog.Int("step", event.Step),
			slog.String("error", err.Error()),
		)
	}
}
