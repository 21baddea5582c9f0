// Package bus is the in-process event bus tying services to UI refreshes: a
// bounded FIFO queue drained by a single dispatcher goroutine that fans each
// event out to the handlers subscribed to its topic.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/toutatis-dev/huddle/internal/backoff"
	"github.com/toutatis-dev/huddle/internal/observability"
)

// Topic identifies one app-event stream. Delivery order is guaranteed
// within a topic, not across topics.
type Topic string

const (
	// TopicSystemMessage asks the UI to render a local system line.
	TopicSystemMessage Topic = "system_message"
	// TopicRefreshOutput asks the UI to repaint the message pane.
	TopicRefreshOutput Topic = "refresh_output"
	// TopicRebuildSearch asks the UI to rebuild its search index.
	TopicRebuildSearch Topic = "rebuild_search"
	// TopicRunCommand feeds a command line back through the controller.
	TopicRunCommand Topic = "run_command"
)

// ParseTopic validates a topic tag at the boundary.
func ParseTopic(s string) (Topic, error) {
	switch Topic(s) {
	case TopicSystemMessage, TopicRefreshOutput, TopicRebuildSearch, TopicRunCommand:
		return Topic(s), nil
	}
	return "", fmt.Errorf("unknown bus topic %q", s)
}

// Event is one app event. Payload fields are populated by topic:
// SystemMessage carries Room+Text, RefreshOutput carries Room, RunCommand
// carries Command, RebuildSearch carries nothing.
type Event struct {
	ID    string
	Topic Topic
	Time  time.Time

	Room    string
	Text    string
	Command string
}

// Handler consumes one event. Handlers run on the dispatcher goroutine and
// must be safe to call from it; a returned error counts as a delivery
// failure.
type Handler func(ctx context.Context, ev Event) error

const (
	// DefaultCapacity bounds the queue.
	DefaultCapacity = 512

	// publishWait is how long each critical enqueue retry blocks for space.
	publishWait = 100 * time.Millisecond

	// publishRetries and handlerRetries bound the critical retry windows.
	publishRetries = 2
	handlerRetries = 2
)

type queued struct {
	event    Event
	critical bool
}

type subscription struct {
	id      string
	topic   Topic
	name    string
	handler Handler
}

// Bus dispatches app events to subscribed handlers. Non-critical events are
// dropped when the queue is full; critical events retry briefly on both
// enqueue and handler failure.
type Bus struct {
	logger  *observability.Logger
	metrics *observability.Metrics
	queue   chan queued

	mu       sync.RWMutex
	handlers map[Topic][]*subscription
	byID     map[string]*subscription

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a bus with the given queue capacity. Capacity <= 0 uses
// DefaultCapacity.
func New(capacity int, logger *observability.Logger, metrics *observability.Metrics) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		logger:   logger.WithFields("component", "bus"),
		metrics:  metrics,
		queue:    make(chan queued, capacity),
		handlers: make(map[Topic][]*subscription),
		byID:     make(map[string]*subscription),
	}
}

// Subscribe registers a handler for a topic and returns its registration id.
// The name shows up in failure logs.
func (b *Bus) Subscribe(topic Topic, name string, handler Handler) string {
	sub := &subscription{
		id:      uuid.NewString(),
		topic:   topic,
		name:    name,
		handler: handler,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], sub)
	b.byID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a handler by registration id.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	subs := b.handlers[sub.topic]
	for i, s := range subs {
		if s.id == id {
			b.handlers[sub.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return true
}

// Start launches the dispatcher goroutine. Calling Start on a running bus is
// a no-op.
func (b *Bus) Start(ctx context.Context) {
	b.runMu.Lock()
	if b.running {
		b.runMu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.doneCh = make(chan struct{})
	b.runMu.Unlock()

	go b.run(ctx)
}

func (b *Bus) run(ctx context.Context) {
	defer func() {
		b.runMu.Lock()
		b.running = false
		close(b.doneCh)
		b.runMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.stopCh:
			b.drain(ctx)
			return
		case item := <-b.queue:
			b.deliver(ctx, item)
		}
	}
}

// drain delivers whatever is already queued, then returns. New publishes
// racing the drain are dropped by the closed running flag, not here.
func (b *Bus) drain(ctx context.Context) {
	for {
		select {
		case item := <-b.queue:
			b.deliver(ctx, item)
		default:
			return
		}
	}
}

// Stop halts the dispatcher after draining queued events.
func (b *Bus) Stop() {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return
	}
	close(b.stopCh)
	doneCh := b.doneCh
	b.runMu.Unlock()

	if doneCh != nil {
		<-doneCh
	}
}

// IsRunning reports whether the dispatcher is active.
func (b *Bus) IsRunning() bool {
	if b == nil {
		return false
	}
	b.runMu.Lock()
	defer b.runMu.Unlock()
	return b.running
}

// Publish enqueues an event. Non-critical events are dropped immediately
// when the queue is full; critical events retry with a bounded wait for
// space. Returns whether the event was accepted.
func (b *Bus) Publish(ev Event, critical bool) bool {
	if b == nil {
		return false
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	item := queued{event: ev, critical: critical}

	select {
	case b.queue <- item:
		b.metrics.RecordBus("published")
		return true
	default:
	}

	b.metrics.RecordBus("queue_full")
	if !critical {
		b.metrics.RecordBus("dropped")
		b.logger.Warn(context.Background(), "queue full, event dropped", "topic", ev.Topic, "event_id", ev.ID)
		return false
	}

	for attempt := 0; attempt < publishRetries; attempt++ {
		b.metrics.RecordBus("retried")
		timer := time.NewTimer(publishWait)
		select {
		case b.queue <- item:
			timer.Stop()
			b.metrics.RecordBus("published")
			return true
		case <-timer.C:
		}
	}

	b.metrics.RecordBus("dropped")
	b.logger.Warn(context.Background(), "queue full, critical event dropped", "topic", ev.Topic, "event_id", ev.ID)
	return false
}

// PublishCritical enqueues an event with the critical retry window on both
// enqueue and handler failure.
func (b *Bus) PublishCritical(ev Event) bool {
	return b.Publish(ev, true)
}

// PublishOrFallback publishes the event, or runs the synchronous fallback
// when the bus is nil, stopped, or full. Returns whether the bus took it.
func (b *Bus) PublishOrFallback(ev Event, critical bool, fallback func()) bool {
	if b.IsRunning() && b.Publish(ev, critical) {
		return true
	}
	if fallback != nil {
		fallback()
		if b != nil {
			b.metrics.RecordBus("fallback_executed")
		}
	}
	return false
}

func (b *Bus) deliver(ctx context.Context, item queued) {
	b.mu.RLock()
	subs := make([]*subscription, len(b.handlers[item.event.Topic]))
	copy(subs, b.handlers[item.event.Topic])
	b.mu.RUnlock()

	for _, sub := range subs {
		if b.deliverOne(ctx, sub, item) {
			b.metrics.RecordBus("delivered")
		}
	}
}

// deliverOne calls a single handler, retrying critical events on failure.
func (b *Bus) deliverOne(ctx context.Context, sub *subscription, item queued) bool {
	maxAttempts := 1
	if item.critical {
		maxAttempts += handlerRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			b.metrics.RecordBus("retried")
			if err := backoff.Sleep(ctx, backoff.BusPolicy(), attempt-1); err != nil {
				return false
			}
		}
		if lastErr = b.callHandler(ctx, sub, item.event); lastErr == nil {
			return true
		}
		b.metrics.RecordBus("handler_failure")
	}

	b.logger.Warn(ctx, "handler failed",
		"topic", item.event.Topic,
		"handler", sub.name,
		"critical", item.critical,
		"error", lastErr)
	return false
}

// callHandler isolates handler panics so one bad subscriber cannot kill the
// dispatcher.
func (b *Bus) callHandler(ctx context.Context, sub *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", sub.name, r)
		}
	}()
	return sub.handler(ctx, ev)
}
