// Package bus implements the in-process event fan-out used to propagate
// task, agent, and scaler lifecycle events to local subscribers, the
// dashboard's WebSocket clients, and the webhook manager.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 256

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload map[string]any
	TraceID string
}

// Handler receives events delivered to a subscription.
type Handler func(Event)

// Subscription represents an active subscription. Each subscription owns a
// single reader goroutine draining a buffered channel, so that event
// delivery to a given handler preserves emission order even though Emit
// itself never blocks on a slow handler.
type Subscription struct {
	id      int
	pattern string
	ch      chan Event
	bus     *Bus
	done    chan struct{}
}

// Close stops the subscription's reader goroutine and detaches it from the
// bus. Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is a simple in-process pub/sub fan-out keyed on exact topic name or
// the wildcard pattern "*". Emit schedules delivery to every matching
// subscriber and returns without waiting for handlers to run.
type Bus struct {
	mu              sync.RWMutex
	subs            map[int]*Subscription
	nextID          int
	logger          *slog.Logger
	droppedEvents   atomic.Int64
	lastDropWarning atomic.Int64
}

// New creates a new Bus. A nil logger disables drop-rate warnings.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe registers handler to receive every event whose topic equals
// pattern, or every event at all if pattern is "*". The handler runs on a
// dedicated goroutine owned by the returned subscription; a panic inside
// handler is recovered and logged, never propagated to Emit's caller.
func (b *Bus) Subscribe(pattern string, handler Handler) *Subscription {
	b.mu.Lock()
	b.nextID++
	sub := &Subscription{
		id:      b.nextID,
		pattern: pattern,
		ch:      make(chan Event, defaultBufferSize),
		bus:     b,
		done:    make(chan struct{}),
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	go sub.loop(handler, b.logger)
	return sub
}

func (s *Subscription) loop(handler Handler, logger *slog.Logger) {
	for ev := range s.ch {
		s.dispatch(handler, ev, logger)
	}
	close(s.done)
}

func (s *Subscription) dispatch(handler Handler, ev Event, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil && logger != nil {
			logger.Error("bus handler panicked",
				slog.String("topic", ev.Topic),
				slog.Any("recovered", r),
			)
		}
	}()
	handler(ev)
}

func (b *Bus) unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Emit publishes an event to every matching subscriber. It does not block
// on handler execution: delivery to each subscriber's channel is a
// non-blocking send, so a slow or stuck handler only ever drops events
// destined for it, never stalls the emitter or other subscribers.
func (b *Bus) Emit(topic string, payload map[string]any) {
	b.EmitEvent(Event{Topic: topic, Payload: payload})
}

// EmitEvent is Emit for a pre-built Event (used when a trace ID must be
// threaded through).
func (b *Bus) EmitEvent(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.pattern != "*" && sub.pattern != ev.Topic {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			newCount := b.droppedEvents.Add(1)
			b.maybeLogDropWarning(newCount, ev.Topic)
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped due to a
// full subscriber buffer.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...) at
// or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

func (b *Bus) maybeLogDropWarning(newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := b.lastDropWarning.Load()
	if threshold <= lastWarned {
		return
	}
	if b.lastDropWarning.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus dropped events reached threshold",
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}
