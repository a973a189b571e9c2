package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"staydesk.handoff/internal/core/domain"
	"staydesk.handoff/internal/core/logger"
	"staydesk.handoff/internal/core/ports"
)

// EventBus is the outbound channel of routing events. Emit never blocks the
// caller; Run drains the channel into the configured sinks and local subscribers.
type EventBus struct {
	out     chan domain.Event
	sinks   []ports.EventSink
	timeout time.Duration
	now     func() time.Time

	mu     sync.RWMutex
	subs   map[uint64]chan domain.Event
	nextID uint64

	dropped atomic.Int64
}

func NewEventBus(buffer int, sinks ...ports.EventSink) *EventBus {
	if buffer <= 0 {
		buffer = 256
	}
	return &EventBus{
		out:     make(chan domain.Event, buffer),
		sinks:   sinks,
		timeout: 5 * time.Second,
		now:     time.Now,
		subs:    make(map[uint64]chan domain.Event),
	}
}

// Emit stamps and queues an event. When the buffer is full the event is dropped and counted.
func (b *EventBus) Emit(e domain.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = b.now()
	}
	select {
	case b.out <- e:
	default:
		b.dropped.Add(1)
		logger.Warn("Event buffer full, dropping event", "type", e.Type, "conversation_id", e.ConversationID)
	}
}

// Dropped reports how many events were discarded because the buffer was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Events exposes the raw outbound channel. Only one consumer should read it;
// Run is that consumer in the server.
func (b *EventBus) Events() <-chan domain.Event {
	return b.out
}

// Subscribe registers a local listener that receives every event delivered by Run.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan domain.Event, error) {
	ch := make(chan domain.Event, 64)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// Run delivers events until ctx is cancelled.
func (b *EventBus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-b.out:
			b.deliver(ctx, e)
		}
	}
}

func (b *EventBus) deliver(ctx context.Context, e domain.Event) {
	for _, sink := range b.sinks {
		b.publish(ctx, sink, e)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *EventBus) publish(ctx context.Context, sink ports.EventSink, e domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Event sink panicked", "type", e.Type, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := sink.Publish(ctx, e); err != nil {
		logger.Warn("Failed to publish event", "type", e.Type, "error", err)
	}
}
