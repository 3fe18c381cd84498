// Package eventbus is the in-process publish/subscribe hub that carries run
// progress from the orchestrator to observers such as the terminal UI and
// the run store.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"loginpilot/internal/domain"
)

// mailbox delivers events to one handler in publish order without blocking
// the publisher.
type mailbox struct {
	id      uint64
	handler domain.EventHandler

	mu      sync.Mutex
	pending []delivery
	closed  bool
	wake    chan struct{}
}

type delivery struct {
	ctx   context.Context
	event domain.Event
}

func newMailbox(id uint64, handler domain.EventHandler) *mailbox {
	return &mailbox{id: id, handler: handler, wake: make(chan struct{}, 1)}
}

func (m *mailbox) push(d delivery) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.pending = append(m.pending, d)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// close stops the mailbox once queued events are delivered.
func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) take() ([]delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := m.pending
	m.pending = nil
	return batch, m.closed
}

// Bus is an in-process, goroutine-safe event bus. Each subscriber sees
// events in the order they were published.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*mailbox
	allSubs []*mailbox
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*mailbox),
		logger: logger,
	}
}

// Publish queues event for matching typed subscribers and all-event
// subscribers. It never blocks on a slow handler.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, m := range b.typed[event.Type] {
		m.push(delivery{ctx: ctx, event: event})
	}
	for _, m := range b.allSubs {
		m.push(delivery{ctx: ctx, event: event})
	}
}

func (b *Bus) start(m *mailbox) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for range m.wake {
			batch, closed := m.take()
			for _, d := range batch {
				b.deliver(m, d)
			}
			if closed {
				return
			}
		}
	}()
}

func (b *Bus) deliver(m *mailbox, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	m.handler(d.ctx, d.event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	m := newMailbox(b.nextID.Add(1), handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], m)
	b.mu.Unlock()
	b.start(m)

	return func() {
		b.mu.Lock()
		b.typed[eventType] = remove(b.typed[eventType], m.id)
		b.mu.Unlock()
		m.close()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	m := newMailbox(b.nextID.Add(1), handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, m)
	b.mu.Unlock()
	b.start(m)

	return func() {
		b.mu.Lock()
		b.allSubs = remove(b.allSubs, m.id)
		b.mu.Unlock()
		m.close()
	}
}

func remove(subs []*mailbox, id uint64) []*mailbox {
	for i, s := range subs {
		if s.id == id {
			return append(subs[:i:i], subs[i+1:]...)
		}
	}
	return subs
}

// Close prevents new publishes, delivers what is already queued and waits
// for every handler to return. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.RLock()
	for _, subs := range b.typed {
		for _, m := range subs {
			m.close()
		}
	}
	for _, m := range b.allSubs {
		m.close()
	}
	b.mu.RUnlock()
	b.wg.Wait()
}

// NewEvent builds an event with payload encoded as JSON.
func NewEvent(eventType domain.EventType, runID string, payload any) domain.Event {
	ev := domain.Event{Type: eventType, Timestamp: time.Now(), SessionID: runID}
	if payload != nil {
		if data, err := json.Marshal(payload); err == nil {
			ev.Payload = data
		}
	}
	return ev
}

// Decode unmarshals the payload of ev into T.
func Decode[T any](ev domain.Event) (T, error) {
	var v T
	if len(ev.Payload) == 0 {
		return v, nil
	}
	err := json.Unmarshal(ev.Payload, &v)
	return v, err
}
