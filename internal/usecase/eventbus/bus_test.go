package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"loginpilot/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventEntryUpdated, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventEntryUpdated {
			got.Add(1)
		}
	})
	bus.Subscribe(domain.EventRunFinished, func(_ context.Context, _ domain.Event) {
		t.Error("unexpected delivery to another type")
	})

	bus.Publish(context.Background(), newEvent(domain.EventEntryUpdated))
	bus.Close()
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventRunStarted))
	bus.Publish(context.Background(), newEvent(domain.EventEntryUpdated))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestDeliveryOrderPerSubscriber(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []int
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		p, err := Decode[domain.EntryLogPayload](e)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		mu.Lock()
		seen = append(seen, p.Index)
		mu.Unlock()
	})

	for i := 0; i < 200; i++ {
		bus.Publish(context.Background(), NewEvent(domain.EventEntryLog, "run-1", domain.EntryLogPayload{RunID: "run-1", Index: i}))
	}
	bus.Close()

	if len(seen) != 200 {
		t.Fatalf("expected 200 deliveries, got %d", len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("delivery %d carried index %d", i, v)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventEntryUpdated, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsub()
	unsub()

	bus.Publish(context.Background(), newEvent(domain.EventEntryUpdated))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", got.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventEntryUpdated, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventEntryUpdated))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventEntryUpdated, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventEntryUpdated, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventEntryUpdated))
	bus.Publish(context.Background(), newEvent(domain.EventEntryUpdated))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2 deliveries to the healthy handler, got %d", got.Load())
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventEntryUpdated, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventEntryUpdated))
	bus.Publish(context.Background(), newEvent(domain.EventEntryUpdated))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected queued events delivered before close returns, got %d", got.Load())
	}

	bus.Publish(context.Background(), newEvent(domain.EventEntryUpdated))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 2 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
	bus.Close()
}

func TestNewEventPayload(t *testing.T) {
	ev := NewEvent(domain.EventRunFinished, "run-9", domain.RunPayload{RunID: "run-9", Total: 3})
	if ev.SessionID != "run-9" || ev.Timestamp.IsZero() {
		t.Fatalf("unexpected envelope: %+v", ev)
	}
	p, err := Decode[domain.RunPayload](ev)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Total != 3 {
		t.Errorf("expected total 3, got %d", p.Total)
	}
}

func BenchmarkPublish(b *testing.B) {
	bus := New(slog.Default())
	ctx := context.Background()
	event := newEvent(domain.EventEntryLog)
	bus.Subscribe(domain.EventEntryLog, func(_ context.Context, _ domain.Event) {})

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, event)
	}
	bus.Close()
}
