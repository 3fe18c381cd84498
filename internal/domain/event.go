package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventRunStarted   EventType = "run.started"
	EventRunPaused    EventType = "run.paused"
	EventRunResumed   EventType = "run.resumed"
	EventRunCancelled EventType = "run.cancelled"
	EventRunFinished  EventType = "run.finished"
	EventEntryUpdated EventType = "entry.updated"
	EventEntryLog     EventType = "entry.log"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

// EntryUpdatedPayload is the payload for EventEntryUpdated events.
type EntryUpdatedPayload struct {
	RunID string          `json:"run_id"`
	Entry CredentialEntry `json:"entry"`
}

// EntryLogPayload is the payload for EventEntryLog events.
type EntryLogPayload struct {
	RunID   string `json:"run_id"`
	Index   int    `json:"index"`
	Message string `json:"message"`
}

// RunPayload is the payload for run lifecycle events.
type RunPayload struct {
	RunID    string         `json:"run_id"`
	Total    int            `json:"total"`
	Counters StatusCounters `json:"counters"`
}
