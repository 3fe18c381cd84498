// Package monitor is the live progress view of a bulk verification run.
package monitor

import "loginpilot/internal/domain"

// EventBusMsg wraps a domain.Event from the bus subscription.
type EventBusMsg struct {
	Event domain.Event
}

// RunDoneMsg reports that the run returned.
type RunDoneMsg struct {
	Counters domain.StatusCounters
	Err      error
}
