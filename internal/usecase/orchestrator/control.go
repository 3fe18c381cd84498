package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Control carries the pause flag and the cancel signal of one run. Workers
// read the flag between items only.
type Control struct {
	paused atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Pause stops workers from taking new items. In-flight items continue.
func (c *Control) Pause() { c.paused.Store(true) }

// Resume lets workers take items again.
func (c *Control) Resume() { c.paused.Store(false) }

// Paused reports whether the run is paused.
func (c *Control) Paused() bool { return c.paused.Load() }

// Cancel aborts the run it is bound to. It is a no-op when no run is active.
func (c *Control) Cancel() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Control) bind(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

// waitWhilePaused polls the flag every interval until it clears or ctx
// ends.
func (c *Control) waitWhilePaused(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for c.Paused() {
		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return ctx.Err()
}
