package orchestrator

import (
	"fmt"
	"sync"
	"time"
)

// DefaultLogCapacity is the number of log lines a run keeps.
const DefaultLogCapacity = 1000

// logRing is a thread-safe, bounded list of timestamped lines that drops
// the oldest lines when full.
type logRing struct {
	mu      sync.Mutex
	lines   []string
	max     int
	written int64 // total lines ever added (including dropped)
	now     func() time.Time
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &logRing{
		lines: make([]string, 0, min(capacity, 256)),
		max:   capacity,
		now:   time.Now,
	}
}

func (r *logRing) add(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, fmt.Sprintf("[%s] %s", r.now().Format("15:04:05"), msg))
	r.written++
	if len(r.lines) > r.max {
		r.lines = append(r.lines[:0:0], r.lines[len(r.lines)-r.max:]...)
	}
}

func (r *logRing) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.lines...)
}

// since returns the lines added after offset, counted in total lines
// written, and the new offset. Dropped lines are skipped.
func (r *logRing) since(offset int64) ([]string, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := r.written - int64(len(r.lines))
	local := offset - dropped
	if local < 0 {
		local = 0
	}
	if local >= int64(len(r.lines)) {
		return nil, r.written
	}
	return append([]string(nil), r.lines[local:]...), r.written
}

func (r *logRing) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = r.lines[:0]
	r.written = 0
}
