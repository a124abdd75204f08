package runtime

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// TrafficStats holds monotonic, resettable request counters for one
// runtime. Per DESIGN.md's Open Question resolution, Runtime.recordDispatch
// is the single writer; no other path mutates these counters.
type TrafficStats struct {
	Total  atomic.Int64
	Stable atomic.Int64
	Canary atomic.Int64

	mu    sync.Mutex
	start time.Time
}

func (t *TrafficStats) windowStart() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.start.IsZero() {
		t.start = time.Now()
	}
	return t.start
}

// Reset zeroes all counters and restarts the window.
func (t *TrafficStats) Reset() {
	t.Total.Store(0)
	t.Stable.Store(0)
	t.Canary.Store(0)
	t.mu.Lock()
	t.start = time.Now()
	t.mu.Unlock()
}
