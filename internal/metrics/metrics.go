package metrics

import (
	"sync"
	"sync/atomic"
)

// automationStats holds in-process counters for the dispatch pipeline.
// Kept simple/thread-safe for use from workers and exposition.
type automationStats struct {
	enqueued uint64
	dropped  uint64
	mu       sync.Mutex
	byStatus map[string]uint64
}

var auto automationStats

// IncEventEnqueued counts an event accepted onto the dispatch queue.
func IncEventEnqueued() {
	atomic.AddUint64(&auto.enqueued, 1)
}

// IncEventDropped counts an event rejected because the queue was full.
func IncEventDropped() {
	atomic.AddUint64(&auto.dropped, 1)
}

// IncExecution counts a finished rule execution by terminal status.
func IncExecution(status string) {
	auto.mu.Lock()
	if auto.byStatus == nil {
		auto.byStatus = make(map[string]uint64)
	}
	auto.byStatus[status]++
	auto.mu.Unlock()
}

// AutomationSnapshot returns a copy of the current counters.
func AutomationSnapshot() (enqueued, dropped uint64, byStatus map[string]uint64) {
	enqueued = atomic.LoadUint64(&auto.enqueued)
	dropped = atomic.LoadUint64(&auto.dropped)
	auto.mu.Lock()
	defer auto.mu.Unlock()
	byStatus = make(map[string]uint64, len(auto.byStatus))
	for k, v := range auto.byStatus {
		byStatus[k] = v
	}
	return enqueued, dropped, byStatus
}

// rateLimitStats holds counters for rate limit drops (HTTP 429).
type rateLimitStats struct {
	total    uint64
	mu       sync.Mutex
	byPrefix map[string]uint64
}

var rl rateLimitStats

// IncRateLimitDrop increments drop counters for the given prefix.
// Use prefix "global" for global limiter rejections.
func IncRateLimitDrop(prefix string) {
	if prefix == "" {
		prefix = "global"
	}
	atomic.AddUint64(&rl.total, 1)
	rl.mu.Lock()
	if rl.byPrefix == nil {
		rl.byPrefix = make(map[string]uint64)
	}
	rl.byPrefix[prefix]++
	rl.mu.Unlock()
}

// RateLimitSnapshot returns a copy of the current counters.
func RateLimitSnapshot() (total uint64, by map[string]uint64) {
	total = atomic.LoadUint64(&rl.total)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	by = make(map[string]uint64, len(rl.byPrefix))
	for k, v := range rl.byPrefix {
		by[k] = v
	}
	return total, by
}
