package alerts

import (
	"sync"
	"time"
)

// SustainTracker turns point-in-time matches into "held for at least d"
// matches by remembering when each key's condition last became true.
type SustainTracker struct {
	mu    sync.Mutex
	since map[string]time.Time
}

func NewSustainTracker() *SustainTracker {
	return &SustainTracker{since: make(map[string]time.Time)}
}

// Observe records one evaluation for key and reports whether the condition
// has held continuously for at least window. A false match resets the key.
func (t *SustainTracker) Observe(key string, matched bool, window time.Duration, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !matched {
		delete(t.since, key)
		return false
	}
	first, ok := t.since[key]
	if !ok {
		first = now
		t.since[key] = now
	}
	if window <= 0 {
		return true
	}
	return now.Sub(first) >= window
}

// Forget drops any state held for key.
func (t *SustainTracker) Forget(key string) {
	t.mu.Lock()
	delete(t.since, key)
	t.mu.Unlock()
}
