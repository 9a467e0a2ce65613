package presence

import (
	"sync"
	"time"
)

// Limiter forwards at most one sample per Interval. The first sample is
// always forwarded.
type Limiter struct {
	Interval time.Duration

	mu   sync.Mutex
	last time.Time
	seen bool
}

// NewLimiter returns a limiter with the given minimum spacing.
func NewLimiter(interval time.Duration) *Limiter {
	return &Limiter{Interval: interval}
}

// Allow reports whether a sample at now should be forwarded and, if so,
// records now as the last forward time.
func (l *Limiter) Allow(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.seen && now.Sub(l.last) < l.Interval {
		return false
	}
	l.last = now
	l.seen = true
	return true
}

// Reset forgets the last forward so the next sample goes through.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.seen = false
	l.last = time.Time{}
	l.mu.Unlock()
}
