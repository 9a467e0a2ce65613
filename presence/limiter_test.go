package presence

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"
)

func TestLimiterFirstSampleAlwaysForwarded(t *testing.T) {
	l := NewLimiter(time.Second)
	if !l.Allow(time.Unix(100, 0)) {
		t.Fatalf("first sample must be forwarded")
	}
	if l.Allow(time.Unix(100, 0).Add(999 * time.Millisecond)) {
		t.Fatalf("sample inside the interval must be throttled")
	}
	if !l.Allow(time.Unix(101, 0)) {
		t.Fatalf("sample exactly one interval later must be forwarded")
	}
}

func TestLimiterReset(t *testing.T) {
	l := NewLimiter(time.Hour)
	now := time.Unix(0, 0)
	l.Allow(now)
	l.Reset()
	if !l.Allow(now.Add(time.Second)) {
		t.Fatalf("sample after Reset must be forwarded")
	}
	if l.Allow(now.Add(2 * time.Second)) {
		t.Fatalf("interval restarts from the forward after Reset")
	}
}

// For any sample timestamps, forwards inside a half-open window of length
// T number at most ceil(T/interval).
func TestLimiterBoundsForwardsPerWindow(t *testing.T) {
	interval := time.Second
	rng := rand.New(rand.NewPCG(7, 11))

	for trial := 0; trial < 50; trial++ {
		l := NewLimiter(interval)
		start := time.Unix(1_700_000_000, 0)

		var forwarded []time.Time
		now := start
		for i := 0; i < 500; i++ {
			now = now.Add(time.Duration(rng.IntN(400)) * time.Millisecond)
			if l.Allow(now) {
				forwarded = append(forwarded, now)
			}
		}

		for _, window := range []time.Duration{500 * time.Millisecond, time.Second, 2500 * time.Millisecond, 10 * time.Second} {
			limit := int(math.Ceil(float64(window) / float64(interval)))
			for i, from := range forwarded {
				count := 0
				for _, ts := range forwarded[i:] {
					if ts.Sub(from) < window {
						count++
					}
				}
				if count > limit {
					t.Fatalf("trial %d: %d forwards within %v starting at %v, limit %d", trial, count, window, from, limit)
				}
			}
		}
	}
}
