package timectrl

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by the presence pipeline. Components depend
// on it rather than on time.Now so tests can drive time by hand.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewManualClock returns a ManualClock starting at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now implements Clock.
func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Set moves the clock to t.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// Mode describes how the Controller produces ticks.
type Mode int

const (
	// RealTime ticks on a wall-clock ticker every Tick.
	RealTime Mode = iota
	// Stepped only ticks when Step is called.
	Stepped
)

// Controller drives a fixed-rate frame loop and notifies registered
// listeners with the clock reading on every tick.
type Controller struct {
	mu        sync.RWMutex
	Tick      time.Duration
	Mode      Mode
	clock     Clock
	listeners []func(time.Time)
	frames    uint64
}

// NewController constructs a controller. A nil clock uses SystemClock.
func NewController(clock Clock, tick time.Duration, mode Mode) *Controller {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Controller{
		Tick:  tick,
		Mode:  mode,
		clock: clock,
	}
}

// Now returns the time of the controller's clock.
func (c *Controller) Now() time.Time {
	return c.clock.Now()
}

// Frames returns how many ticks have been delivered.
func (c *Controller) Frames() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frames
}

// AddListener registers a callback invoked on every tick. Listeners run on
// the loop goroutine in registration order.
func (c *Controller) AddListener(fn func(time.Time)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// Step delivers one tick immediately regardless of mode.
func (c *Controller) Step() time.Time {
	now := c.clock.Now()

	c.mu.Lock()
	c.frames++
	listeners := append([]func(time.Time){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	return now
}

// Run starts the loop in a separate goroutine until ctx is cancelled. It
// returns a channel that is closed once the loop has exited. In Stepped mode
// the goroutine only waits for cancellation.
func (c *Controller) Run(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		if c.Mode == Stepped || c.Tick <= 0 {
			<-ctx.Done()
			return
		}

		ticker := time.NewTicker(c.Tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Step()
			}
		}
	}()
	return done
}
