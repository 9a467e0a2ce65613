package location

import (
	"context"
	"sync"

	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/motion"
)

// Feed is a Provider fed by the device through Publish. The device also
// reports its permission and service state; Watch fails while either is
// off. Only one watch may be active.
type Feed struct {
	mu          sync.Mutex
	granted     bool
	enabled     bool
	out         chan model.PositionSample
	last        *model.PositionSample
	minDistance float64
	dropped     uint64
}

// NewFeed returns a feed with permission granted and services enabled.
func NewFeed() *Feed {
	return &Feed{granted: true, enabled: true}
}

// SetPermission records whether location access is granted.
func (f *Feed) SetPermission(granted bool) {
	f.mu.Lock()
	f.granted = granted
	f.mu.Unlock()
}

// SetServicesEnabled records whether device location services are on.
func (f *Feed) SetServicesEnabled(enabled bool) {
	f.mu.Lock()
	f.enabled = enabled
	f.mu.Unlock()
}

// Watch implements Provider.
func (f *Feed) Watch(ctx context.Context, opts WatchOptions) (<-chan model.PositionSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case !f.granted:
		return nil, ErrPermissionDenied
	case !f.enabled:
		return nil, ErrServicesDisabled
	case f.out != nil:
		return nil, ErrAlreadyWatching
	}

	out := make(chan model.PositionSample, 16)
	f.out = out
	f.last = nil
	f.minDistance = opts.DistanceFilter

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		if f.out == out {
			close(out)
			f.out = nil
		}
		f.mu.Unlock()
	}()
	return out, nil
}

// Publish hands a device sample to the active watch. It reports whether
// the sample was delivered; samples are dropped when nobody is watching,
// when permission was revoked, when they fall inside the distance filter,
// or when the consumer is behind.
func (f *Feed) Publish(sample model.PositionSample) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.out == nil || !f.granted || !f.enabled {
		return false
	}
	if f.last != nil && f.minDistance > 0 &&
		motion.HaversineMeters(f.last.Position(), sample.Position()) < f.minDistance {
		return false
	}

	select {
	case f.out <- sample:
		f.last = &sample
		return true
	default:
		f.dropped++
		return false
	}
}

// State returns the permission and service flags last reported by the
// device.
func (f *Feed) State() (granted, enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granted, f.enabled
}

// Watching reports whether a watch is active.
func (f *Feed) Watching() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out != nil
}

// Dropped returns the number of samples dropped because the consumer was
// behind.
func (f *Feed) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

var (
	_ Provider = (*Feed)(nil)
	_ Provider = (*Simulator)(nil)
)
