// Package location abstracts the device position source.
package location

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/safewalk/model"
)

var (
	// ErrPermissionDenied means the user has not granted location access.
	ErrPermissionDenied = errors.New("location: permission denied")
	// ErrServicesDisabled means location services are switched off.
	ErrServicesDisabled = errors.New("location: services disabled")
	// ErrAlreadyWatching is returned when a provider supports one watch at
	// a time and one is active.
	ErrAlreadyWatching = errors.New("location: watch already active")
)

// Accuracy requests a tradeoff between precision and power.
type Accuracy int

const (
	AccuracyBalanced Accuracy = iota
	AccuracyHigh
	AccuracyBestForNavigation
)

// DefaultSampleInterval matches the watch interval used by the app.
const DefaultSampleInterval = time.Second

// WatchOptions configures a position watch.
type WatchOptions struct {
	Accuracy Accuracy
	Interval time.Duration
	// DistanceFilter suppresses samples closer than this many metres to
	// the previous one. Zero delivers every sample.
	DistanceFilter float64
}

func (o WatchOptions) interval() time.Duration {
	if o.Interval <= 0 {
		return DefaultSampleInterval
	}
	return o.Interval
}

// Provider starts continuous position updates. The returned channel is
// closed when ctx is done or the provider stops.
type Provider interface {
	Watch(ctx context.Context, opts WatchOptions) (<-chan model.PositionSample, error)
}
