// Package presence pushes the local user's position to the shared presence
// table at a bounded rate and reconciles everyone else's records into a
// de-duplicated, expiry-filtered peer set.
package presence

import (
	"time"

	"github.com/signalsfoundry/safewalk/motion"
)

// Pipeline defaults.
const (
	DefaultPushInterval    = 1000 * time.Millisecond
	DefaultStalenessWindow = 5 * time.Minute
	DefaultFrameInterval   = 16 * time.Millisecond
	DefaultPruneInterval   = 30 * time.Second
)

// Options parameterises one presence/animation session.
type Options struct {
	SmoothingFactor float64
	PushInterval    time.Duration
	StalenessWindow time.Duration
	FrameInterval   time.Duration
	PruneInterval   time.Duration
	// InstantMotion snaps the marker to each sample instead of easing.
	InstantMotion bool
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		SmoothingFactor: motion.DefaultAlpha,
		PushInterval:    DefaultPushInterval,
		StalenessWindow: DefaultStalenessWindow,
		FrameInterval:   DefaultFrameInterval,
		PruneInterval:   DefaultPruneInterval,
	}
}

// WithDefaults fills zero or negative fields from DefaultOptions and
// clamps the smoothing factor into (0, 1].
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	o.SmoothingFactor = motion.ClampAlpha(o.SmoothingFactor)
	if o.PushInterval <= 0 {
		o.PushInterval = d.PushInterval
	}
	if o.StalenessWindow <= 0 {
		o.StalenessWindow = d.StalenessWindow
	}
	if o.FrameInterval <= 0 {
		o.FrameInterval = d.FrameInterval
	}
	if o.PruneInterval <= 0 {
		o.PruneInterval = d.PruneInterval
	}
	return o
}
