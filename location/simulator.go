package location

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/motion"
	"github.com/signalsfoundry/safewalk/timectrl"
)

// metresPerDegree is the length of one degree of latitude.
const metresPerDegree = 111_320.0

// SimulatorConfig describes a simulated walker.
type SimulatorConfig struct {
	Start model.LatLng
	// SpeedMPS is the walking speed in metres per second.
	SpeedMPS float64
	// HeadingDrift is the maximum heading change per sample in degrees.
	HeadingDrift float64
	// JitterMeters adds uniform position noise of up to this radius.
	JitterMeters float64
	Seed         uint64
}

// Simulator emits a random walk with drifting heading. It stands in for
// device GPS in demos and tests.
type Simulator struct {
	cfg   SimulatorConfig
	clock timectrl.Clock

	mu      sync.Mutex
	rng     *rand.Rand
	pos     model.LatLng
	heading float64
}

// NewSimulator returns a simulator starting at cfg.Start. A nil clock uses
// the wall clock for sample timestamps.
func NewSimulator(cfg SimulatorConfig, clock timectrl.Clock) *Simulator {
	if cfg.SpeedMPS <= 0 {
		cfg.SpeedMPS = 1.4
	}
	if cfg.HeadingDrift <= 0 {
		cfg.HeadingDrift = 15
	}
	if clock == nil {
		clock = timectrl.SystemClock{}
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	return &Simulator{
		cfg:     cfg,
		clock:   clock,
		rng:     rng,
		pos:     cfg.Start,
		heading: rng.Float64() * 360,
	}
}

// Next advances the walk by dt and returns the new sample.
func (s *Simulator) Next(dt time.Duration) model.PositionSample {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heading = motion.NormalizeHeading(s.heading + (s.rng.Float64()*2-1)*s.cfg.HeadingDrift)
	dist := s.cfg.SpeedMPS * dt.Seconds()
	rad := s.heading * math.Pi / 180

	dLat := dist * math.Cos(rad) / metresPerDegree
	dLon := dist * math.Sin(rad) / (metresPerDegree * math.Max(math.Cos(s.pos.Latitude*math.Pi/180), 1e-6))
	s.pos.Latitude = clampLat(s.pos.Latitude + dLat)
	s.pos.Longitude = wrapLon(s.pos.Longitude + dLon)

	out := s.pos
	if j := s.cfg.JitterMeters; j > 0 {
		out.Latitude += (s.rng.Float64()*2 - 1) * j / metresPerDegree
		out.Longitude += (s.rng.Float64()*2 - 1) * j / metresPerDegree
	}

	return model.PositionSample{
		Latitude:   out.Latitude,
		Longitude:  out.Longitude,
		Heading:    s.heading,
		HasHeading: dist > 0,
		Accuracy:   s.cfg.JitterMeters,
		Timestamp:  s.clock.Now(),
	}
}

// Watch implements Provider. Samples are produced every opts.Interval.
func (s *Simulator) Watch(ctx context.Context, opts WatchOptions) (<-chan model.PositionSample, error) {
	interval := opts.interval()
	out := make(chan model.PositionSample, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sample := s.Next(interval)
				select {
				case out <- sample:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func clampLat(lat float64) float64 {
	return math.Max(-90, math.Min(90, lat))
}

func wrapLon(lon float64) float64 {
	lon = math.Mod(lon+180, 360)
	if lon < 0 {
		lon += 360
	}
	return lon - 180
}
