package motion

import (
	"math"

	"github.com/signalsfoundry/safewalk/model"
)

// DefaultAlpha is the fraction of the remaining distance covered per step.
const DefaultAlpha = 0.15

// Interpolator moves a pose toward a target pose by one step.
type Interpolator interface {
	Step(current, target model.Pose) model.Pose
}

// Smoother interpolates latitude and longitude linearly and heading along
// the shorter arc of the compass.
type Smoother struct {
	Alpha float64
}

// NewSmoother returns a Smoother with alpha clamped to (0, 1]. Non-positive
// or NaN values fall back to DefaultAlpha.
func NewSmoother(alpha float64) *Smoother {
	return &Smoother{Alpha: ClampAlpha(alpha)}
}

// ClampAlpha maps alpha into (0, 1].
func ClampAlpha(alpha float64) float64 {
	switch {
	case math.IsNaN(alpha) || alpha <= 0:
		return DefaultAlpha
	case alpha > 1:
		return 1
	default:
		return alpha
	}
}

// Step implements Interpolator.
func (s *Smoother) Step(current, target model.Pose) model.Pose {
	alpha := ClampAlpha(s.Alpha)
	return model.Pose{
		Latitude:  Lerp(current.Latitude, target.Latitude, alpha),
		Longitude: Lerp(current.Longitude, target.Longitude, alpha),
		Heading:   LerpHeading(current.Heading, target.Heading, alpha),
	}
}

// Instant jumps straight to the target. It is used when animation is
// disabled.
type Instant struct{}

// Step implements Interpolator.
func (Instant) Step(_, target model.Pose) model.Pose {
	target.Heading = NormalizeHeading(target.Heading)
	return target
}

// Lerp moves current toward target by alpha of the remaining distance.
func Lerp(current, target, alpha float64) float64 {
	return current + (target-current)*alpha
}

// LerpHeading interpolates compass headings in degrees along the shorter
// arc. The result is in [0, 360).
func LerpHeading(current, target, alpha float64) float64 {
	return NormalizeHeading(current + HeadingDelta(current, target)*alpha)
}

// HeadingDelta is the signed shortest rotation from current to target, in
// [-180, 180).
func HeadingDelta(current, target float64) float64 {
	d := math.Mod(target-current+180, 360)
	if d < 0 {
		d += 360
	}
	return d - 180
}

// NormalizeHeading maps any finite heading into [0, 360).
func NormalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	if h >= 360 {
		h -= 360
	}
	return h
}

// TargetFromSample builds the next target pose. A sample without a usable
// heading keeps the previous target heading.
func TargetFromSample(prev model.Pose, s model.PositionSample) model.Pose {
	next := model.Pose{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Heading:   prev.Heading,
	}
	if h, ok := s.ValidHeading(); ok {
		next.Heading = NormalizeHeading(h)
	}
	return next
}
