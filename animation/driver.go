// Package animation runs the per-frame pose loop that turns sparse location
// samples into a smooth camera and marker trajectory.
package animation

import (
	"context"
	"sync"
	"time"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/model"
	"github.com/signalsfoundry/safewalk/motion"
	"github.com/signalsfoundry/safewalk/timectrl"
)

// DefaultFrameInterval is roughly one display frame at 60Hz.
const DefaultFrameInterval = 16 * time.Millisecond

// Surface receives every published pose.
type Surface interface {
	Render(pose model.Pose)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(model.Pose)

// Render implements Surface.
func (f SurfaceFunc) Render(pose model.Pose) { f(pose) }

// FrameRecorder counts rendered frames.
type FrameRecorder interface {
	IncFrame()
}

// Option configures a Driver.
type Option func(*Driver)

// WithMarker sets the surface that always follows the user position.
func WithMarker(s Surface) Option { return func(d *Driver) { d.marker = s } }

// WithCamera sets the surface that only receives poses in follow mode.
func WithCamera(s Surface) Option { return func(d *Driver) { d.camera = s } }

// WithFrameRecorder attaches a frame counter.
func WithFrameRecorder(r FrameRecorder) Option { return func(d *Driver) { d.frames = r } }

// WithLogger sets the driver logger.
func WithLogger(l logging.Logger) Option { return func(d *Driver) { d.log = l } }

// WithController replaces the frame controller, e.g. with a stepped one in
// tests.
func WithController(c *timectrl.Controller) Option { return func(d *Driver) { d.ctrl = c } }

// WithFollowing sets the initial follow mode. The default is true.
func WithFollowing(on bool) Option { return func(d *Driver) { d.following = on } }

// Driver owns the animated pose. SetTarget is called from the location
// goroutine, the frame loop advances the pose toward the latest target and
// publishes it. Neither side ever blocks on network I/O.
type Driver struct {
	interp motion.Interpolator
	ctrl   *timectrl.Controller
	log    logging.Logger
	frames FrameRecorder

	marker Surface
	camera Surface

	mu        sync.Mutex
	pose      model.Pose
	target    model.Pose
	hasTarget bool
	following bool

	lifecycle sync.Mutex
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewDriver builds a driver ticking every frameInterval. A nil interpolator
// uses motion.NewSmoother(motion.DefaultAlpha).
func NewDriver(interp motion.Interpolator, frameInterval time.Duration, opts ...Option) *Driver {
	if interp == nil {
		interp = motion.NewSmoother(motion.DefaultAlpha)
	}
	if frameInterval <= 0 {
		frameInterval = DefaultFrameInterval
	}
	d := &Driver{
		interp:    interp,
		log:       logging.Noop(),
		following: true,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.ctrl == nil {
		d.ctrl = timectrl.NewController(timectrl.SystemClock{}, frameInterval, timectrl.RealTime)
	}
	d.ctrl.AddListener(d.Tick)
	return d
}

// SetTarget records the newest sample as the animation target. The very
// first target snaps the pose so the marker does not glide in from (0, 0).
func (d *Driver) SetTarget(sample model.PositionSample) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.target = motion.TargetFromSample(d.target, sample)
	if !d.hasTarget {
		d.pose = d.target
		d.hasTarget = true
	}
}

// Pose returns a copy of the animated pose.
func (d *Driver) Pose() model.Pose {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pose
}

// SetFollowing toggles whether the camera tracks the user.
func (d *Driver) SetFollowing(on bool) {
	d.mu.Lock()
	d.following = on
	d.mu.Unlock()
}

// Following reports the follow mode.
func (d *Driver) Following() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.following
}

// Tick advances the pose by one step and publishes it. Nothing is rendered
// until a target exists.
func (d *Driver) Tick(time.Time) {
	d.mu.Lock()
	if !d.hasTarget {
		d.mu.Unlock()
		return
	}
	d.pose = d.interp.Step(d.pose, d.target)
	pose := d.pose
	following := d.following
	d.mu.Unlock()

	if d.marker != nil {
		d.marker.Render(pose)
	}
	if following && d.camera != nil {
		d.camera.Render(pose)
	}
	if d.frames != nil {
		d.frames.IncFrame()
	}
}

// Start runs the frame loop until ctx is cancelled or Stop is called. It
// is a no-op after the first call.
func (d *Driver) Start(ctx context.Context) {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	loopDone := d.ctrl.Run(runCtx)
	d.log.Debug(ctx, "animation loop started", logging.Duration("frame_interval", d.ctrl.Tick))

	go func() {
		<-loopDone
		d.log.Debug(context.Background(), "animation loop stopped", logging.Int("frames", int(d.ctrl.Frames())))
		close(d.done)
	}()
}

// Stop cancels the frame loop. Done is closed once the loop goroutine has
// exited, or immediately if the driver was never started.
func (d *Driver) Stop() {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	if d.cancel != nil {
		d.cancel()
		return
	}
	close(d.done)
}

// Done is closed when the driver has fully stopped.
func (d *Driver) Done() <-chan struct{} { return d.done }
