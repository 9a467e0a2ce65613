package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PresenceCollector exposes client-side pipeline metrics: presence pushes,
// reconciled peers, change-feed events, animation frames and hazard
// submissions.
type PresenceCollector struct {
	reg      prometheus.Registerer
	gatherer prometheus.Gatherer

	Pushes        *prometheus.CounterVec
	PushDurations prometheus.Histogram
	Peers         prometheus.Gauge
	Events        *prometheus.CounterVec
	Frames        prometheus.Counter
	Reports       *prometheus.CounterVec
	Resyncs       prometheus.Counter
}

// NewPresenceCollector registers pipeline metrics against reg.
func NewPresenceCollector(reg prometheus.Registerer) (*PresenceCollector, error) {
	reg, gatherer := registryPair(reg)

	pushes, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_pushes_total",
		Help: "Presence push attempts, labeled by outcome (forwarded, throttled, in_flight, failed).",
	}, []string{"status"}), "presence_pushes_total")
	if err != nil {
		return nil, err
	}

	pushDurations, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "presence_push_duration_seconds",
		Help:    "Latency of presence upserts that reached the store.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}), "presence_push_duration_seconds")
	if err != nil {
		return nil, err
	}

	peers, err := register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_peers",
		Help: "Number of peers currently rendered.",
	}), "presence_peers")
	if err != nil {
		return nil, err
	}

	events, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_events_total",
		Help: "Change-feed events applied by the reconciler, labeled by type.",
	}, []string{"type"}), "presence_events_total")
	if err != nil {
		return nil, err
	}

	frames, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "animation_frames_total",
		Help: "Animation frames rendered.",
	}), "animation_frames_total")
	if err != nil {
		return nil, err
	}

	reports, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hazard_reports_total",
		Help: "Hazard reports submitted, labeled by hazard type.",
	}, []string{"type"}), "hazard_reports_total")
	if err != nil {
		return nil, err
	}

	resyncs, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_resyncs_total",
		Help: "Reconciler restarts after the change feed or the initial fetch failed.",
	}), "presence_resyncs_total")
	if err != nil {
		return nil, err
	}

	return &PresenceCollector{
		reg:           reg,
		gatherer:      gatherer,
		Resyncs:       resyncs,
		Pushes:        pushes,
		PushDurations: pushDurations,
		Peers:         peers,
		Events:        events,
		Frames:        frames,
		Reports:       reports,
	}, nil
}

// ObservePush counts a push outcome. Elapsed is only recorded for pushes
// that reached the store.
func (c *PresenceCollector) ObservePush(status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Pushes.WithLabelValues(status).Inc()
	if elapsed > 0 {
		c.PushDurations.Observe(elapsed.Seconds())
	}
}

// SetPeers records the size of the rendered peer set.
func (c *PresenceCollector) SetPeers(n int) {
	if c == nil {
		return
	}
	c.Peers.Set(float64(n))
}

// ObserveEvent counts an applied change-feed event.
func (c *PresenceCollector) ObserveEvent(eventType string) {
	if c == nil {
		return
	}
	c.Events.WithLabelValues(eventType).Inc()
}

// IncFrame counts a rendered animation frame.
func (c *PresenceCollector) IncFrame() {
	if c == nil {
		return
	}
	c.Frames.Inc()
}

// IncReport counts a submitted hazard report.
func (c *PresenceCollector) IncReport(hazardType string) {
	if c == nil {
		return
	}
	c.Reports.WithLabelValues(hazardType).Inc()
}

// IncResync counts a reconciler restart.
func (c *PresenceCollector) IncResync() {
	if c == nil {
		return
	}
	c.Resyncs.Inc()
}

// TrackDroppedSamples exports dropped() as location_samples_dropped_total.
func (c *PresenceCollector) TrackDroppedSamples(dropped func() uint64) error {
	if c == nil {
		return nil
	}
	_, err := register(c.reg, prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "location_samples_dropped_total",
		Help: "Device samples dropped because the session was still handling the previous one.",
	}, func() float64 { return float64(dropped()) }), "location_samples_dropped_total")
	return err
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PresenceCollector) Handler() http.Handler {
	return handlerFor(c.gatherer)
}
