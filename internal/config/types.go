package config

import (
	"time"

	"github.com/signalsfoundry/safewalk/internal/logging"
	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/presence"
)

// PresenceConfig tunes the presence pipeline.
type PresenceConfig struct {
	SmoothingFactor    float64 `yaml:"smoothingFactor" validate:"gt=0,lte=1"`
	PushIntervalMS     int     `yaml:"pushIntervalMS" validate:"gt=0"`
	StalenessWindowSec int     `yaml:"stalenessWindowSec" validate:"gt=0"`
	FrameIntervalMS    int     `yaml:"frameIntervalMS" validate:"gt=0"`
	PruneIntervalSec   int     `yaml:"pruneIntervalSec" validate:"gt=0"`
	// InstantMotion disables marker easing.
	InstantMotion      bool `yaml:"instantMotion"`
	ResyncMinBackoffMS int  `yaml:"resyncMinBackoffMS" validate:"gt=0"`
	ResyncMaxBackoffMS int  `yaml:"resyncMaxBackoffMS" validate:"gtefield=ResyncMinBackoffMS"`
}

// Options converts the section into presence.Options.
func (p PresenceConfig) Options() presence.Options {
	return presence.Options{
		SmoothingFactor: p.SmoothingFactor,
		PushInterval:    time.Duration(p.PushIntervalMS) * time.Millisecond,
		StalenessWindow: time.Duration(p.StalenessWindowSec) * time.Second,
		FrameInterval:   time.Duration(p.FrameIntervalMS) * time.Millisecond,
		PruneInterval:   time.Duration(p.PruneIntervalSec) * time.Second,
		InstantMotion:   p.InstantMotion,
	}.WithDefaults()
}

// ResyncBackoff returns the reconciler restart backoff bounds.
func (p PresenceConfig) ResyncBackoff() (minWait, maxWait time.Duration) {
	return time.Duration(p.ResyncMinBackoffMS) * time.Millisecond,
		time.Duration(p.ResyncMaxBackoffMS) * time.Millisecond
}

// BackendConfig selects and locates the row store.
type BackendConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=memory postgres redis"`
	DSN         string `yaml:"dsn" validate:"required_if=Driver postgres"`
	RedisAddr   string `yaml:"redisAddr" validate:"required_if=Driver redis"`
	RedisPrefix string `yaml:"redisPrefix"`
	GRPCAddr    string `yaml:"grpcAddr" validate:"required"`
}

// ClientConfig configures one client session.
type ClientConfig struct {
	HTTPAddr    string `yaml:"httpAddr" validate:"required"`
	BackendAddr string `yaml:"backendAddr" validate:"required"`
	UserID      string `yaml:"userID"`
	UserEmail   string `yaml:"userEmail" validate:"omitempty,email"`
	Simulate    bool   `yaml:"simulate"`
	// StartLat and StartLon seed the simulator.
	StartLat float64 `yaml:"startLat" validate:"gte=-90,lte=90"`
	StartLon float64 `yaml:"startLon" validate:"gte=-180,lte=180"`
}

// RoutingConfig points at OpenRouteService for directions and Nominatim
// for place search. An empty GeocodeURL disables search.
type RoutingConfig struct {
	BaseURL    string `yaml:"baseURL" validate:"omitempty,url"`
	APIKey     string `yaml:"apiKey"`
	TimeoutMS  int    `yaml:"timeoutMS" validate:"gte=0"`
	GeocodeURL string `yaml:"geocodeURL" validate:"omitempty,url"`
	UserAgent  string `yaml:"userAgent" validate:"required_with=GeocodeURL"`
}

// AIConfig points at the Gemini generateContent endpoint.
type AIConfig struct {
	BaseURL   string `yaml:"baseURL" validate:"omitempty,url"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"apiKey"`
	TimeoutMS int    `yaml:"timeoutMS" validate:"gte=0"`
}

// AuthConfig holds the HS256 secret for bearer tokens. An empty secret
// disables authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
}

// TelemetryConfig groups logging, metrics and tracing.
type TelemetryConfig struct {
	MetricsAddr string                      `yaml:"metricsAddr"`
	Logging     logging.Config              `yaml:"logging"`
	Tracing     observability.TracingConfig `yaml:"tracing"`
}

// Config is the root configuration shared by both binaries.
type Config struct {
	Presence  PresenceConfig  `yaml:"presence"`
	Backend   BackendConfig   `yaml:"backend"`
	Client    ClientConfig    `yaml:"client"`
	Routing   RoutingConfig   `yaml:"routing"`
	AI        AIConfig        `yaml:"ai"`
	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}
