// Package config loads the YAML configuration shared by safewalk-backend and
// safewalk-client. Secrets and addresses can be overridden with SAFEWALK_*
// environment variables, optionally from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/safewalk/internal/observability"
	"github.com/signalsfoundry/safewalk/motion"
	"github.com/signalsfoundry/safewalk/presence"
	"github.com/signalsfoundry/safewalk/routing"
	"github.com/signalsfoundry/safewalk/session"
)

// Default returns a configuration that runs everything in memory on
// localhost.
func Default() Config {
	return Config{
		Presence: PresenceConfig{
			SmoothingFactor:    motion.DefaultAlpha,
			PushIntervalMS:     int(presence.DefaultPushInterval.Milliseconds()),
			StalenessWindowSec: int(presence.DefaultStalenessWindow.Seconds()),
			FrameIntervalMS:    int(presence.DefaultFrameInterval.Milliseconds()),
			PruneIntervalSec:   int(presence.DefaultPruneInterval.Seconds()),
			ResyncMinBackoffMS: int(session.DefaultResyncMinBackoff.Milliseconds()),
			ResyncMaxBackoffMS: int(session.DefaultResyncMaxBackoff.Milliseconds()),
		},
		Backend: BackendConfig{
			Driver:      "memory",
			RedisPrefix: "safewalk",
			GRPCAddr:    ":50051",
		},
		Client: ClientConfig{
			HTTPAddr:    ":8080",
			BackendAddr: "localhost:50051",
		},
		Routing: RoutingConfig{
			BaseURL:    "https://api.openrouteservice.org",
			TimeoutMS:  10000,
			GeocodeURL: routing.DefaultNominatimURL,
			UserAgent:  "safewalk/1.0",
		},
		AI: AIConfig{
			BaseURL:   "https://generativelanguage.googleapis.com",
			Model:     "gemini-1.5-flash",
			TimeoutMS: 20000,
		},
		Telemetry: TelemetryConfig{
			MetricsAddr: ":9090",
			Tracing:     observability.DefaultTracingConfig("safewalk"),
		},
	}
}

// Load reads .env (if present), the YAML file at path (if non-empty),
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Backend.Driver, "SAFEWALK_BACKEND_DRIVER")
	setString(&c.Backend.DSN, "SAFEWALK_DB_DSN")
	setString(&c.Backend.RedisAddr, "SAFEWALK_REDIS_ADDR")
	setString(&c.Backend.GRPCAddr, "SAFEWALK_GRPC_ADDR")
	setString(&c.Client.HTTPAddr, "SAFEWALK_HTTP_ADDR")
	setString(&c.Client.BackendAddr, "SAFEWALK_BACKEND_ADDR")
	setString(&c.Client.UserID, "SAFEWALK_USER_ID")
	setString(&c.Client.UserEmail, "SAFEWALK_USER_EMAIL")
	setString(&c.Auth.JWTSecret, "SAFEWALK_JWT_SECRET")
	setString(&c.Routing.APIKey, "SAFEWALK_ORS_API_KEY")
	setString(&c.Routing.GeocodeURL, "SAFEWALK_GEOCODE_URL")
	setString(&c.AI.APIKey, "SAFEWALK_GEMINI_API_KEY")
	setString(&c.Telemetry.MetricsAddr, "SAFEWALK_METRICS_ADDR")

	if raw := os.Getenv("SAFEWALK_SIMULATE"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("SAFEWALK_SIMULATE: %w", err)
		}
		c.Client.Simulate = v
	}
	c.Telemetry.Tracing = c.Telemetry.Tracing.ApplyEnv()
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}
