package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "safewalk.yml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts := cfg.Presence.Options()
	if opts.SmoothingFactor != 0.15 {
		t.Fatalf("smoothing = %v, want 0.15", opts.SmoothingFactor)
	}
	if opts.PushInterval != time.Second || opts.StalenessWindow != 5*time.Minute {
		t.Fatalf("options = %+v", opts)
	}
	if opts.FrameInterval != 16*time.Millisecond || opts.PruneInterval != 30*time.Second {
		t.Fatalf("options = %+v", opts)
	}
	if cfg.Backend.Driver != "memory" {
		t.Fatalf("driver = %q, want memory", cfg.Backend.Driver)
	}
	if lo, hi := cfg.Presence.ResyncBackoff(); lo != time.Second || hi != 30*time.Second {
		t.Fatalf("resync backoff = %v..%v", lo, hi)
	}
	if opts.InstantMotion {
		t.Fatalf("instant motion should default off")
	}
	if cfg.Routing.GeocodeURL != "https://nominatim.openstreetmap.org" || cfg.Routing.UserAgent == "" {
		t.Fatalf("routing = %+v", cfg.Routing)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, `
presence:
  smoothingFactor: 0.5
  pushIntervalMS: 2000
  instantMotion: true
backend:
  driver: redis
  redisAddr: cache:6379
client:
  userEmail: walker@example.com
telemetry:
  logging:
    level: debug
    format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Presence.SmoothingFactor != 0.5 || cfg.Presence.PushIntervalMS != 2000 {
		t.Fatalf("presence = %+v", cfg.Presence)
	}
	if !cfg.Presence.Options().InstantMotion {
		t.Fatalf("instantMotion not applied: %+v", cfg.Presence)
	}
	if cfg.Presence.StalenessWindowSec != 300 {
		t.Fatalf("unset field lost its default: %+v", cfg.Presence)
	}
	if cfg.Backend.RedisAddr != "cache:6379" || cfg.Backend.GRPCAddr != ":50051" {
		t.Fatalf("backend = %+v", cfg.Backend)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "json" {
		t.Fatalf("logging = %+v", cfg.Telemetry.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SAFEWALK_BACKEND_DRIVER", "postgres")
	t.Setenv("SAFEWALK_DB_DSN", "postgres://localhost/safewalk")
	t.Setenv("SAFEWALK_JWT_SECRET", "s3cret")
	t.Setenv("SAFEWALK_SIMULATE", "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backend.Driver != "postgres" || cfg.Backend.DSN != "postgres://localhost/safewalk" {
		t.Fatalf("backend = %+v", cfg.Backend)
	}
	if cfg.Auth.JWTSecret != "s3cret" || !cfg.Client.Simulate {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("SAFEWALK_ORS_API_KEY=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("SAFEWALK_ORS_API_KEY") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Routing.APIKey != "from-dotenv" {
		t.Fatalf("routing api key = %q", cfg.Routing.APIKey)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"alpha zero":         func(c *Config) { c.Presence.SmoothingFactor = 0 },
		"alpha above one":    func(c *Config) { c.Presence.SmoothingFactor = 1.5 },
		"unknown driver":     func(c *Config) { c.Backend.Driver = "sqlite" },
		"postgres no dsn":    func(c *Config) { c.Backend.Driver = "postgres" },
		"redis no addr":      func(c *Config) { c.Backend.Driver = "redis" },
		"bad email":          func(c *Config) { c.Client.UserEmail = "not-an-email" },
		"bad start lat":      func(c *Config) { c.Client.StartLat = 91 },
		"bad sample ratio":   func(c *Config) { c.Telemetry.Tracing.SampleRatio = 2 },
		"bad routing url":    func(c *Config) { c.Routing.BaseURL = "::nope" },
		"zero push interval": func(c *Config) { c.Presence.PushIntervalMS = 0 },
		"resync max < min":   func(c *Config) { c.Presence.ResyncMaxBackoffMS = 10 },
		"geocode no agent":   func(c *Config) { c.Routing.UserAgent = "" },
		"bad geocode url":    func(c *Config) { c.Routing.GeocodeURL = "::nope" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	if err := Validate(Default()); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeConfig(t, "presence: [")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("err = %v, want parse error", err)
	}
}

func TestExampleConfigLoads(t *testing.T) {
	path, err := filepath.Abs("../../configs/safewalk.example.yml")
	if err != nil {
		t.Fatalf("Abs: %v", err)
	}
	t.Chdir(t.TempDir())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load example: %v", err)
	}
	if cfg.Client.StartLat != 40.7484 || cfg.AI.Model != "gemini-1.5-flash" {
		t.Fatalf("example config not applied: %+v", cfg)
	}
}
