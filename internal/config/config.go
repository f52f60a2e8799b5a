// Package config loads gateway configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// ErrInvalid is matched by every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// Downstream configures one downstream HTTP service.
type Downstream struct {
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Enabled      bool
	OTLPEndpoint string
}

// DecisionLog selects the sinks that receive one entry per decided request.
type DecisionLog struct {
	// Database enables the Postgres sink, configured by the DB_* variables.
	Database bool

	// PubSubProject and PubSubTopic enable the Pub/Sub sink when both are set.
	PubSubProject string
	PubSubTopic   string
}

// PubSubEnabled reports whether the Pub/Sub sink is configured.
func (d DecisionLog) PubSubEnabled() bool {
	return d.PubSubProject != "" && d.PubSubTopic != ""
}

// Config is the complete gateway configuration.
type Config struct {
	Port     string
	Env      string
	LogLevel zerolog.Level

	Planner Downstream
	Weather Downstream

	Telemetry   Telemetry
	DecisionLog DecisionLog

	// RequireTLS rejects requests a load balancer forwarded over plain HTTP.
	RequireTLS bool

	// PlanRateLimit is the number of health plan queries allowed per client
	// IP per minute. Zero disables limiting.
	PlanRateLimit int

	ShutdownTimeout time.Duration
}

// LoadDotEnv loads variables from the given files (default ".env") without
// overriding variables already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// FromEnv reads the configuration from environment variables and validates it.
func FromEnv() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		Port:     getEnvOrDefault("APP_PORT", "8080"),
		Env:      getEnvOrDefault("APP_ENV", "development"),
		LogLevel: p.level("LOG_LEVEL", zerolog.InfoLevel),
		Planner: Downstream{
			BaseURL:        getEnvOrDefault("PLANNER_URL", "http://localhost:8002"),
			ConnectTimeout: p.duration("PLANNER_CONNECT_TIMEOUT", 2*time.Second),
			ReadTimeout:    p.duration("PLANNER_READ_TIMEOUT", 3*time.Second),
		},
		Weather: Downstream{
			BaseURL:        getEnvOrDefault("WEATHER_URL", "http://localhost:8004"),
			ConnectTimeout: p.duration("WEATHER_CONNECT_TIMEOUT", 1500*time.Millisecond),
			ReadTimeout:    p.duration("WEATHER_READ_TIMEOUT", 2*time.Second),
		},
		Telemetry: Telemetry{
			Enabled:      p.boolean("OTEL_ENABLED", false),
			OTLPEndpoint: getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		},
		DecisionLog: DecisionLog{
			Database:      p.boolean("DECISION_LOG_DATABASE", false),
			PubSubProject: os.Getenv("DECISION_LOG_PUBSUB_PROJECT"),
			PubSubTopic:   os.Getenv("DECISION_LOG_PUBSUB_TOPIC"),
		},
		RequireTLS:      p.boolean("REQUIRE_TLS", false),
		PlanRateLimit:   p.integer("PLAN_RATE_LIMIT", 30),
		ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if n, err := strconv.Atoi(c.Port); err != nil || n < 1 || n > 65535 {
		invalid("APP_PORT %q is not a valid port", c.Port)
	}

	for _, ds := range []struct {
		name string
		d    Downstream
	}{{"PLANNER", c.Planner}, {"WEATHER", c.Weather}} {
		name, d := ds.name, ds.d
		u, err := url.Parse(d.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			invalid("%s_URL %q must be an absolute http(s) URL", name, d.BaseURL)
		}
		if d.ConnectTimeout <= 0 {
			invalid("%s_CONNECT_TIMEOUT must be positive", name)
		}
		if d.ReadTimeout <= 0 {
			invalid("%s_READ_TIMEOUT must be positive", name)
		}
	}

	// The weather call sits on the critical path after the planner, so it
	// must give up first.
	if c.Weather.ReadTimeout >= c.Planner.ReadTimeout {
		invalid("WEATHER_READ_TIMEOUT (%s) must be shorter than PLANNER_READ_TIMEOUT (%s)",
			c.Weather.ReadTimeout, c.Planner.ReadTimeout)
	}

	if (c.DecisionLog.PubSubProject == "") != (c.DecisionLog.PubSubTopic == "") {
		invalid("DECISION_LOG_PUBSUB_PROJECT and DECISION_LOG_PUBSUB_TOPIC must be set together")
	}

	if c.PlanRateLimit < 0 {
		invalid("PLAN_RATE_LIMIT must not be negative")
	}

	return errors.Join(errs...)
}

// IsProduction reports whether the gateway runs in production.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// parser collects parse errors so FromEnv reports all of them at once.
type parser struct {
	errs []error
}

func (p *parser) fail(key, value string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, value, err))
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) boolean(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return b
}

func (p *parser) integer(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) level(key string, def zerolog.Level) zerolog.Level {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	l, err := zerolog.ParseLevel(strings.ToLower(v))
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return l
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
