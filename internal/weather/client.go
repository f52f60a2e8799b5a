// Package weather provides the client for the weather-risk service.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthroute/gateway/internal/healthplan"
	"github.com/healthroute/gateway/internal/provider/resilience"
)

const (
	// ProviderName identifies the weather service in the provider registry.
	ProviderName = "weather"

	// DefaultBaseURL is the weather service address in local development.
	DefaultBaseURL = "http://localhost:8004"

	// DefaultConnectTimeout bounds connection establishment.
	DefaultConnectTimeout = 1500 * time.Millisecond

	// DefaultReadTimeout bounds the single attempt. It is kept below the
	// planner's so the weather stage fits the request latency budget.
	DefaultReadTimeout = 2 * time.Second

	// HeaderRequestID carries the correlation identifier downstream.
	HeaderRequestID = "X-Request-Id"

	decisionPath     = "/weather/decision"
	maxResponseBytes = 1 << 20
)

// ClientConfig holds configuration for the weather client.
type ClientConfig struct {
	// BaseURL is the weather service base URL (optional, defaults to DefaultBaseURL).
	BaseURL string

	// ConnectTimeout and ReadTimeout bound the call (optional, default 1.5s and 2s).
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Resilient is the underlying client (optional). If nil, one is built
	// without retries.
	Resilient *resilience.Client

	// Registry is the provider registry for health tracking (optional).
	Registry *resilience.Registry

	// Metrics records call outcomes (optional).
	Metrics *resilience.ProviderMetrics

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client calls GET /weather/decision on the weather service.
type Client struct {
	baseURL string
	http    *resilience.Client
	logger  zerolog.Logger
}

// NewClient creates a new weather client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	rc := cfg.Resilient
	if rc == nil {
		clientCfg := resilience.ClientConfig{
			Name:           ProviderName,
			ConnectTimeout: DefaultConnectTimeout,
			ReadTimeout:    DefaultReadTimeout,
			Registry:       cfg.Registry,
			Metrics:        cfg.Metrics,
		}
		if cfg.ConnectTimeout > 0 {
			clientCfg.ConnectTimeout = cfg.ConnectTimeout
		}
		if cfg.ReadTimeout > 0 {
			clientCfg.ReadTimeout = cfg.ReadTimeout
		}
		rc = resilience.NewClient(clientCfg)
	}

	return &Client{
		baseURL: baseURL,
		http:    rc,
		logger:  cfg.Logger.With().Str("provider", ProviderName).Logger(),
	}
}

// Name returns the provider name.
func (c *Client) Name() string {
	return ProviderName
}

// Evaluate asks the weather service to classify the trip window. It never
// fails: any error or timeout yields healthplan.FallbackWeather.
// The decision value is passed through as received, including an empty one
// when the service omits it, so the caller decides how to treat values
// outside OK, WARNING and BLOCK.
func (c *Client) Evaluate(ctx context.Context, query *healthplan.WeatherQuery, correlationID string) *healthplan.WeatherResult {
	logger := c.logger.With().Str("request_id", correlationID).Logger()

	var result *healthplan.WeatherResult
	err := c.http.Execute(ctx, "decision", func(ctx context.Context) error {
		r, err := c.get(ctx, query, correlationID)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		logger.Warn().Err(err).Msg("weather service unavailable, using fallback")
		return healthplan.FallbackWeather()
	}

	logger.Debug().
		Str("decision", string(result.Decision)).
		Int("reasons", len(result.Reasons)).
		Msg("weather evaluated")

	return result
}

func (c *Client) get(ctx context.Context, query *healthplan.WeatherQuery, correlationID string) (*healthplan.WeatherResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+decisionPath+"?"+Params(query).Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, correlationID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if err := resilience.CheckStatus(resp); err != nil {
		return nil, err
	}

	var result healthplan.WeatherResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", healthplan.ErrMalformedResponse, err)
	}
	if result.Reasons == nil {
		result.Reasons = []string{}
	}
	if result.Summary.Alerts == nil {
		result.Summary.Alerts = []string{}
	}

	return &result, nil
}

// Params encodes query as the service's query string. Weather preferences
// are only sent when set.
func Params(query *healthplan.WeatherQuery) url.Values {
	v := url.Values{}
	v.Set("originLat", formatCoord(query.Origin.Lat))
	v.Set("originLon", formatCoord(query.Origin.Lon))
	v.Set("destLat", formatCoord(query.Destination.Lat))
	v.Set("destLon", formatCoord(query.Destination.Lon))
	v.Set("departureTime", query.DepartureTime)
	v.Set("durationMinutes", strconv.Itoa(query.DurationMinutes))
	if query.AvoidRain != "" {
		v.Set("avoidRain", query.AvoidRain)
	}
	if query.WindTolerance != "" {
		v.Set("windTolerance", query.WindTolerance)
	}
	return v
}

func formatCoord(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
