// Package planner provides the client for the route planner service.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/healthroute/gateway/internal/healthplan"
	"github.com/healthroute/gateway/internal/provider/resilience"
	"github.com/healthroute/gateway/pkg/polyline"
)

const (
	// ProviderName identifies the planner in the provider registry.
	ProviderName = healthplan.ServicePlanner

	// DefaultBaseURL is the planner address in local development.
	DefaultBaseURL = "http://localhost:8002"

	// DefaultConnectTimeout bounds connection establishment.
	DefaultConnectTimeout = 2 * time.Second

	// DefaultReadTimeout bounds each attempt.
	DefaultReadTimeout = 3 * time.Second

	// HeaderRequestID carries the correlation identifier downstream.
	HeaderRequestID = "X-Request-Id"

	planPath = "/plan"

	// maxResponseBytes caps the planner body read into memory.
	maxResponseBytes = 4 << 20
)

// ClientConfig holds configuration for the planner client.
type ClientConfig struct {
	// BaseURL is the planner base URL (optional, defaults to DefaultBaseURL).
	BaseURL string

	// ConnectTimeout and ReadTimeout are the per-attempt transport bounds
	// (optional, default 2s and 3s).
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	// Resilient is the underlying client (optional). If nil, one is built
	// with a single immediate retry.
	Resilient *resilience.Client

	// Registry is the provider registry for health tracking (optional).
	Registry *resilience.Registry

	// Metrics records call outcomes (optional).
	Metrics *resilience.ProviderMetrics

	// Logger for client operations.
	Logger zerolog.Logger
}

// Client calls POST /plan on the planner service.
type Client struct {
	baseURL string
	http    *resilience.Client
	logger  zerolog.Logger
}

// NewClient creates a new planner client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	rc := cfg.Resilient
	if rc == nil {
		clientCfg := resilience.ClientConfig{
			Name:           ProviderName,
			ConnectTimeout: orDefault(cfg.ConnectTimeout, DefaultConnectTimeout),
			ReadTimeout:    orDefault(cfg.ReadTimeout, DefaultReadTimeout),
			MaxRetries:     1,
			Critical:       true,
			Registry:       cfg.Registry,
			Metrics:        cfg.Metrics,
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

// Plan requests candidate plans for query. Any failure of both attempts
// (transport error, non-2xx status, undecodable body or a body without a
// recommended or fallback plan) is returned as
// *healthplan.DownstreamUnavailableError. If ctx is done, its error is
// returned instead.
func (c *Client) Plan(ctx context.Context, query *healthplan.PlannerQuery, correlationID string) (*healthplan.PlannerResult, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshaling planner request: %w", err)
	}

	logger := c.logger.With().Str("request_id", correlationID).Logger()

	var result *healthplan.PlannerResult
	attempt := 0

	err = c.http.Execute(ctx, "plan", func(ctx context.Context) error {
		attempt++
		r, err := c.post(ctx, body, correlationID)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("planner attempt failed")
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &healthplan.DownstreamUnavailableError{Service: ProviderName, Err: err}
	}

	backfillDistances(result, logger)

	logger.Debug().
		Int("attempts", attempt).
		Int("alternatives", len(result.Alternatives)).
		Msg("planner responded")

	return result, nil
}

func (c *Client) post(ctx context.Context, body []byte, correlationID string) (*healthplan.PlannerResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+planPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(HeaderRequestID, correlationID)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if err := resilience.CheckStatus(resp); err != nil {
		return nil, err
	}

	var result healthplan.PlannerResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", healthplan.ErrMalformedResponse, err)
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}

	return &result, nil
}

// backfillDistances fills in segment distances the planner left at zero
// from the segment geometry.
func backfillDistances(result *healthplan.PlannerResult, logger zerolog.Logger) {
	fill := func(p *healthplan.Plan) {
		if p == nil {
			return
		}
		for i := range p.Segments {
			seg := &p.Segments[i]
			if seg.DistanceKm > 0 || seg.Geometry == "" {
				continue
			}
			km, err := polyline.LengthKm(seg.Geometry)
			if err != nil {
				logger.Debug().Err(err).Int("segment", i).Msg("ignoring segment geometry")
				continue
			}
			seg.DistanceKm = km
		}
	}

	fill(result.RecommendedPlan)
	fill(result.FallbackPlan)
	for i := range result.Alternatives {
		fill(&result.Alternatives[i])
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
