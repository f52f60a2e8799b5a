package resilience

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// ClientConfig holds configuration for a downstream client.
type ClientConfig struct {
	// Name identifies the provider in metrics and the registry.
	Name string

	// ConnectTimeout bounds TCP connection and TLS handshake.
	// Default: 2 seconds
	ConnectTimeout time.Duration

	// ReadTimeout bounds each attempt from request start until the
	// operation has consumed the response.
	// Default: 3 seconds
	ReadTimeout time.Duration

	// MaxRetries is the number of attempts after the first one.
	// Zero means a single attempt.
	MaxRetries uint64

	// RetryInterval is the pause between attempts. Zero retries immediately.
	RetryInterval time.Duration

	// Circuit configures health tracking (optional, DefaultCircuitConfig).
	Circuit *CircuitConfig

	// Critical marks a provider the gateway cannot answer without. An open
	// circuit on a non-critical provider only degrades overall health.
	Critical bool

	// Registry, when set, tracks this client's health.
	Registry *Registry

	// Metrics, when set, records one observation per Execute call.
	Metrics *ProviderMetrics
}

// Client is an HTTP client for one downstream provider.
type Client struct {
	httpClient *http.Client
	circuit    *circuit
	config     ClientConfig
}

// NewClient creates a client and registers it with cfg.Registry.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 3 * time.Second
	}

	circuitCfg := DefaultCircuitConfig()
	if cfg.Circuit != nil {
		circuitCfg = *cfg.Circuit
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.ConnectTimeout,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	c := &Client{
		httpClient: &http.Client{Transport: transport},
		circuit:    newCircuit(cfg.Name, circuitCfg),
		config:     cfg,
	}

	if cfg.Registry != nil {
		cfg.Registry.register(c)
	}

	return c
}

// Name returns the client's provider name.
func (c *Client) Name() string {
	return c.config.Name
}

// Do sends a single request with the client's transport timeouts. It does
// not retry; wrap it in Execute for that.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// Execute runs op, retrying failed attempts up to MaxRetries times. Every
// attempt gets its own context bounded by ReadTimeout; op must finish
// consuming the response within it.
//
// Every call runs its full retry policy regardless of circuit state. The
// caller's context error is returned once ctx is done; otherwise the error
// of the last attempt.
func (c *Client) Execute(ctx context.Context, operation string, op func(ctx context.Context) error) error {
	start := time.Now()
	done := c.circuit.begin()

	policy := backoff.WithContext(backoff.WithMaxRetries(c.backOff(), c.config.MaxRetries), ctx)

	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.config.ReadTimeout)
		defer cancel()

		err := op(attemptCtx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, policy)

	abandoned := err != nil && ctx.Err() != nil
	if abandoned {
		err = ctx.Err()
		done(errAbandoned)
	} else {
		done(err)
	}

	c.observe(ctx, operation, time.Since(start), err, abandoned)
	return err
}

func (c *Client) backOff() backoff.BackOff {
	if c.config.RetryInterval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	return backoff.NewConstantBackOff(c.config.RetryInterval)
}

func (c *Client) observe(ctx context.Context, operation string, duration time.Duration, err error, abandoned bool) {
	if c.config.Metrics != nil {
		c.config.Metrics.RecordRequest(ctx, c.config.Name, operation, duration, err)
	}

	// An abandoned request says nothing about the provider.
	if c.config.Registry == nil || abandoned {
		return
	}
	if err != nil {
		c.config.Registry.recordFailure(c.config.Name, err)
		return
	}
	c.config.Registry.recordSuccess(c.config.Name)
}

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// CheckStatus returns a *StatusError for any non-2xx response.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{StatusCode: resp.StatusCode}
	}
	return nil
}

// CircuitState returns the provider's circuit state.
func (c *Client) CircuitState() gobreaker.State {
	return c.circuit.state()
}

// CircuitCounts returns the request outcomes counted in the current state.
func (c *Client) CircuitCounts() gobreaker.Counts {
	return c.circuit.counts()
}
