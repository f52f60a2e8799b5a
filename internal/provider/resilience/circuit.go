// Package resilience provides the HTTP client used for downstream services:
// split connect and read timeouts, a bounded retry policy, and a circuit
// that tracks provider health for the ops endpoints.
package resilience

import (
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"
)

// CircuitConfig configures the circuit kept for a provider.
//
// The circuit is advisory. It counts one outcome per request, after the
// retry policy has run, and never rejects a call; its state only feeds
// provider health.
type CircuitConfig struct {
	// OpenAfter is the number of consecutive failed requests that opens
	// the circuit. Default: 5
	OpenAfter uint32

	// Cooldown is how long the circuit stays open before the next request
	// is counted as a half-open trial. Default: 30 seconds
	Cooldown time.Duration

	// OnStateChange is called when the circuit changes state (optional).
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultCircuitConfig returns the circuit used by the gateway's clients.
func DefaultCircuitConfig() CircuitConfig {
	return CircuitConfig{
		OpenAfter: 5,
		Cooldown:  30 * time.Second,
	}
}

// errAbandoned marks a request whose caller went away. It is not counted.
var errAbandoned = errors.New("request abandoned by caller")

// circuit observes request outcomes for one provider.
type circuit struct {
	cb *gobreaker.TwoStepCircuitBreaker[struct{}]
}

func newCircuit(name string, cfg CircuitConfig) *circuit {
	if cfg.OpenAfter == 0 {
		cfg.OpenAfter = 5
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	openAfter := cfg.OpenAfter

	return &circuit{cb: gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= openAfter
		},
		IsExcluded: func(err error) bool {
			return errors.Is(err, errAbandoned)
		},
		OnStateChange: cfg.OnStateChange,
	})}
}

// begin starts observing one request. The returned func records its
// outcome. While the circuit is open, or a half-open trial is already in
// flight, the request still runs but its outcome is not counted.
func (c *circuit) begin() func(err error) {
	done, err := c.cb.Allow()
	if err != nil {
		return func(error) {}
	}
	return done
}

func (c *circuit) state() gobreaker.State { return c.cb.State() }

func (c *circuit) counts() gobreaker.Counts { return c.cb.Counts() }
