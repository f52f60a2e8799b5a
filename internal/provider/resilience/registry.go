package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Status is a provider's contribution to gateway health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

// Worse returns the more severe of s and other.
func (s Status) Worse(other Status) Status {
	if other.rank() > s.rank() {
		return other
	}
	return s
}

// ProviderHealth is a snapshot of one provider.
type ProviderHealth struct {
	Name     string
	Critical bool

	CircuitState gobreaker.State
	Counts       gobreaker.Counts

	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	LastError     string
}

// Status maps the circuit state: closed is healthy, half-open degraded and
// open unhealthy.
func (h ProviderHealth) Status() Status {
	switch h.CircuitState {
	case gobreaker.StateOpen:
		return StatusUnhealthy
	case gobreaker.StateHalfOpen:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// Impact is the provider's effect on overall health. Requests still succeed
// without a non-critical provider, so it degrades at worst.
func (h ProviderHealth) Impact() Status {
	s := h.Status()
	if s == StatusUnhealthy && !h.Critical {
		return StatusDegraded
	}
	return s
}

// Registry tracks the health of the gateway's downstream providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*provider
	now       func() time.Time
}

type provider struct {
	client        *Client
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]*provider),
		now:       time.Now,
	}
}

func (r *Registry) register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[c.Name()] = &provider{client: c}
}

func (r *Registry) recordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		now := r.now()
		p.lastSuccessAt = &now
	}
}

func (r *Registry) recordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.providers[name]; ok {
		now := r.now()
		p.lastFailureAt = &now
		p.lastError = err.Error()
	}
}

// Snapshot returns every registered provider ordered by name.
func (r *Registry) Snapshot() []ProviderHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderHealth, 0, len(r.providers))
	for name, p := range r.providers {
		out = append(out, ProviderHealth{
			Name:          name,
			Critical:      p.client.config.Critical,
			CircuitState:  p.client.CircuitState(),
			Counts:        p.client.CircuitCounts(),
			LastSuccessAt: p.lastSuccessAt,
			LastFailureAt: p.lastFailureAt,
			LastError:     p.lastError,
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Overall returns the worst impact across providers. An empty registry is
// healthy.
func (r *Registry) Overall() Status {
	overall := StatusHealthy
	for _, h := range r.Snapshot() {
		overall = overall.Worse(h.Impact())
	}
	return overall
}
