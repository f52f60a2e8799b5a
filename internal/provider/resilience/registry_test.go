package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthroute/gateway/internal/provider/resilience"
)

// register adds a provider whose circuit opens after one failed request.
func register(registry *resilience.Registry, name string, critical bool) *resilience.Client {
	return resilience.NewClient(resilience.ClientConfig{
		Name:     name,
		Critical: critical,
		Circuit:  &resilience.CircuitConfig{OpenAfter: 1, Cooldown: time.Minute},
		Registry: registry,
	})
}

func fail(c *resilience.Client) {
	_ = c.Execute(context.Background(), "call", func(context.Context) error { return assert.AnError })
}

func TestRegistry_SnapshotOrderedByName(t *testing.T) {
	registry := resilience.NewRegistry()
	register(registry, "weather", false)
	register(registry, "planner", true)

	health := registry.Snapshot()

	require.Len(t, health, 2)
	assert.Equal(t, "planner", health[0].Name)
	assert.True(t, health[0].Critical)
	assert.Equal(t, "weather", health[1].Name)
	assert.False(t, health[1].Critical)
	for _, h := range health {
		assert.Equal(t, gobreaker.StateClosed, h.CircuitState)
		assert.Nil(t, h.LastSuccessAt)
		assert.Nil(t, h.LastFailureAt)
	}
}

func TestRegistry_RecordsRequestOutcomes(t *testing.T) {
	registry := resilience.NewRegistry()
	client := register(registry, "planner", true)

	require.NoError(t, client.Execute(context.Background(), "ok", func(context.Context) error { return nil }))
	h := registry.Snapshot()[0]
	require.NotNil(t, h.LastSuccessAt)
	assert.WithinDuration(t, time.Now(), *h.LastSuccessAt, time.Second)
	assert.Nil(t, h.LastFailureAt)

	fail(client)
	h = registry.Snapshot()[0]
	require.NotNil(t, h.LastFailureAt)
	assert.Equal(t, assert.AnError.Error(), h.LastError)
	assert.Equal(t, gobreaker.StateOpen, h.CircuitState)
}

func TestRegistry_IgnoresAbandonedRequests(t *testing.T) {
	registry := resilience.NewRegistry()
	client := register(registry, "planner", true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.Execute(ctx, "call", func(context.Context) error { return assert.AnError })

	assert.ErrorIs(t, err, context.Canceled)
	h := registry.Snapshot()[0]
	assert.Nil(t, h.LastFailureAt)
	assert.Equal(t, gobreaker.StateClosed, h.CircuitState)
}

func TestRegistry_Overall(t *testing.T) {
	tests := []struct {
		name        string
		failPlanner bool
		failWeather bool
		want        resilience.Status
	}{
		{name: "all closed", want: resilience.StatusHealthy},
		{name: "non-critical open degrades", failWeather: true, want: resilience.StatusDegraded},
		{name: "critical open fails", failPlanner: true, want: resilience.StatusUnhealthy},
		{name: "both open", failPlanner: true, failWeather: true, want: resilience.StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := resilience.NewRegistry()
			planner := register(registry, "planner", true)
			weather := register(registry, "weather", false)
			if tt.failPlanner {
				fail(planner)
			}
			if tt.failWeather {
				fail(weather)
			}

			assert.Equal(t, tt.want, registry.Overall())
		})
	}
}

func TestRegistry_EmptyIsHealthy(t *testing.T) {
	registry := resilience.NewRegistry()

	assert.Empty(t, registry.Snapshot())
	assert.Equal(t, resilience.StatusHealthy, registry.Overall())
}

func TestProviderHealth_StatusAndImpact(t *testing.T) {
	tests := []struct {
		state    gobreaker.State
		critical bool
		status   resilience.Status
		impact   resilience.Status
	}{
		{gobreaker.StateClosed, true, resilience.StatusHealthy, resilience.StatusHealthy},
		{gobreaker.StateHalfOpen, true, resilience.StatusDegraded, resilience.StatusDegraded},
		{gobreaker.StateOpen, true, resilience.StatusUnhealthy, resilience.StatusUnhealthy},
		{gobreaker.StateOpen, false, resilience.StatusUnhealthy, resilience.StatusDegraded},
		{gobreaker.StateHalfOpen, false, resilience.StatusDegraded, resilience.StatusDegraded},
	}

	for _, tt := range tests {
		h := resilience.ProviderHealth{CircuitState: tt.state, Critical: tt.critical}
		assert.Equal(t, tt.status, h.Status(), "%s critical=%v", tt.state, tt.critical)
		assert.Equal(t, tt.impact, h.Impact(), "%s critical=%v", tt.state, tt.critical)
	}
}

func TestStatus_Worse(t *testing.T) {
	assert.Equal(t, resilience.StatusDegraded, resilience.StatusHealthy.Worse(resilience.StatusDegraded))
	assert.Equal(t, resilience.StatusUnhealthy, resilience.StatusUnhealthy.Worse(resilience.StatusDegraded))
	assert.Equal(t, resilience.StatusHealthy, resilience.StatusHealthy.Worse(resilience.StatusHealthy))
}
