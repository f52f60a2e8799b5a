package planner_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthroute/gateway/internal/healthplan"
	"github.com/healthroute/gateway/internal/planner"
	"github.com/healthroute/gateway/internal/provider/resilience"
	"github.com/healthroute/gateway/pkg/polyline"
)

const validPlannerBody = `{
	"recommendedPlan": {
		"planType": "HEALTH",
		"totalDurationMinutes": 32,
		"totalDistanceKm": 7.4,
		"activity": {"walkMinutes": 12, "bikeMinutes": 15},
		"segments": [
			{"mode": "WALK", "from": {"lat": 40.4168, "lon": -3.7038}, "to": {"lat": 40.4194, "lon": -3.6926}, "durationMinutes": 12, "distanceKm": 1.0},
			{"mode": "BIKE", "from": {"lat": 40.4194, "lon": -3.6926}, "to": {"lat": 40.4531, "lon": -3.6883}, "durationMinutes": 20, "distanceKm": 6.4}
		],
		"why": "Meets both activity goals"
	},
	"alternatives": [
		{"planType": "HEALTH", "totalDurationMinutes": 40, "totalDistanceKm": 8.1, "activity": {"walkMinutes": 25, "bikeMinutes": 0}, "segments": [], "why": "Walk heavy"}
	],
	"fallbackPlan": {
		"planType": "NORMAL",
		"totalDurationMinutes": 18,
		"totalDistanceKm": 6.9,
		"activity": {"walkMinutes": 4, "bikeMinutes": 0},
		"segments": [],
		"why": "Fastest transit option"
	},
	"evaluationMetrics": {"walkGoalAchieved": true, "bikeGoalAchieved": true, "totalDetourMinutes": 14, "totalDetourKm": 0.5, "score": 0.82},
	"explanation": "A bike and walk combination satisfies your goals."
}`

func sampleQuery() *healthplan.PlannerQuery {
	return &healthplan.PlannerQuery{
		Origin:        healthplan.Location{Lat: 40.4168, Lon: -3.7038},
		Destination:   healthplan.Location{Lat: 40.4531, Lon: -3.6883},
		DepartureTime: "2026-03-14T08:30:00Z",
		Goals:         healthplan.ActivityGoals{WalkMinutes: 10, BikeMinutes: 15},
		Preferences:   healthplan.RoutingPreferences{AvoidStairs: true},
	}
}

func newTestClient(t *testing.T, baseURL string, readTimeout time.Duration) *planner.Client {
	t.Helper()
	rc := resilience.NewClient(resilience.ClientConfig{
		Name:        planner.ProviderName,
		ReadTimeout: readTimeout,
		MaxRetries:  1,
	})
	return planner.NewClient(planner.ClientConfig{
		BaseURL:   baseURL,
		Resilient: rc,
		Logger:    zerolog.Nop(),
	})
}

func TestClient_Plan_Success(t *testing.T) {
	var gotBody healthplan.PlannerQuery
	var gotHeader string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/plan", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotHeader = r.Header.Get(planner.HeaderRequestID)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(validPlannerBody))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)

	result, err := client.Plan(context.Background(), sampleQuery(), "corr-1")
	require.NoError(t, err)

	assert.Equal(t, "corr-1", gotHeader)
	assert.Equal(t, sampleQuery().Origin, gotBody.Origin)
	assert.True(t, gotBody.Preferences.AvoidStairs)

	require.NotNil(t, result.RecommendedPlan)
	require.NotNil(t, result.FallbackPlan)
	assert.Equal(t, healthplan.PlanTypeHealth, result.RecommendedPlan.PlanType)
	assert.Equal(t, healthplan.ModeBike, result.RecommendedPlan.Segments[1].Mode)
	assert.Equal(t, healthplan.PlanTypeNormal, result.FallbackPlan.PlanType)
	assert.Len(t, result.Alternatives, 1)
	require.NotNil(t, result.EvaluationMetrics)
	assert.InDelta(t, 0.82, result.EvaluationMetrics.Score, 1e-9)
	assert.Equal(t, "planner", client.Name())
}

func TestClient_Plan_RetriesOnceThenSucceeds(t *testing.T) {
	tests := []struct {
		name  string
		first func(w http.ResponseWriter)
	}{
		{
			name:  "server error",
			first: func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) },
		},
		{
			name:  "malformed json",
			first: func(w http.ResponseWriter) { _, _ = w.Write([]byte(`{"recommendedPlan":`)) },
		},
		{
			name: "missing fallback plan",
			first: func(w http.ResponseWriter) {
				_, _ = w.Write([]byte(`{"recommendedPlan":{"planType":"HEALTH","totalDurationMinutes":10}}`))
			},
		},
		{
			name:  "client error",
			first: func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadRequest) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var attempts atomic.Int32
			var mu sync.Mutex
			var headers []string

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				headers = append(headers, r.Header.Get(planner.HeaderRequestID))
				mu.Unlock()
				if attempts.Add(1) == 1 {
					tt.first(w)
					return
				}
				_, _ = w.Write([]byte(validPlannerBody))
			}))
			defer server.Close()

			client := newTestClient(t, server.URL, time.Second)

			result, err := client.Plan(context.Background(), sampleQuery(), "corr-retry")
			require.NoError(t, err)
			assert.NotNil(t, result.RecommendedPlan)
			assert.Equal(t, int32(2), attempts.Load())
			assert.Equal(t, []string{"corr-retry", "corr-retry"}, headers)
		})
	}
}

func TestClient_Plan_BothAttemptsFail(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)

	result, err := client.Plan(context.Background(), sampleQuery(), "corr-2")

	assert.Nil(t, result)
	assert.ErrorIs(t, err, healthplan.ErrDownstreamUnavailable)
	var unavailable *healthplan.DownstreamUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "planner", unavailable.Service)
	assert.Equal(t, int32(2), attempts.Load(), "exactly one retry")
}

func TestClient_Plan_Timeout(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte(validPlannerBody))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 50*time.Millisecond)

	_, err := client.Plan(context.Background(), sampleQuery(), "corr-3")

	assert.ErrorIs(t, err, healthplan.ErrDownstreamUnavailable)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_Plan_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := newTestClient(t, url, time.Second)

	_, err := client.Plan(context.Background(), sampleQuery(), "corr-4")
	assert.ErrorIs(t, err, healthplan.ErrDownstreamUnavailable)
}

func TestClient_Plan_CallerCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
		_, _ = w.Write([]byte(validPlannerBody))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, 2*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Plan(ctx, sampleQuery(), "corr-5")

	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.False(t, errors.Is(err, healthplan.ErrDownstreamUnavailable))
}

func TestClient_Plan_BackfillsDistanceFromGeometry(t *testing.T) {
	geometry := polyline.Encode([]polyline.Coordinate{{Lat: 40.0, Lon: -3.7}, {Lat: 40.01, Lon: -3.7}})
	body := `{
		"recommendedPlan": {"planType": "HEALTH", "totalDurationMinutes": 14, "segments": [
			{"mode": "WALK", "durationMinutes": 14, "distanceKm": 0, "geometry": "` + geometry + `"},
			{"mode": "WALK", "durationMinutes": 3, "distanceKm": 0.25, "geometry": "` + geometry + `"},
			{"mode": "WALK", "durationMinutes": 3, "distanceKm": 0, "geometry": "_p~iF"}
		]},
		"fallbackPlan": {"planType": "NORMAL", "totalDurationMinutes": 9, "segments": []}
	}`

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, time.Second)

	result, err := client.Plan(context.Background(), sampleQuery(), "corr-6")
	require.NoError(t, err)

	segs := result.RecommendedPlan.Segments
	assert.InDelta(t, 1.112, segs[0].DistanceKm, 0.01, "zero distance is derived from geometry")
	assert.InDelta(t, 0.25, segs[1].DistanceKm, 1e-9, "reported distance is kept")
	assert.Zero(t, segs[2].DistanceKm, "malformed geometry is ignored")
}

func TestClient_Plan_RetryRecoversOnEveryRequest(t *testing.T) {
	var calls atomic.Int32

	// Every first attempt fails and every retry succeeds.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1)%2 == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(validPlannerBody))
	}))
	defer server.Close()

	registry := resilience.NewRegistry()
	client := planner.NewClient(planner.ClientConfig{
		BaseURL:  server.URL,
		Registry: registry,
		Logger:   zerolog.Nop(),
	})

	for i := 0; i < 12; i++ {
		before := calls.Load()

		result, err := client.Plan(context.Background(), sampleQuery(), "corr-flaky")

		require.NoError(t, err, "request %d", i)
		assert.NotNil(t, result.RecommendedPlan)
		assert.Equal(t, int32(2), calls.Load()-before, "request %d makes exactly two calls", i)
	}

	health := registry.Snapshot()
	require.Len(t, health, 1)
	assert.Equal(t, resilience.StatusHealthy, health[0].Status())
}

func TestClient_Plan_RetriesWhileCircuitOpen(t *testing.T) {
	var calls atomic.Int32
	var healthy atomic.Bool

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		if !healthy.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(validPlannerBody))
	}))
	defer server.Close()

	registry := resilience.NewRegistry()
	client := planner.NewClient(planner.ClientConfig{
		BaseURL:  server.URL,
		Registry: registry,
		Logger:   zerolog.Nop(),
	})

	for i := 0; i < 5; i++ {
		_, err := client.Plan(context.Background(), sampleQuery(), "corr-down")
		require.ErrorIs(t, err, healthplan.ErrDownstreamUnavailable)
	}
	assert.Equal(t, int32(10), calls.Load(), "every failed request used its retry")
	assert.Equal(t, resilience.StatusUnhealthy, registry.Snapshot()[0].Status())

	healthy.Store(true)
	result, err := client.Plan(context.Background(), sampleQuery(), "corr-up")

	require.NoError(t, err, "an open circuit does not reject requests")
	assert.NotNil(t, result.RecommendedPlan)
	assert.Equal(t, int32(11), calls.Load())
}

func TestNewClient_Defaults(t *testing.T) {
	registry := resilience.NewRegistry()
	client := planner.NewClient(planner.ClientConfig{Registry: registry, Logger: zerolog.Nop()})

	assert.Equal(t, "planner", client.Name())
	health := registry.Snapshot()
	require.Len(t, health, 1, "default client registers itself")
	assert.Equal(t, "planner", health[0].Name)
	assert.True(t, health[0].Critical)
}
