package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/healthroute/gateway/internal/telemetry"
)

func TestInit_Disabled(t *testing.T) {
	ctx := context.Background()

	provider, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    "healthroute-gateway",
		ServiceVersion: "1.0.0",
		Environment:    "test",
		OTLPEndpoint:   "localhost:4317",
		Enabled:        false,
	})

	require.NoError(t, err)
	require.NotNil(t, provider)
	assert.Nil(t, provider.TracerProvider)
	assert.Nil(t, provider.MeterProvider)
	assert.NoError(t, provider.Shutdown(ctx))

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
	assert.Contains(t, fields, "baggage")
}

func TestProvider_Shutdown_NilProviders(t *testing.T) {
	provider := &telemetry.Provider{}
	assert.NoError(t, provider.Shutdown(context.Background()))
}

func TestProvider_Shutdown(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	provider := &telemetry.Provider{TracerProvider: tp}

	require.NoError(t, provider.Shutdown(context.Background()))

	_, span := tp.Tracer("test").Start(context.Background(), "after-shutdown")
	assert.False(t, span.SpanContext().IsValid() && span.IsRecording())
}

func TestSampler(t *testing.T) {
	traceID := trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	params := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       traceID,
		Name:          "POST /v1/health-plans",
	}

	tests := []struct {
		ratio float64
		want  sdktrace.SamplingDecision
	}{
		{0, sdktrace.RecordAndSample},
		{1, sdktrace.RecordAndSample},
		{0.0001, sdktrace.Drop},
	}

	for _, tt := range tests {
		got := telemetry.Sampler(tt.ratio).ShouldSample(params)
		assert.Equal(t, tt.want, got.Decision, "ratio %v", tt.ratio)
	}
}
