package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/semanticd/internal/config"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, err := New(context.Background(), config.ObservabilityConfig{Enabled: false})
	require.NoError(t, err)

	assert.False(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.Nil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNilTelemetryIsSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.True(t, tel.Health().Degraded)
}

func TestEnabledTelemetryExposesProviders(t *testing.T) {
	// The gRPC exporter connects lazily, so New succeeds without a
	// collector listening.
	tel, err := New(context.Background(), config.ObservabilityConfig{
		Enabled:      true,
		ServiceName:  "semanticd-test",
		OTLPEndpoint: "127.0.0.1:4317",
		Protocol:     "grpc",
		Insecure:     true,
		SampleRate:   1.0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	assert.True(t, tel.IsEnabled())
	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)
}

func TestShutdownMarksUnhealthy(t *testing.T) {
	tel, err := New(context.Background(), config.ObservabilityConfig{Enabled: false})
	require.NoError(t, err)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
	assert.False(t, tel.IsEnabled())
}

func TestTestTelemetryRecordsSpans(t *testing.T) {
	tel := NewTestTelemetry()

	tracer := tel.Tracer("test")
	_, span := tracer.Start(context.Background(), "interpret")
	span.End()

	require.NotNil(t, tel.SpanByName("interpret"))
	assert.Nil(t, tel.SpanByName("missing"))
}

func TestTestTelemetryRecordsMetrics(t *testing.T) {
	tel := NewTestTelemetry()

	ctr, err := tel.Meter("test").Int64Counter("events.published")
	require.NoError(t, err)
	ctr.Add(context.Background(), 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, tel.MetricReader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	assert.Equal(t, "events.published", rm.ScopeMetrics[0].Metrics[0].Name)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "otel.example.com:4318", stripScheme("https://otel.example.com:4318"))
	assert.Equal(t, "127.0.0.1:4318", stripScheme("http://127.0.0.1:4318"))
	assert.Equal(t, "127.0.0.1:4318", stripScheme("127.0.0.1:4318"))
}
