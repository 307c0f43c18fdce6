package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNew_DisabledTelemetry(t *testing.T) {
	cfg := NewDefaultConfig()

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.NotNil(t, tel.Tracer("test"))
	assert.False(t, tel.IsEnabled())
	assert.Nil(t, tel.LoggerProvider())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &Config{
		Enabled:     true,
		Endpoint:    "",
		ServiceName: "",
	}

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_WithExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	exp := tracetest.NewInMemoryExporter()
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	tel, err := New(context.Background(), cfg, WithTraceExporter(exp))
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())

	_, span := otel.Tracer("prgate/test").Start(context.Background(), "run")
	span.End()

	require.NoError(t, tel.ForceFlush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "run", spans[0].Name)

	var serviceName string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			serviceName = kv.Value.AsString()
		}
	}
	assert.Equal(t, "prgate", serviceName)

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestTelemetry_Health(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	health := tel.Health()
	assert.True(t, health.Healthy)
	assert.False(t, health.Degraded)

	tel.setDegraded("exporter failed: %v", errors.New("dial tcp: refused"))
	health = tel.Health()
	assert.True(t, health.Degraded)
	assert.Equal(t, "exporter failed: dial tcp: refused", health.Reason)
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.LoggerProvider()
		_ = tel.Health()
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
		tel.SetLoggerProvider(nil)
	})

	health := tel.Health()
	assert.False(t, health.Healthy)
	assert.True(t, health.Degraded)
}

func TestTelemetry_ShutdownWithTimeout(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ShutdownTimeout = 100 * time.Millisecond

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.NoError(t, tel.Shutdown(ctx))
	assert.False(t, tel.Health().Healthy)
}

func TestTestTelemetry(t *testing.T) {
	tt := NewTestTelemetry()
	tracer := tt.Tracer("test")

	ctx, parent := tracer.Start(context.Background(), "run")
	_, child := tracer.Start(ctx, "stage.build")
	child.SetAttributes(
		attribute.String("stage", "build"),
		attribute.Int("steps", 3),
		attribute.Bool("success", false),
		attribute.Float64("score", 87.5),
	)
	child.SetStatus(codes.Error, "compile failed")
	child.End()
	parent.End()

	assert.Equal(t, []string{"stage.build", "run"}, tt.SpanNames())
	tt.AssertSpanExists(t, "run")
	tt.AssertSpanError(t, "stage.build")
	tt.AssertSpanAttribute(t, "stage.build", "stage", "build")
	tt.AssertSpanAttribute(t, "stage.build", "steps", int64(3))
	tt.AssertSpanAttribute(t, "stage.build", "success", false)
	tt.AssertSpanAttribute(t, "stage.build", "score", 87.5)
	assert.Nil(t, tt.SpanByName("missing"))

	build := tt.SpanByName("stage.build")
	assert.Equal(t, parent.SpanContext().SpanID(), build.Parent().SpanID())
}
