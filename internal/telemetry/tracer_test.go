package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitTracerInstallsProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	tp, err := InitTracer("genmedia-studio-test")
	require.NoError(t, err)
	require.NotNil(t, tp)

	_, span := Tracer().Start(context.Background(), "unit")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestShutdownNilProvider(t *testing.T) {
	assert.NotPanics(t, func() { Shutdown(context.Background(), nil, nil) })
}
