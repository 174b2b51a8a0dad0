package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled_UsesNoopTracer(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	ctx, span := StartSpan(context.Background(), "test.span")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid(), "noop tracer spans carry no valid span context")
	_ = ctx
}

func TestInit_Enabled_InstallsRealProvider(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: true, ServiceName: "test", ServiceVersion: "0.0.0"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	require.NotNil(t, Provider())

	_, span := StartControllerSpan(context.Background(), "/org/bus1/Controller", "org.bus1.Controller", "AddListener", 7)
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
}
