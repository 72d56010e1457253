package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledByDefault(t *testing.T) {
	t.Setenv("ASAP_OTEL_ENABLED", "")

	assert.False(t, Enabled())
	require.NoError(t, Init(context.Background(), "asap", "test"))

	// Disabled mode hands out no instruments.
	assert.Nil(t, NewPipelineMetrics())
}

func TestPipelineMetricsNilReceiver(t *testing.T) {
	var p *PipelineMetrics
	// Must not panic when telemetry is off.
	p.RecordRun(context.Background(), 1, 1, 1, 0, time.Second)
	p.RecordRecon(context.Background(), "agl", 2, 0, 1)
}

func TestInitStdoutExporter(t *testing.T) {
	t.Setenv("ASAP_OTEL_ENABLED", "true")
	t.Setenv("ASAP_OTEL_STDOUT", "true")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	ctx := context.Background()
	require.NoError(t, Init(ctx, "asap", "test"))
	defer Shutdown(ctx)

	p := NewPipelineMetrics()
	require.NotNil(t, p)
	p.RecordRun(ctx, 3, 2, 2, 0, 1500*time.Millisecond)
	p.RecordRecon(ctx, "agl", 5, 1, 0)
}
