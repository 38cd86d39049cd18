package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withRecorder installs an in-memory span recorder as the node tracer.
func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	setTracer(tp.Tracer(instrumentationName), tp, true)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		setTracer(nil, nil, false)
	})
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "dittocluster", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, shutdown(ctx))
	assert.False(t, IsEnabled())

	_, span := StartSpan(ctx, "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestTracerBeforeInit(t *testing.T) {
	setTracer(nil, nil, false)
	require.NotNil(t, Tracer())
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestStartTaskSpan(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := StartTaskSpan(context.Background(), "ChangeOpLockType", "fileStates", "/A", NodeID("node-1"))
	assert.NotEmpty(t, TraceID(ctx))
	assert.NotEmpty(t, SpanID(ctx))
	RecordError(ctx, errors.New("boom"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanTaskPrefix+"ChangeOpLockType", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "ChangeOpLockType", attrs[AttrTaskKind])
	assert.Equal(t, "fileStates", attrs[AttrMapName])
	assert.Equal(t, "/A", attrs[AttrFileKey])
	assert.Equal(t, "node-1", attrs[AttrNodeID])
	assert.Len(t, spans[0].Events(), 1, "error recorded as an event")
}

func TestStartNodeSpan(t *testing.T) {
	rec := withRecorder(t)

	ctx, span := StartNodeSpan(context.Background(), "OpLockReleased", "/A")
	SetAttributes(ctx, Requeued(2))
	RecordError(ctx, nil)
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanNodePrefix+"OpLockReleased", spans[0].Name())
	assert.Empty(t, spans[0].Events())

	var requeued int64
	for _, kv := range spans[0].Attributes() {
		if string(kv.Key) == AttrRequeued {
			requeued = kv.Value.AsInt64()
		}
	}
	assert.Equal(t, int64(2), requeued)
}

func TestIDsWithoutSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
	assert.Empty(t, SpanID(context.Background()))
}

func TestParseProfileTypes(t *testing.T) {
	types, err := parseProfileTypes([]string{"cpu", "inuse_space"})
	require.NoError(t, err)
	assert.Len(t, types, 2)

	_, err = parseProfileTypes([]string{"cpu", "heap"})
	assert.Error(t, err)
}

func TestInitProfilingDisabled(t *testing.T) {
	stop, err := InitProfiling(ProfilingConfig{})
	require.NoError(t, err)
	assert.NoError(t, stop())
	assert.False(t, IsProfilingEnabled())
}
