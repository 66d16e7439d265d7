package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Installs globals, so it does not run in parallel.
func TestInitTracerProviderExportsAndPropagates(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp, err := InitTracerProvider(context.Background(), Options{
		ServiceName: "hnsnap",
		Version:     "test",
		SampleRatio: 1,
		Exporter:    exporter,
	})
	require.NoError(t, err)

	ctx, span := Tracer("telemetry_test").Start(context.Background(), "crawl.run")
	attrs := map[string]string{"source": "hnsnap"}
	Inject(ctx, attrs)
	span.End()

	require.NoError(t, tp.ForceFlush(context.Background()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "crawl.run", spans[0].Name)
	require.Contains(t, attrs["traceparent"], span.SpanContext().TraceID().String())
	require.Equal(t, "hnsnap", attrs["source"])
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestInitTracerProviderWithoutExporter(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Options{ServiceName: "hnsnap", SampleRatio: 0})
	require.NoError(t, err)
	_, span := tp.Tracer("telemetry_test").Start(context.Background(), "unsampled")
	require.False(t, span.SpanContext().IsSampled())
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestAttributesCarrier(t *testing.T) {
	t.Parallel()

	c := AttributesCarrier{}
	c.Set("traceparent", "00-abc")
	require.Equal(t, "00-abc", c.Get("traceparent"))
	require.Equal(t, []string{"traceparent"}, c.Keys())
	require.Empty(t, c.Get("missing"))
}
