package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/JakeFAU/codedox/internal/crawler"
)

func TestSetupDisabledLeavesGlobalsAlone(t *testing.T) {
	before := otel.GetTracerProvider()

	p, err := Setup(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.Same(t, before, otel.GetTracerProvider())
	require.NoError(t, p.Shutdown(context.Background()))
}

// Setup installs global providers, so these tests do not run in parallel.
func TestSetupRecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	reg := prometheus.NewRegistry()
	p, err := Setup(context.Background(), Config{
		Enabled:        true,
		ServiceName:    "codedox-test",
		ServiceVersion: "1.2.3",
		SampleRatio:    1,
	}, WithRegisterer(reg), WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Shutdown(context.Background())) })

	ctx, parent := Start(context.Background(), "orchestrator.execute", attribute.String("job_id", "job-1"))
	_, child := Start(ctx, "pipeline.process")
	End(child, errors.New("gemini unavailable"))
	End(parent, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "pipeline.process", spans[0].Name())
	require.Equal(t, codes.Error, spans[0].Status().Code)
	require.Equal(t, "gemini unavailable", spans[0].Status().Description)
	require.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())

	require.Equal(t, "orchestrator.execute", spans[1].Name())
	require.Equal(t, codes.Unset, spans[1].Status().Code)
	require.Contains(t, spans[1].Attributes(), attribute.String("job_id", "job-1"))
	require.Contains(t, spans[1].Resource().Attributes(), attribute.String("service.name", "codedox-test"))
	require.Contains(t, spans[1].Resource().Attributes(), attribute.String("service.version", "1.2.3"))
}

func TestSetupZeroSampleRatioDropsRootSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p, err := Setup(context.Background(), Config{Enabled: true, ServiceName: "codedox-test"},
		WithRegisterer(prometheus.NewRegistry()), WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Shutdown(context.Background())) })

	_, span := Start(context.Background(), "results.PersistResult")
	End(span, nil)
	require.Empty(t, recorder.Ended())
}

func TestFailTreatsCancellationAsEvent(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	p, err := Setup(context.Background(), Config{Enabled: true, ServiceName: "codedox-test", SampleRatio: 1},
		WithRegisterer(prometheus.NewRegistry()), WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, p.Shutdown(context.Background())) })

	_, span := Start(context.Background(), "orchestrator.execute")
	End(span, fmt.Errorf("run: %w", crawler.ErrJobCancelled))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, codes.Unset, spans[0].Status().Code)
	require.Len(t, spans[0].Events(), 1)
	require.Equal(t, "cancelled", spans[0].Events()[0].Name)
}

func TestShutdownNilProvider(t *testing.T) {
	t.Parallel()

	var p *Provider
	require.NoError(t, p.Shutdown(context.Background()))
}
