// Package otel sets up the process-wide TracerProvider the otelhttp and
// otelsql instrumentation wired into server and storage/sql report spans
// through. Spans are sampled and recorded by the SDK but not exported
// off-process; there is no collector dependency.
package otel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracerProvider builds and registers the global TracerProvider,
// returning its Shutdown func for the caller's run.Group actor teardown.
func InitTracerProvider(serviceName, samplerStr string) (func(context.Context) error, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(parseSampler(samplerStr)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)
	return tracerProvider.Shutdown, nil
}

func parseSampler(samplerStr string) sdktrace.Sampler {
	switch samplerStr {
	case "always_off":
		return sdktrace.NeverSample()
	case "always_on", "":
		return sdktrace.AlwaysSample()
	default:
		if ratioStr, ok := strings.CutPrefix(samplerStr, "traceidratio:"); ok {
			if ratio, err := strconv.ParseFloat(ratioStr, 64); err == nil {
				return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
			}
		}
		return sdktrace.AlwaysSample()
	}
}

const libraryName = "github.com/ssocore/ssocore"

// InstrumentationTracer starts a named span under the active TracerProvider.
func InstrumentationTracer(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return trace.SpanFromContext(ctx).TracerProvider().Tracer(libraryName).Start(ctx, spanName)
}

// InstrumentHandler names the request's already-started otelhttp span after
// its method and route, so traces group by endpoint instead of all showing
// up as the same generic server span name.
func InstrumentHandler(r *http.Request) (context.Context, trace.Span) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)
	span.SetName(fmt.Sprintf("%s %s", r.Method, r.URL.Path))
	return ctx, span
}
