// Copyright 2025 James Ross
package obs

import (
	"context"

	"github.com/codegraph/analysis-pipeline/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// MaybeInitTracing installs a global tracer provider when tracing is
// enabled. The provider samples every span but has no span processor or
// exporter registered, so spans started through StartSpan are not exported
// anywhere.
func MaybeInitTracing(cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	return tp, nil
}

var tracer = otel.Tracer("codegraph-pipeline")

// StartSpan begins a span named name with the given key/value attributes.
func StartSpan(ctx context.Context, name string, kvs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(kvs...))
}

// KeyValue is a small convenience wrapper so call sites don't need to
// import go.opentelemetry.io/otel/attribute directly.
func KeyValue(k, v string) attribute.KeyValue { return attribute.String(k, v) }

func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
