// Package tracing wires the OpenTelemetry tracer used around the
// agency's RPC handlers. Tracing is off unless Setup enabled it; the
// span helper then degrades to a no-op.
package tracing

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const tracerName = "agency"

var enabled atomic.Bool

// Setup installs a global tracer provider exporting pretty-printed spans
// to stdout when enable is true. The returned shutdown func should be
// deferred by the caller.
func Setup(enable bool) (func(context.Context) error, error) {
	enabled.Store(enable)
	if !enable {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// StartSpan opens a span named name when tracing is enabled. The
// returned func ends the span and is safe to call either way.
func StartSpan(ctx context.Context, name string) (context.Context, func()) {
	if !enabled.Load() {
		return ctx, func() {}
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	return ctx, func() { span.End() }
}
