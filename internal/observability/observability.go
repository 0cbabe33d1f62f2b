// Package observability wires OpenTelemetry tracing around the
// orchestrator's invocation pipeline (spec.md's Invoke/RunOn operations).
// A span covers one module invocation end to end: replay check, policy
// evaluation, dispatch (local or remote), and audit recording.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// Config controls whether and how spans are exported.
type Config struct {
	Enabled     bool
	ServiceName string
	SampleRate  float64
}

type provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

var global = &provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}

// Init installs the global tracer provider. Disabled configs install a
// no-op tracer so every call site can use StartSpan unconditionally.
//
// There is deliberately no OTLP exporter wired in here: the pack
// carries go.opentelemetry.io/otel/sdk but no otlp-over-http/grpc
// exporter dependency, so the only span sink available without
// fabricating a dependency is an in-process one. discardExporter below
// plays that role; swapping in a real exporter later is a matter of
// adding the otlptrace dependency and one constructor call here.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		global = &provider{enabled: false, tracer: trace.NewNoopTracerProvider().Tracer("")}
		return nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("build resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if cfg.SampleRate < 1.0 && cfg.SampleRate >= 0 {
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(discardExporter{}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)

	global = &provider{tp: tp, tracer: tp.Tracer(cfg.ServiceName), enabled: true}
	return nil
}

// Shutdown flushes and stops the tracer provider, if one was started.
func Shutdown(ctx context.Context) error {
	if global.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return global.tp.Shutdown(ctx)
}

// Enabled reports whether tracing is active.
func Enabled() bool { return global.enabled }

// Tracer returns the global tracer.
func Tracer() trace.Tracer { return global.tracer }

// StartSpan starts an internal span with the given attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks span as failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Attribute keys for this engine's spans.
var (
	AttrModule    = attribute.Key("ftl.module")
	AttrHost      = attribute.Key("ftl.host")
	AttrRequestID = attribute.Key("ftl.request_id")
	AttrReplayed  = attribute.Key("ftl.replayed")
	AttrChanged   = attribute.Key("ftl.changed")
	AttrCheckMode = attribute.Key("ftl.check_mode")
)

// discardExporter drops every span batch. It exists so Init can build a
// real sdktrace.TracerProvider (and therefore real Span objects with
// working SetAttributes/RecordError/SetStatus) without requiring an
// OTLP exporter dependency the pack does not carry.
type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                            { return nil }
