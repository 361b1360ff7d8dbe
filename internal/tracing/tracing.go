// Package tracing wires OpenTelemetry spans around skill and step
// execution (SPEC_FULL.md DOMAIN STACK: go.opentelemetry.io/otel). It is
// a pared-down adaptation of the teacher's internal/observability
// tracing helper (internal/observability/tracing.go), narrowed from a
// multi-channel gateway's LLM/HTTP/DB span vocabulary to the two spans
// this runtime actually emits: a skill execution and its steps.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config configures the tracer. An empty Endpoint disables export: spans
// are still created (so ctx always carries a valid trace.Span) but
// nothing leaves the process.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string // OTLP/gRPC collector, e.g. "localhost:4317"
	Insecure       bool
	SamplingRate   float64 // 0 defaults to 1.0 (always sample)
}

// Tracer wraps an otel trace.Tracer with the two span kinds C9 emits.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// New builds a Tracer and a shutdown func that flushes the exporter. A
// no-op tracer is returned (with a no-op shutdown) when cfg.Endpoint is
// empty or the exporter can't be constructed, so callers never need to
// branch on whether tracing is enabled.
func New(cfg Config) (*Tracer, func(context.Context) error) {
	name := cfg.ServiceName
	if name == "" {
		name = "forge"
	}
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(name)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(name)}, noop
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		res = resource.Default()
	}

	rate := cfg.SamplingRate
	if rate <= 0 {
		rate = 1.0
	}
	var sampler sdktrace.Sampler
	switch {
	case rate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(rate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{provider: provider, tracer: provider.Tracer(name)}, provider.Shutdown
}

// SkillSpan starts a span for one skill execution (spec §4.9 step 3
// "emit skill_started").
func (t *Tracer) SkillSpan(ctx context.Context, execID, skillName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "skill."+skillName, trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("skill.execution_id", execID),
			attribute.String("skill.name", skillName),
		))
}

// StepSpan starts a span for one step invocation (spec §4.9 step 4e).
func (t *Tracer) StepSpan(ctx context.Context, execID, stepName, toolName string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "skill.step", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("skill.execution_id", execID),
			attribute.String("skill.step", stepName),
			attribute.String("skill.tool", toolName),
		))
}

// End finalizes a span, recording err on it when non-nil.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
