package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for pipeline spans.
var (
	AttrJobID        = attribute.Key("autodev.job.id")
	AttrStepID       = attribute.Key("autodev.step.id")
	AttrRole         = attribute.Key("autodev.llm.role")
	AttrModel        = attribute.Key("autodev.llm.model")
	AttrTokensInput  = attribute.Key("autodev.llm.tokens.input")
	AttrTokensOutput = attribute.Key("autodev.llm.tokens.output")
	AttrJobStatus    = attribute.Key("autodev.job.status")
	AttrRetryCount   = attribute.Key("autodev.step.retries")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound agent call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
