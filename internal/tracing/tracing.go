package tracing

import (
	"context"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is reported as the OTel service.name resource attribute
const ServiceName = "murmur"

// tracer returns the package tracer. This must be a function (not a package-level var)
// because the global TracerProvider isn't set until Init() runs.
func tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// Init creates and registers a tracer provider with an OTLP HTTP exporter.
// An empty endpoint defaults to localhost:4318.
// Returns the provider so the caller can defer Shutdown.
func Init(ctx context.Context, endpoint string) (*sdktrace.TracerProvider, error) {
	// Bridge OTel's internal logger to zerolog
	otel.SetLogger(zerologr.New(&log.Logger))

	if endpoint == "" {
		endpoint = "localhost:4318"
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(ServiceName),
		)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// RulesSpan starts a span around one rule set evaluation
func RulesSpan(ctx context.Context, commentID, authorID string, ruleCount int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "rules.evaluate",
		trace.WithAttributes(
			attribute.String("comment.id", commentID),
			attribute.String("comment.author", authorID),
			attribute.Int("rules.count", ruleCount),
		),
	)
}

// TransitionSpan starts a span for a moderation state transition
func TransitionSpan(ctx context.Context, commentID, target string, manual bool) (context.Context, trace.Span) {
	return tracer().Start(ctx, "moderation.transition",
		trace.WithAttributes(
			attribute.String("comment.id", commentID),
			attribute.String("moderation.target", target),
			attribute.Bool("moderation.manual", manual),
		),
	)
}

// EndWithError records an error on a span and sets its status.
// If err is nil, this is a no-op.
func EndWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
