package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/registry"
)

// Tracing wraps each execution in a span from the global TracerProvider.
func Tracing[C registry.Contexter]() compose.Middleware[C] {
	return TracingWithTracer[C](otel.Tracer(instrumentationName))
}

// TracingWithTracer wraps each execution in a span from tracer.
func TracingWithTracer[C registry.Contexter](tracer trace.Tracer) compose.Middleware[C] {
	return func(ctx context.Context, c C, next compose.Next) error {
		base := c.Base()
		ctx, span := tracer.Start(ctx, "querypipe.endpoint.run",
			trace.WithAttributes(
				attribute.String("querypipe.endpoint", base.Name),
				attribute.String("querypipe.key", base.Key),
				attribute.String("querypipe.message_type", base.Message.Type),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return err
	}
}
