package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/registry"
)

// Metric instrument names.
const (
	MetricDuration   = "querypipe.endpoint.duration"
	MetricExecutions = "querypipe.endpoint.executions"
)

// Metrics records execution duration and count on the global MeterProvider.
func Metrics[C registry.Contexter]() compose.Middleware[C] {
	return MetricsWithMeter[C](otel.Meter(instrumentationName))
}

// MetricsWithMeter records execution duration and count on meter, labelled
// by endpoint and status ("ok" or "error").
func MetricsWithMeter[C registry.Contexter](meter metric.Meter) compose.Middleware[C] {
	// The API hands back noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(MetricDuration,
		metric.WithDescription("Duration of endpoint executions in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(MetricExecutions,
		metric.WithDescription("Total number of endpoint executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, c C, next compose.Next) error {
		start := time.Now()
		err := next(ctx)

		status := "ok"
		if err != nil {
			status = "error"
		}
		attrs := metric.WithAttributes(
			attribute.String("endpoint", c.Base().Name),
			attribute.String("status", status),
		)
		duration.Record(ctx, time.Since(start).Seconds(), attrs)
		executions.Add(ctx, 1, attrs)
		return err
	}
}
