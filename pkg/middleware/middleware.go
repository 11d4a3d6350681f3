// Package middleware provides cross-cutting middleware for registry
// pipelines: logging, panic recovery, deadlines, tracing, and metrics. Every
// constructor is generic over the registry context type.
package middleware

import (
	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/registry"
)

// instrumentationName is the OpenTelemetry scope for tracing and metrics.
const instrumentationName = "github.com/morezero/querypipe"

// Chain composes mws into one middleware, panicking on a nil element.
func Chain[C registry.Contexter](mws ...compose.Middleware[C]) compose.Middleware[C] {
	return compose.Must(mws...)
}
