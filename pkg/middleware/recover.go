package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/registry"
)

// Recover converts a panic downstream into an error wrapping
// registry.ErrListenerPanic, so the execution fails instead of the process.
func Recover[C registry.Contexter](logger *slog.Logger) compose.Middleware[C] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, c C, next compose.Next) (err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("endpoint panicked",
					slog.String("endpoint", c.Base().Name),
					slog.Any("panic", p),
					slog.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("%w: endpoint %s: %v", registry.ErrListenerPanic, c.Base().Name, p)
			}
		}()
		return next(ctx)
	}
}
