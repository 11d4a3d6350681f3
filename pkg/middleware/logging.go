package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/registry"
)

// Logging logs the start and outcome of every execution.
func Logging[C registry.Contexter](logger *slog.Logger) compose.Middleware[C] {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, c C, next compose.Next) error {
		base := c.Base()
		logger.Debug("endpoint started",
			slog.String("endpoint", base.Name),
			slog.String("key", base.Key),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("endpoint failed",
				slog.String("endpoint", base.Name),
				slog.String("key", base.Key),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return err
		}
		logger.Info("endpoint completed",
			slog.String("endpoint", base.Name),
			slog.String("key", base.Key),
			slog.Duration("elapsed", elapsed),
		)
		return nil
	}
}
