package middleware

import (
	"context"
	"time"

	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/registry"
)

// Timeout bounds the downstream chain by d. Non-positive d disables it.
func Timeout[C registry.Contexter](d time.Duration) compose.Middleware[C] {
	return func(ctx context.Context, c C, next compose.Next) error {
		if d <= 0 {
			return next(ctx)
		}
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return next(ctx)
	}
}
