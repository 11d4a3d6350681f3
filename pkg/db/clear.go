package db

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

const clearLogPrefix = "db:clear"

// ClearCache truncates the cache_entries table. Schema is preserved.
func ClearCache(ctx context.Context, pool *pgxpool.Pool) error {
	slog.Info(fmt.Sprintf("%s - Clearing cache entries", clearLogPrefix))

	if _, err := pool.Exec(ctx, `TRUNCATE TABLE cache_entries`); err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Cache cleared", clearLogPrefix))
	return nil
}
