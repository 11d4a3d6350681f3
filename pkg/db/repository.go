package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const repoLogPrefix = "db:repository"

// Repository provides database access to the query data cache. It
// satisfies store.Persister.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new Repository with the given connection pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const entryColumns = `key, endpoint, data, revision, created, modified`

// UpsertEntry creates or replaces the entry stored under key.
func (r *Repository) UpsertEntry(ctx context.Context, key string, data json.RawMessage) error {
	slog.Debug(fmt.Sprintf("%s - UpsertEntry key=%s", repoLogPrefix, key))

	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO cache_entries (key, data, created, modified)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (key) DO UPDATE SET
		   data = EXCLUDED.data,
		   revision = cache_entries.revision + 1,
		   modified = EXCLUDED.modified`,
		key, []byte(data), now)
	if err != nil {
		return fmt.Errorf("%s - upsert %q failed: %w", repoLogPrefix, key, err)
	}
	return nil
}

// GetEntry returns the entry stored under key, or nil when absent.
func (r *Repository) GetEntry(ctx context.Context, key string) (*CacheEntry, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM cache_entries WHERE key = $1`, key)
	return scanEntry(row)
}

// ListEntries returns entries ordered by key.
func (r *Repository) ListEntries(ctx context.Context, params ListEntriesParams) ([]CacheEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM cache_entries`
	var args []any
	if params.Endpoint != "" {
		args = append(args, params.Endpoint)
		query += fmt.Sprintf(` WHERE endpoint = $%d`, len(args))
	}
	query += ` ORDER BY key`
	if params.Limit > 0 {
		args = append(args, params.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s - list entries failed: %w", repoLogPrefix, err)
	}
	defer rows.Close()

	var out []CacheEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - list entries failed: %w", repoLogPrefix, err)
	}
	return out, nil
}

// LoadSnapshot returns every entry as a key to data map, for store hydration.
func (r *Repository) LoadSnapshot(ctx context.Context) (map[string]json.RawMessage, error) {
	entries, err := r.ListEntries(ctx, ListEntriesParams{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(entries))
	for _, e := range entries {
		out[e.Key] = e.Data
	}
	return out, nil
}

// DeleteEntry removes the entry stored under key. Missing keys are not an error.
func (r *Repository) DeleteEntry(ctx context.Context, key string) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM cache_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("%s - delete %q failed: %w", repoLogPrefix, key, err)
	}
	return nil
}

func scanEntry(row pgx.Row) (*CacheEntry, error) {
	var e CacheEntry
	var data []byte
	err := row.Scan(&e.Key, &e.Endpoint, &data, &e.Revision, &e.Created, &e.Modified)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s - scan entry failed: %w", repoLogPrefix, err)
	}
	e.Data = json.RawMessage(data)
	return &e, nil
}
