// Package main is the entrypoint for querypipe.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tidwall/pretty"

	"github.com/morezero/querypipe/internal/config"
	"github.com/morezero/querypipe/internal/server"
	"github.com/morezero/querypipe/pkg/bootstrap"
	"github.com/morezero/querypipe/pkg/db"
)

const usage = `Usage: querypipe [command]
       querypipe serve              Start querypipe (NATS, endpoint listeners, HTTP health).
       querypipe migrate up         Run database migrations.
       querypipe migrate down       Roll back one migration (not supported; migrations are forward-only).
       querypipe migrate status     Show migration status.
       querypipe ensure-db [name]   Create database if missing (default name: querypipe_test). Uses DATABASE_URL host/user.
       querypipe clear              Truncate the cached data table; schema is preserved.
       querypipe manifest [file]    Validate an endpoint manifest and print the resolved endpoints.

Commands:
  serve            (default) Start querypipe.
  migrate up       Run database migrations only.
  migrate down     Roll back last migration.
  migrate status   Show current migration status.
  ensure-db [name] Create database (e.g. querypipe_test) on same host as DATABASE_URL.
  clear            Truncate cache_entries; schema preserved.
  manifest [file]  Validate a manifest (defaults to QUERYPIPE_MANIFEST_FILE, then config/querypipe.json).

Environment: COMMS_URL, QUERYPIPE_MANIFEST_FILE, QUERYPIPE_BASE_URL, DATABASE_URL (migrate, clear, ensure-db, PERSIST_CACHE),
MIGRATION_PATH (empty uses built-in migrations), HTTP_PORT (default 8080), LOG_LEVEL. See README.
`

var errUsage = errors.New("usage")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "%v\n%s", err, usage)
			os.Exit(1)
		}
		log.Fatalf("querypipe: %v", err)
	}
}

func run(args []string, stdout io.Writer) error {
	cmd := ""
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			return fmt.Errorf("%w: migrate requires a subcommand (up, down, status)", errUsage)
		}
		switch sub := args[1]; sub {
		case "up":
			return wrap("migrate up", withPool(runMigrateUp))
		case "status":
			return wrap("migrate status", withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
			}))
		case "down":
			return wrap("migrate down", withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				return db.MigrationDown(ctx, pool, cfg.MigrationPath)
			}))
		default:
			return fmt.Errorf("%w: unknown migrate subcommand %q (use up, down, status)", errUsage, sub)
		}
	case "clear":
		return wrap("clear", withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
			return db.ClearCache(ctx, pool)
		}))
	case "ensure-db":
		dbName := "querypipe_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		return wrap("ensure-db", runEnsureDB(dbName, stdout))
	case "manifest":
		file := ""
		if len(args) > 1 {
			file = args[1]
		}
		return wrap("manifest", runManifest(file, stdout))
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	case "serve", "":
		return server.Run()
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func wrap(cmd string, err error) error {
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return nil
}

// withPool loads config, connects to DATABASE_URL, and runs fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrationSQL, source, err := db.ResolveMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	log.Printf("running %d migration(s) from %s", len(migrationSQL), source)
	if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func runEnsureDB(dbName string, stdout io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	targetURL, err := databaseURLFor(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	if err := db.EnsureDatabase(context.Background(), targetURL); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Database %q is ready.\n", dbName)
	return nil
}

// databaseURLFor replaces the database name of databaseURL, keeping its
// query (e.g. sslmode).
func databaseURLFor(databaseURL, dbName string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

// manifestSummary is the printed form of a resolved manifest.
type manifestSummary struct {
	Name      string                   `json:"name"`
	Version   string                   `json:"version"`
	BaseURL   string                   `json:"baseUrl,omitempty"`
	Endpoints []bootstrap.EndpointSpec `json:"endpoints"`
	Routes    []string                 `json:"routes"`
}

func runManifest(file string, stdout io.Writer) error {
	var m *bootstrap.Manifest
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read manifest: %w", err)
		}
		if m, err = bootstrap.ParseManifest(data); err != nil {
			return err
		}
	} else {
		var err error
		if m, err = bootstrap.LoadManifest(); err != nil {
			return err
		}
	}

	rm := bootstrap.CreateResolvedManifest(m)
	summary := manifestSummary{
		Name:    rm.Name(),
		Version: rm.Version(),
		BaseURL: rm.BaseURL(),
		Routes:  rm.Routes(),
	}
	for _, route := range summary.Routes {
		summary.Endpoints = append(summary.Endpoints, *rm.Get(route))
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	_, err = stdout.Write(pretty.Pretty(data))
	return err
}
