// Package server orchestrates all components: NATS client, optional DB,
// store, query API, dispatcher, HTTP health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/querypipe/internal/config"
	"github.com/morezero/querypipe/pkg/bootstrap"
	"github.com/morezero/querypipe/pkg/bus"
	"github.com/morezero/querypipe/pkg/commsutil"
	"github.com/morezero/querypipe/pkg/db"
	"github.com/morezero/querypipe/pkg/dispatcher"
	"github.com/morezero/querypipe/pkg/events"
	"github.com/morezero/querypipe/pkg/middleware"
	"github.com/morezero/querypipe/pkg/query"
	"github.com/morezero/querypipe/pkg/registry"
	"github.com/morezero/querypipe/pkg/store"
)

const logPrefix = "server:server"

var _ store.Persister = (*db.Repository)(nil)

// Server is the querypipe orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server

	bus      bus.Bus
	memory   *bus.Memory
	store    *store.Store
	api      *query.API
	manifest *bootstrap.ResolvedManifest
	invoke   *comms.Subscription

	cancel context.CancelFunc
	done   chan struct{}
	ready  atomic.Bool
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	SetupLogging(cfg.LogLevel)

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting querypipe", logPrefix))

	s, err := Start(context.Background(), cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	s.Shutdown(shutdownCtx)

	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// SetupLogging installs the default slog logger at the named level.
func SetupLogging(level string) {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

// Start wires every component and returns once listeners, the invoke
// subscription, and the HTTP server are live.
func Start(ctx context.Context, cfg *config.Config) (*Server, error) {
	runCtx, cancel := context.WithCancel(ctx)
	s := &Server{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	fail := func(err error) (*Server, error) {
		s.close()
		return nil, err
	}

	// Step 1: Load endpoint manifest
	manifest, err := bootstrap.LoadManifest(cfg.ManifestFile)
	if err != nil {
		return fail(fmt.Errorf("%s - failed to load manifest: %w", logPrefix, err))
	}
	s.manifest = bootstrap.CreateResolvedManifest(manifest)

	// Step 2: Connect to NATS
	if cfg.Bus == config.BusComms || cfg.Bus == "" {
		nc, err := commsutil.Connect(cfg.COMMSURL, cfg.COMMSName)
		if err != nil {
			return fail(fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err))
		}
		s.nc = nc
		slog.Info(fmt.Sprintf("%s - Connected to NATS at %s", logPrefix, cfg.COMMSURL))
	}

	// Step 3: Optional database-backed data table
	var persister store.Persister
	var snapshot map[string]json.RawMessage
	if cfg.PersistCache {
		repo, entries, err := s.openDatabase(runCtx)
		if err != nil {
			return fail(err)
		}
		persister = repo
		snapshot = entries
	}

	// Step 4: Store and bus
	var publisher events.EventPublisher = &events.NoOpPublisher{}
	if s.nc != nil {
		publisher = events.NewCommsPublisher(s.nc, &events.CommsPublisherOpts{ChangeSubject: cfg.ChangeEventSubject})
	}
	s.store = store.NewStore(store.NewStoreParams{Persister: persister, Publisher: publisher})
	if len(snapshot) > 0 {
		s.store.Hydrate(snapshot)
		slog.Info(fmt.Sprintf("%s - Hydrated %d cached entries", logPrefix, len(snapshot)))
	}

	if s.nc != nil {
		cb, err := bus.NewComms(bus.NewCommsParams{Conn: s.nc, Subject: cfg.DispatchSubject})
		if err != nil {
			return fail(fmt.Errorf("%s - failed to create bus: %w", logPrefix, err))
		}
		s.bus = bus.NewReducing(cb, s.store)
	} else {
		s.memory = bus.NewMemory(bus.WithReducer(s.store))
		s.bus = s.memory
	}

	// Step 5: Query API from the manifest
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = s.manifest.BaseURL()
	}
	api, err := BuildAPI(BuildAPIParams{
		Bus:      s.bus,
		Manifest: s.manifest,
		Config:   registry.Config{TypePrefix: cfg.TypePrefix},
		Fetch:    query.FetchParams{BaseURL: baseURL},
	})
	if err != nil {
		return fail(err)
	}
	s.api = api

	wait, err := api.Start(runCtx)
	if err != nil {
		return fail(fmt.Errorf("%s - failed to start endpoint listeners: %w", logPrefix, err))
	}
	go func() {
		defer close(s.done)
		if err := wait(); err != nil {
			slog.Error(fmt.Sprintf("%s - Endpoint listeners stopped: %v", logPrefix, err))
		}
	}()

	// Step 6: Invoke subject
	if s.nc != nil {
		subject := cfg.InvokeSubject
		if subject == "" {
			subject = commsutil.SubjectInvoke
		}
		disp := NewDispatcher(api, s.manifest, cfg.RequestTimeout)
		sub, err := disp.Subscribe(runCtx, s.nc, subject)
		if err != nil {
			return fail(err)
		}
		s.invoke = sub
	}

	// Step 7: HTTP health server
	addr := cfg.ListenAddr()
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP health server listening on %s", logPrefix, addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	s.ready.Store(true)
	slog.Info(fmt.Sprintf("%s - querypipe is ready with %d endpoint(s)", logPrefix, len(api.Names())))
	return s, nil
}

func (s *Server) openDatabase(ctx context.Context) (*db.Repository, map[string]json.RawMessage, error) {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrationSQL, source, err := db.ResolveMigrations(s.cfg.MigrationPath)
		if err != nil {
			return nil, nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		slog.Info(fmt.Sprintf("%s - Running %d migration(s) from %s", logPrefix, len(migrationSQL), source))
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			return nil, nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}

	repo := db.NewRepository(pool)
	entries, err := repo.LoadSnapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%s - failed to load cache snapshot: %w", logPrefix, err)
	}
	return repo, entries, nil
}

// Shutdown stops accepting work, waits for listeners to end, and releases
// connections.
func (s *Server) Shutdown(ctx context.Context) {
	s.ready.Store(false)
	if s.invoke != nil {
		_ = s.invoke.Unsubscribe()
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn(fmt.Sprintf("%s - HTTP shutdown: %v", logPrefix, err))
		}
	}
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		slog.Warn(fmt.Sprintf("%s - Timed out waiting for endpoint listeners", logPrefix))
	}
	s.close()
}

func (s *Server) close() {
	s.cancel()
	if s.memory != nil {
		_ = s.memory.Close()
	}
	if s.nc != nil {
		_ = s.nc.Drain()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Store returns the server store.
func (s *Server) Store() *store.Store {
	return s.store
}

// API returns the server query API.
func (s *Server) API() *query.API {
	return s.api
}

// BuildAPIParams holds parameters for BuildAPI.
type BuildAPIParams struct {
	Bus      bus.Bus
	Manifest *bootstrap.ResolvedManifest
	Config   registry.Config
	Fetch    query.FetchParams
	Retries  int
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// BuildAPI creates the query API with the instrumented standard stack and
// registers every manifest endpoint. Failed listeners are logged and
// restarted.
func BuildAPI(params BuildAPIParams) (*query.API, error) {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}

	api := query.New(query.NewAPIParams{
		Bus:     params.Bus,
		OnError: registry.LogAndRestart,
		Config:  params.Config,
	})

	api.Use(middleware.Recover[*query.Ctx](logger))
	api.Use(middleware.Logging[*query.Ctx](logger))
	api.Use(middleware.Tracing[*query.Ctx]())
	api.Use(middleware.Metrics[*query.Ctx]())
	api.UseStack(query.StackParams{Fetch: params.Fetch, Retries: params.Retries})

	if params.Manifest != nil {
		if err := bootstrap.Register(api, params.Manifest); err != nil {
			return nil, fmt.Errorf("%s - failed to register endpoints: %w", logPrefix, err)
		}
	}
	return api, nil
}

// InvokeResult is the dispatcher result of a query endpoint.
type InvokeResult struct {
	Name     string          `json:"name"`
	Key      string          `json:"key"`
	Response *query.Response `json:"response,omitempty"`
}

// NewDispatcher returns the request/reply dispatcher for api. Manifest
// aliases resolve to route names.
func NewDispatcher(api *query.API, rm *bootstrap.ResolvedManifest, timeout time.Duration) *dispatcher.Dispatcher[*query.Ctx] {
	params := dispatcher.NewDispatcherParams[*query.Ctx]{
		Registry: api.Registry,
		Timeout:  timeout,
		Render: func(c *query.Ctx) any {
			res := InvokeResult{Name: c.Name, Key: c.Key}
			if c.Response.Status != 0 || len(c.Response.Data) > 0 {
				resp := c.Response
				res.Response = &resp
			}
			return res
		},
	}
	if rm != nil {
		params.Resolve = rm.ResolveAlias
	}
	return dispatcher.NewDispatcher(params)
}
