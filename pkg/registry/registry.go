package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/morezero/querypipe/pkg/backoff"
	"github.com/morezero/querypipe/pkg/bus"
	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/message"
	"github.com/morezero/querypipe/pkg/strategy"
)

const logPrefix = "registry:registry"

// Config holds registry configuration.
type Config struct {
	// TypePrefix namespaces the message types of every endpoint.
	TypePrefix string
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{TypePrefix: message.DefaultPrefix}
}

// ErrorHandler receives listener failures from the bootstrap supervisor.
// Returning nil restarts the listener; returning an error stops it.
type ErrorHandler func(ctx context.Context, err error) error

// DefaultOnError returns err unchanged, so a failed listener stops.
func DefaultOnError(_ context.Context, err error) error {
	return err
}

// LogAndRestart logs err and restarts the listener.
func LogAndRestart(_ context.Context, err error) error {
	slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
	return nil
}

// NewRegistryParams holds parameters for NewRegistry.
type NewRegistryParams[C Contexter] struct {
	// Bus carries dispatched messages; required for Bootstrap and Dispatch.
	Bus bus.Bus
	// NewContext wraps the base context of each execution. It may be nil
	// when C is *Context.
	NewContext func(base *Context) C
	OnError    ErrorHandler
	// Strategy is the subscription strategy of endpoints that do not set
	// one; defaults to strategy.Every.
	Strategy strategy.Strategy
	// Restart spaces listener restarts; defaults to backoff.Default().
	Restart backoff.Strategy
	Config  Config
}

// Registry owns the global middleware chain and the endpoint maps.
type Registry[C Contexter] struct {
	bus        bus.Bus
	newContext func(base *Context) C
	onError    ErrorHandler
	strategy   strategy.Strategy
	restart    backoff.Strategy
	config     Config

	mu         sync.RWMutex
	middleware []compose.Middleware[C]
	chain      compose.Middleware[C]
	endpoints  map[string]*endpoint[C]
	actions    map[string]*Action[C]
	started    bool
}

type endpoint[C Contexter] struct {
	name     string
	typ      string
	chain    compose.Middleware[C]
	strategy strategy.Strategy
}

// NewRegistry creates a new Registry instance. It panics when NewContext is
// nil and C is not *Context.
func NewRegistry[C Contexter](params NewRegistryParams[C]) *Registry[C] {
	cfg := params.Config
	if cfg.TypePrefix == "" {
		cfg.TypePrefix = message.DefaultPrefix
	}

	newContext := params.NewContext
	if newContext == nil {
		var zero C
		if _, ok := any(zero).(*Context); !ok {
			panic(fmt.Sprintf("%s - NewContext is required for context type %T", logPrefix, zero))
		}
		newContext = func(base *Context) C {
			return any(base).(C)
		}
	}

	onError := params.OnError
	if onError == nil {
		onError = DefaultOnError
	}
	strat := params.Strategy
	if strat == nil {
		strat = strategy.Every
	}
	restart := params.Restart
	if restart == nil {
		restart = backoff.Default()
	}

	return &Registry[C]{
		bus:        params.Bus,
		newContext: newContext,
		onError:    onError,
		strategy:   strat,
		restart:    restart,
		config:     cfg,
		chain:      compose.Must[C](),
		endpoints:  make(map[string]*endpoint[C]),
		actions:    make(map[string]*Action[C]),
	}
}

// Use appends mw to the global chain. It panics on a nil middleware, like
// http.ServeMux.Handle does for a nil handler.
func (r *Registry[C]) Use(mw compose.Middleware[C]) {
	if mw == nil {
		panic(fmt.Sprintf("%s - %v", logPrefix, compose.ErrNilMiddleware))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.chain = compose.Must(r.middleware...)
}

// Routes returns the middleware that splices the endpoint chain matching
// the context name into the global chain. Unknown names fall through.
func (r *Registry[C]) Routes() compose.Middleware[C] {
	return func(ctx context.Context, c C, next compose.Next) error {
		r.mu.RLock()
		ep, ok := r.endpoints[c.Base().Name]
		r.mu.RUnlock()
		if !ok {
			return next(ctx)
		}
		return ep.chain(ctx, c, next)
	}
}

// Run executes the global chain against a fresh context built from msg and
// returns the context once the chain unwinds.
func (r *Registry[C]) Run(ctx context.Context, msg message.Message) (C, error) {
	if msg.Payload == nil {
		var zero C
		return zero, fmt.Errorf("%s - %s: %w", logPrefix, msg.Type, ErrNoPayload)
	}

	r.mu.RLock()
	chain := r.chain
	action, ok := r.actions[msg.Payload.Name]
	r.mu.RUnlock()

	base := &Context{
		Name:    msg.Payload.Name,
		Key:     msg.Payload.Key,
		Params:  msg.Payload.Options,
		Message: msg,
		bus:     r.bus,
	}
	if ok {
		base.Action = action
	}

	c := r.newContext(base)
	err := chain(ctx, c, nil)
	return c, err
}

// Invoke builds the message for the named endpoint and runs it.
func (r *Registry[C]) Invoke(ctx context.Context, name string, params any) (C, error) {
	var zero C
	action, ok := r.Action(name)
	if !ok {
		return zero, NewRegistryError(CodeEndpointNotFound, fmt.Sprintf("endpoint %q is not registered", name))
	}
	msg, err := action.Msg(params)
	if err != nil {
		return zero, NewRegistryError(CodeInvalidArgument, err.Error())
	}
	return r.Run(ctx, msg)
}

// Dispatch sends msg through the registry bus.
func (r *Registry[C]) Dispatch(ctx context.Context, msg message.Message) error {
	if r.bus == nil {
		return ErrNoBus
	}
	return r.bus.Dispatch(ctx, msg)
}

// Action returns the factory registered under name.
func (r *Registry[C]) Action(name string) (*Action[C], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[name]
	return a, ok
}

// Has reports whether name is registered.
func (r *Registry[C]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.endpoints[name]
	return ok
}

// Names returns the registered endpoint names, sorted.
func (r *Registry[C]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the effective configuration.
func (r *Registry[C]) Config() Config {
	return r.config
}
