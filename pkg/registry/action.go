package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/querypipe/pkg/compose"
	"github.com/morezero/querypipe/pkg/keys"
	"github.com/morezero/querypipe/pkg/message"
	"github.com/morezero/querypipe/pkg/strategy"
)

// CreateOptions configures an endpoint.
type CreateOptions[C Contexter] struct {
	// Strategy schedules dispatches of the endpoint; defaults to the
	// registry strategy.
	Strategy strategy.Strategy
	// Middleware is composed into the endpoint chain. An empty list passes
	// straight through to the rest of the global chain.
	Middleware []compose.Middleware[C]
}

// Action is the dispatchable factory of one endpoint. It resolves the
// endpoint chain by name at run time, so re-registering a name affects
// factories returned earlier too.
type Action[C Contexter] struct {
	name string
	typ  string
	reg  *Registry[C]
}

// Create registers an endpoint under name and returns its factory.
// Registering an existing name logs a warning and replaces it.
func (r *Registry[C]) Create(name string, opts CreateOptions[C]) (*Action[C], error) {
	if name == "" {
		return nil, fmt.Errorf("%s - %w", logPrefix, ErrEmptyName)
	}

	chain := compose.Middleware[C](compose.Passthrough[C])
	if len(opts.Middleware) > 0 {
		composed, err := compose.Compose(opts.Middleware...)
		if err != nil {
			return nil, fmt.Errorf("%s - endpoint %q: %w", logPrefix, name, err)
		}
		chain = composed
	}

	strat := opts.Strategy
	if strat == nil {
		strat = r.strategy
	}

	ep := &endpoint[C]{
		name:     name,
		typ:      message.Type(r.config.TypePrefix, name),
		chain:    chain,
		strategy: strat,
	}

	r.mu.Lock()
	if _, exists := r.endpoints[name]; exists {
		slog.Warn(fmt.Sprintf("%s - Endpoint %q already registered, overwriting", logPrefix, name))
	}
	if r.started {
		slog.Warn(fmt.Sprintf("%s - Endpoint %q registered after bootstrap; it has no listener", logPrefix, name))
	}
	r.endpoints[name] = ep
	action, ok := r.actions[name]
	if !ok {
		action = &Action[C]{name: name, typ: ep.typ, reg: r}
		r.actions[name] = action
	}
	r.mu.Unlock()

	return action, nil
}

// MustCreate is like Create but panics on error.
func (r *Registry[C]) MustCreate(name string, opts CreateOptions[C]) *Action[C] {
	a, err := r.Create(name, opts)
	if err != nil {
		panic(err)
	}
	return a
}

// Name returns the endpoint name.
func (a *Action[C]) Name() string {
	return a.name
}

// String returns the endpoint name.
func (a *Action[C]) String() string {
	return a.name
}

// MessageType returns the type of messages built by the factory.
func (a *Action[C]) MessageType() string {
	return a.typ
}

// Msg builds the message invoking the endpoint with params. A nil params
// value means "no params" and the key equals the endpoint name.
func (a *Action[C]) Msg(params any) (message.Message, error) {
	key, err := keys.Derive(a.name, params)
	if err != nil {
		return message.Message{}, err
	}
	options, err := encodeParams(params)
	if err != nil {
		return message.Message{}, fmt.Errorf("%s - endpoint %q: %w", logPrefix, a.name, err)
	}
	return message.Message{
		Type:    a.typ,
		Payload: &message.Payload{Name: a.name, Key: key, Options: options},
	}, nil
}

// MustMsg is like Msg but panics when params cannot be encoded.
func (a *Action[C]) MustMsg(params any) message.Message {
	msg, err := a.Msg(params)
	if err != nil {
		panic(err)
	}
	return msg
}

// Run executes the global chain for msg directly, bypassing the bus and the
// subscription strategy.
func (a *Action[C]) Run(ctx context.Context, msg message.Message) (C, error) {
	return a.reg.Run(ctx, msg)
}

// Call builds the message for params and runs it.
func (a *Action[C]) Call(ctx context.Context, params any) (C, error) {
	msg, err := a.Msg(params)
	if err != nil {
		var zero C
		return zero, err
	}
	return a.Run(ctx, msg)
}

// Dispatch builds the message for params and sends it through the bus.
func (a *Action[C]) Dispatch(ctx context.Context, params any) error {
	msg, err := a.Msg(params)
	if err != nil {
		return err
	}
	return a.reg.Dispatch(ctx, msg)
}

func encodeParams(params any) (json.RawMessage, error) {
	switch v := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	}
	return json.Marshal(params)
}
