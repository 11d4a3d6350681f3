package registry

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/querypipe/pkg/backoff"
	"github.com/morezero/querypipe/pkg/bus"
	"github.com/morezero/querypipe/pkg/message"
)

const bootstrapLogPrefix = "registry:bootstrap"

// Bootstrap returns the function that runs every endpoint listener until
// ctx ends. See Start.
func (r *Registry[C]) Bootstrap() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		wait, err := r.Start(ctx)
		if err != nil {
			return err
		}
		return wait()
	}
}

// Start subscribes every registered endpoint to the bus and launches its
// listener under a supervisor. Subscriptions are live when Start returns.
//
// A listener that fails or panics is reported to the error handler. When the
// handler returns nil the listener restarts on the same subscription after a
// backoff delay; otherwise that listener stops, siblings keep running, and
// wait returns the first such error once every listener has ended.
func (r *Registry[C]) Start(ctx context.Context) (wait func() error, err error) {
	if r.bus == nil {
		return nil, fmt.Errorf("%s - %w", bootstrapLogPrefix, ErrNoBus)
	}

	r.mu.Lock()
	r.started = true
	eps := make([]*endpoint[C], 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		eps = append(eps, ep)
	}
	r.mu.Unlock()

	subs := make([]bus.Subscription, 0, len(eps))
	for _, ep := range eps {
		sub, err := r.bus.Subscribe(ctx, ep.typ)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return nil, fmt.Errorf("%s - failed to subscribe endpoint %q: %w", bootstrapLogPrefix, ep.name, err)
		}
		subs = append(subs, sub)
	}

	slog.Info(fmt.Sprintf("%s - Started %d endpoint listener(s)", bootstrapLogPrefix, len(eps)))

	var g errgroup.Group
	for i, ep := range eps {
		sub := subs[i]
		g.Go(func() error {
			defer sub.Close()
			return r.supervise(ctx, ep, sub)
		})
	}
	return g.Wait, nil
}

func (r *Registry[C]) supervise(ctx context.Context, ep *endpoint[C], sub bus.Subscription) error {
	for attempt := 1; ; attempt++ {
		err := r.listen(ctx, ep, sub)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			slog.Info(fmt.Sprintf("%s - Listener for %q finished", bootstrapLogPrefix, ep.name))
			return nil
		}

		lerr := &ListenerError{Endpoint: ep.name, Attempt: attempt, Err: err}
		if herr := r.onError(ctx, lerr); herr != nil {
			slog.Error(fmt.Sprintf("%s - Listener for %q stopped: %v", bootstrapLogPrefix, ep.name, herr))
			return herr
		}

		delay := r.restart.Delay(attempt)
		slog.Warn(fmt.Sprintf("%s - Restarting listener for %q in %s", bootstrapLogPrefix, ep.name, delay))
		if backoff.Sleep(ctx, delay) != nil {
			return nil
		}
	}
}

func (r *Registry[C]) listen(ctx context.Context, ep *endpoint[C], sub bus.Subscription) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", ErrListenerPanic, p)
		}
	}()
	return ep.strategy(ctx, sub.C(), func(ctx context.Context, msg message.Message) error {
		return r.handle(ctx, ep, msg)
	})
}

// handle runs one message for ep. Messages whose payload names a different
// endpoint share ep's type only through prefix normalization and are
// skipped; their own listener runs them.
func (r *Registry[C]) handle(ctx context.Context, ep *endpoint[C], msg message.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error(fmt.Sprintf("%s - Panic in %q: %v\n%s", bootstrapLogPrefix, ep.name, p, debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrListenerPanic, p)
		}
	}()

	if msg.Payload == nil {
		slog.Warn(fmt.Sprintf("%s - Ignoring %s without payload", bootstrapLogPrefix, msg.Type))
		return nil
	}
	if msg.Payload.Name != ep.name {
		return nil
	}
	_, err = r.Run(ctx, msg)
	return err
}
