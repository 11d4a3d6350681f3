// Package compose chains middleware into a single onion-ordered middleware.
package compose

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

const logPrefix = "compose:compose"

var (
	// ErrNilMiddleware is returned at compose time for a nil chain element.
	ErrNilMiddleware = errors.New("middleware must not be nil")
	// ErrNextCalledMultipleTimes is returned when a middleware invokes the
	// same next continuation a second time.
	ErrNextCalledMultipleTimes = errors.New("next() called multiple times")
)

// Next continues the chain with the downstream middleware.
type Next func(ctx context.Context) error

// Middleware is one step of a pipeline. It may call next at most once.
type Middleware[C any] func(ctx context.Context, c C, next Next) error

// Passthrough calls next and nothing else.
func Passthrough[C any](ctx context.Context, _ C, next Next) error {
	return next(ctx)
}

// Compose returns a middleware running mws in order. The next handed to the
// composed middleware is invoked after the last element calls its own next;
// a nil next is a no-op.
func Compose[C any](mws ...Middleware[C]) (Middleware[C], error) {
	for i, mw := range mws {
		if mw == nil {
			return nil, fmt.Errorf("%s - middleware at index %d: %w", logPrefix, i, ErrNilMiddleware)
		}
	}
	chain := slices.Clone(mws)

	return func(ctx context.Context, c C, final Next) error {
		r := &run[C]{chain: chain, final: final, index: -1, c: c}
		err := r.dispatch(ctx, 0)
		return r.result(err)
	}, nil
}

// Must is like Compose but panics on a nil element.
func Must[C any](mws ...Middleware[C]) Middleware[C] {
	mw, err := Compose(mws...)
	if err != nil {
		panic(err)
	}
	return mw
}

// run is the state of one execution of a composed chain.
type run[C any] struct {
	chain []Middleware[C]
	final Next
	c     C

	mu        sync.Mutex
	index     int
	violation error
}

func (r *run[C]) dispatch(ctx context.Context, i int) error {
	r.mu.Lock()
	if i <= r.index {
		err := fmt.Errorf("%s - middleware at index %d: %w", logPrefix, i-1, ErrNextCalledMultipleTimes)
		if r.violation == nil {
			r.violation = err
		}
		r.mu.Unlock()
		return err
	}
	r.index = i
	r.mu.Unlock()

	if i == len(r.chain) {
		if r.final == nil {
			return nil
		}
		return r.final(ctx)
	}

	return r.chain[i](ctx, r.c, func(ctx context.Context) error {
		return r.dispatch(ctx, i+1)
	})
}

// result makes sure a reentrancy violation reaches the invoker even when the
// offending middleware discarded the error returned by its second next call.
func (r *run[C]) result(err error) error {
	r.mu.Lock()
	violation := r.violation
	r.mu.Unlock()

	if violation == nil || errors.Is(err, ErrNextCalledMultipleTimes) {
		return err
	}
	if err == nil {
		return violation
	}
	return errors.Join(err, violation)
}
