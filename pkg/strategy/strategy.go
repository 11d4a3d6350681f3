// Package strategy implements the policies that decide how dispatches of one
// endpoint's message type are scheduled onto handler executions.
//
// A strategy consumes messages until its context ends or a handler fails.
// Returning a handler error ends the listener so the caller can report it
// and restart; cancellations a strategy causes itself are not errors.
package strategy

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/morezero/querypipe/pkg/message"
)

// DefaultWindow is the throttle and debounce window when none is given.
const DefaultWindow = 5 * time.Second

// Handler executes one dispatched message.
type Handler func(ctx context.Context, msg message.Message) error

// Strategy drives handle with the messages received on msgs.
type Strategy func(ctx context.Context, msgs <-chan message.Message, handle Handler) error

// Every runs a handler for every message, concurrently.
func Every(ctx context.Context, msgs <-chan message.Message, handle Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-msgs:
				g.Go(func() error { return handle(gctx, msg) })
			}
		}
	})
	return wait(ctx, g)
}

// Latest cancels the in-flight execution when a new message arrives.
func Latest(ctx context.Context, msgs <-chan message.Message, handle Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		cancel := context.CancelFunc(func() {})
		defer func() { cancel() }()
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-msgs:
				cancel()
				var runCtx context.Context
				runCtx, cancel = context.WithCancel(gctx)
				g.Go(func() error {
					return superseded(gctx, runCtx, handle(runCtx, msg))
				})
			}
		}
	})
	return wait(ctx, g)
}

// Leading drops messages while an execution is in flight.
func Leading(ctx context.Context, msgs <-chan message.Message, handle Handler) error {
	g, gctx := errgroup.WithContext(ctx)
	var busy atomic.Bool
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case msg := <-msgs:
				if !busy.CompareAndSwap(false, true) {
					continue
				}
				g.Go(func() error {
					defer busy.Store(false)
					return handle(gctx, msg)
				})
			}
		}
	})
	return wait(ctx, g)
}

// Throttle starts at most one execution per window. A message arriving
// inside the window is held, replacing any earlier held message, and runs
// once the window opens.
func Throttle(window time.Duration) Strategy {
	if window <= 0 {
		window = DefaultWindow
	}
	return func(ctx context.Context, msgs <-chan message.Message, handle Handler) error {
		g, gctx := errgroup.WithContext(ctx)
		limiter := rate.NewLimiter(rate.Every(window), 1)
		pending := make(chan message.Message, 1)

		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case msg := <-msgs:
					select {
					case <-pending:
					default:
					}
					pending <- msg
				}
			}
		})
		g.Go(func() error {
			for {
				var msg message.Message
				select {
				case <-gctx.Done():
					return nil
				case msg = <-pending:
				}
				if err := limiter.Wait(gctx); err != nil {
					return nil
				}
				select {
				case newer := <-pending:
					msg = newer
				default:
				}
				g.Go(func() error { return handle(gctx, msg) })
			}
		})
		return wait(ctx, g)
	}
}

// Debounce runs the most recent message once no message has arrived for
// window.
func Debounce(window time.Duration) Strategy {
	if window <= 0 {
		window = DefaultWindow
	}
	return func(ctx context.Context, msgs <-chan message.Message, handle Handler) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var (
				pending message.Message
				waiting bool
				timer   = time.NewTimer(window)
			)
			if !timer.Stop() {
				<-timer.C
			}
			defer timer.Stop()

			for {
				select {
				case <-gctx.Done():
					return nil
				case msg := <-msgs:
					pending, waiting = msg, true
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(window)
				case <-timer.C:
					if !waiting {
						continue
					}
					msg := pending
					waiting = false
					g.Go(func() error { return handle(gctx, msg) })
				}
			}
		})
		return wait(ctx, g)
	}
}

// Timer runs one message at a time and then waits for interval before
// accepting the next. Messages arriving meanwhile are dropped.
func Timer(interval time.Duration) Strategy {
	return func(ctx context.Context, msgs <-chan message.Message, handle Handler) error {
		for {
			var msg message.Message
			select {
			case <-ctx.Done():
				return nil
			case msg = <-msgs:
			}

			done := make(chan error, 1)
			go func() { done <- handle(ctx, msg) }()
			err := drainUntil(ctx, msgs, done)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				return err
			}

			wait := time.NewTimer(interval)
			expired := make(chan error, 1)
			go func() {
				select {
				case <-wait.C:
				case <-ctx.Done():
				}
				expired <- nil
			}()
			_ = drainUntil(ctx, msgs, expired)
			wait.Stop()
		}
	}
}

// Poll starts a fire loop on the first message: run, sleep interval, repeat.
// The next message of the same type stops the loop; the one after restarts
// it. A numeric "timer" option (milliseconds) overrides interval for that
// loop.
func Poll(interval time.Duration) Strategy {
	return func(ctx context.Context, msgs <-chan message.Message, handle Handler) error {
		for {
			var msg message.Message
			select {
			case <-ctx.Done():
				return nil
			case msg = <-msgs:
			}

			every := interval
			if d := optionMillis(msg, "timer"); d > 0 {
				every = d
			}
			if every <= 0 {
				every = DefaultWindow
			}

			loopCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() { done <- fire(loopCtx, msg, every, handle) }()

			select {
			case <-ctx.Done():
				cancel()
				<-done
				return nil
			case err := <-done:
				cancel()
				if err != nil {
					return err
				}
			case <-msgs:
				cancel()
				if err := <-done; err != nil {
					return err
				}
			}
		}
	}
}

func fire(ctx context.Context, msg message.Message, every time.Duration, handle Handler) error {
	for {
		if err := handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(every):
		}
	}
}

func optionMillis(msg message.Message, name string) time.Duration {
	r := gjson.GetBytes(msg.Options(), name)
	if r.Type != gjson.Number {
		return 0
	}
	return time.Duration(r.Int()) * time.Millisecond
}

// drainUntil discards messages until done yields.
func drainUntil(ctx context.Context, msgs <-chan message.Message, done <-chan error) error {
	for {
		select {
		case err := <-done:
			return err
		case <-msgs:
		case <-ctx.Done():
			return <-done
		}
	}
}

// wait drops errors that only reflect the listener being shut down.
func wait(ctx context.Context, g *errgroup.Group) error {
	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// superseded hides errors of executions cancelled by a newer dispatch.
func superseded(parent, run context.Context, err error) error {
	if err == nil {
		return nil
	}
	if run.Err() != nil && parent.Err() == nil {
		return nil
	}
	if parent.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
