// Package bus carries dispatched messages from producers to the endpoint
// listeners subscribed to their type.
package bus

import (
	"context"
	"errors"

	"github.com/morezero/querypipe/pkg/message"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// Bus dispatches messages and hands out per-type subscriptions.
type Bus interface {
	Dispatch(ctx context.Context, msg message.Message) error
	Subscribe(ctx context.Context, typ string) (Subscription, error)
}

// Subscription delivers messages of one type until closed. The channel is
// never closed; consumers select on their own context as well.
type Subscription interface {
	C() <-chan message.Message
	Close() error
}

// Reducer observes every dispatched message before subscribers do.
type Reducer interface {
	Reduce(msg message.Message)
}

// ReducerFunc adapts a function to Reducer.
type ReducerFunc func(msg message.Message)

// Reduce calls f(msg).
func (f ReducerFunc) Reduce(msg message.Message) {
	f(msg)
}
