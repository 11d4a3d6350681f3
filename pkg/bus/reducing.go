package bus

import (
	"context"

	"github.com/morezero/querypipe/pkg/message"
)

// Reducing wraps a bus so local dispatches pass through reducers before
// being forwarded. Messages arriving from other processes are not reduced.
type Reducing struct {
	Bus
	reducers []Reducer
}

// NewReducing returns b with reducers applied on Dispatch.
func NewReducing(b Bus, reducers ...Reducer) *Reducing {
	return &Reducing{Bus: b, reducers: reducers}
}

// Dispatch applies reducers and forwards msg to the wrapped bus.
func (r *Reducing) Dispatch(ctx context.Context, msg message.Message) error {
	for _, red := range r.reducers {
		red.Reduce(msg)
	}
	return r.Bus.Dispatch(ctx, msg)
}
