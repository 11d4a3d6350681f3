package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Masterminds/semver/v3"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/querypipe/pkg/commsutil"
	"github.com/morezero/querypipe/pkg/message"
)

const commsLogPrefix = "bus:comms"

// Comms is a bus backed by a COMMS (NATS) connection. Each message type maps
// to one subject under the configured base subject.
type Comms struct {
	nc         *comms.Conn
	base       string
	constraint *semver.Constraints
	buffer     int
}

// NewCommsParams holds the parameters for creating a Comms bus.
type NewCommsParams struct {
	Conn *comms.Conn
	// Subject is the base subject; defaults to commsutil.SubjectDispatch.
	Subject string
	// VersionConstraint filters inbound envelopes; defaults to
	// commsutil.WireConstraint.
	VersionConstraint string
	Buffer            int
}

// NewComms creates a COMMS-backed bus.
func NewComms(params NewCommsParams) (*Comms, error) {
	if params.Conn == nil {
		return nil, fmt.Errorf("%s - connection is required", commsLogPrefix)
	}
	constraint, err := commsutil.ParseConstraint(params.VersionConstraint)
	if err != nil {
		return nil, fmt.Errorf("%s - %w", commsLogPrefix, err)
	}
	base := params.Subject
	if base == "" {
		base = commsutil.SubjectDispatch
	}
	buffer := params.Buffer
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Comms{nc: params.Conn, base: base, constraint: constraint, buffer: buffer}, nil
}

// Dispatch publishes msg on the subject derived from its type.
func (c *Comms) Dispatch(ctx context.Context, msg message.Message) error {
	if msg.Type == "" {
		return fmt.Errorf("%s - %w", commsLogPrefix, message.ErrEmptyType)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := commsutil.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("%s - %w", commsLogPrefix, err)
	}
	subject := commsutil.BuildDispatchSubject(c.base, msg.Type)
	if err := c.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s - failed to publish %s: %w", commsLogPrefix, msg.Type, err)
	}
	return nil
}

// Subscribe listens on the subject for typ. Envelopes of another type that
// share the sanitized subject, and envelopes failing the version constraint,
// are dropped.
func (c *Comms) Subscribe(ctx context.Context, typ string) (Subscription, error) {
	s := &commsSubscription{
		ch:   make(chan message.Message, c.buffer),
		done: make(chan struct{}),
	}
	subject := commsutil.BuildDispatchSubject(c.base, typ)

	sub, err := c.nc.Subscribe(subject, func(m *comms.Msg) {
		if got := message.TypeOf(m.Data); got != typ {
			slog.Debug(fmt.Sprintf("%s - Ignoring %q on %s", commsLogPrefix, got, subject))
			return
		}
		msg, err := commsutil.DecodeMessage(m.Data, c.constraint)
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - Dropping message on %s: %v", commsLogPrefix, subject, err))
			return
		}
		select {
		case s.ch <- msg:
		case <-s.done:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", commsLogPrefix, subject, err)
	}
	if err := c.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%s - failed to flush subscription %s: %w", commsLogPrefix, subject, err)
	}

	s.mu.Lock()
	s.sub = sub
	s.stop = context.AfterFunc(ctx, func() { _ = s.Close() })
	s.mu.Unlock()

	slog.Debug(fmt.Sprintf("%s - Subscribed to %s for %s", commsLogPrefix, subject, typ))
	return s, nil
}

type commsSubscription struct {
	ch   chan message.Message
	done chan struct{}

	mu     sync.Mutex
	sub    *comms.Subscription
	stop   func() bool
	closed bool
}

func (s *commsSubscription) C() <-chan message.Message {
	return s.ch
}

func (s *commsSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.stop != nil {
		s.stop()
	}
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil && err != comms.ErrConnectionClosed && err != comms.ErrBadSubscription {
			return fmt.Errorf("%s - failed to unsubscribe: %w", commsLogPrefix, err)
		}
	}
	return nil
}
