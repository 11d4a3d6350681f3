package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/querypipe/pkg/message"
)

const memoryLogPrefix = "bus:memory"

const defaultBuffer = 64

// Memory is an in-process bus. Reducers run synchronously in dispatch order
// before the message fans out to subscribers.
type Memory struct {
	mu       sync.RWMutex
	subs     map[string]map[*memorySubscription]struct{}
	reducers []Reducer
	buffer   int
	closed   bool
}

// MemoryOption configures a Memory bus.
type MemoryOption func(*Memory)

// WithReducer registers r to observe every dispatched message.
func WithReducer(r Reducer) MemoryOption {
	return func(m *Memory) {
		m.reducers = append(m.reducers, r)
	}
}

// WithBuffer sets the per-subscription channel capacity.
func WithBuffer(n int) MemoryOption {
	return func(m *Memory) {
		if n >= 0 {
			m.buffer = n
		}
	}
}

// NewMemory creates an in-process bus.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dispatch applies reducers and delivers msg to every subscriber of its type.
// Delivery blocks while a subscriber's buffer is full.
func (m *Memory) Dispatch(ctx context.Context, msg message.Message) error {
	if msg.Type == "" {
		return fmt.Errorf("%s - %w", memoryLogPrefix, message.ErrEmptyType)
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	targets := make([]*memorySubscription, 0, len(m.subs[msg.Type]))
	for sub := range m.subs[msg.Type] {
		targets = append(targets, sub)
	}
	m.mu.RUnlock()

	for _, r := range m.reducers {
		r.Reduce(msg)
	}

	if slog.Default().Enabled(ctx, slog.LevelDebug) {
		slog.Debug(fmt.Sprintf("%s - Dispatching to %d subscriber(s):\n%s", memoryLogPrefix, len(targets), message.Dump(msg)))
	}

	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe registers a subscription for typ. It is closed when ctx ends.
func (m *Memory) Subscribe(ctx context.Context, typ string) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	sub := &memorySubscription{
		bus:  m,
		typ:  typ,
		ch:   make(chan message.Message, m.buffer),
		done: make(chan struct{}),
	}
	if m.subs[typ] == nil {
		m.subs[typ] = make(map[*memorySubscription]struct{})
	}
	m.subs[typ][sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, func() { _ = sub.Close() })

	return sub, nil
}

// Subscribers returns the number of live subscriptions for typ.
func (m *Memory) Subscribers(typ string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[typ])
}

// Close detaches every subscription and rejects further dispatches.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var all []*memorySubscription
	for _, set := range m.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range all {
		_ = sub.Close()
	}
	return nil
}

func (m *Memory) remove(sub *memorySubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[sub.typ]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.subs, sub.typ)
		}
	}
}

type memorySubscription struct {
	bus  *Memory
	typ  string
	ch   chan message.Message
	done chan struct{}
	once sync.Once
	stop func() bool
}

func (s *memorySubscription) C() <-chan message.Message {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.bus.remove(s)
		if s.stop != nil {
			s.stop()
		}
	})
	return nil
}
