// Package store keeps the loader and data tables that query endpoints report
// into. It is a bus.Reducer: every update message dispatched on the bus is
// applied before subscribers see it.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/morezero/querypipe/pkg/bus"
	"github.com/morezero/querypipe/pkg/events"
	"github.com/morezero/querypipe/pkg/message"
)

const logPrefix = "store:store"

var _ bus.Reducer = (*Store)(nil)

// Status is the state of a loader.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// LoaderState tracks one loader.
type LoaderState struct {
	ID          string    `json:"id"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastRun     time.Time `json:"lastRun,omitempty"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
}

func (l LoaderState) IsIdle() bool    { return l.Status == StatusIdle }
func (l LoaderState) IsLoading() bool { return l.Status == StatusLoading }
func (l LoaderState) IsSuccess() bool { return l.Status == StatusSuccess }
func (l LoaderState) IsError() bool   { return l.Status == StatusError }

// IsInitialLoading reports a loader that is loading and never succeeded.
func (l LoaderState) IsInitialLoading() bool {
	return l.IsLoading() && l.LastSuccess.IsZero()
}

// Persister writes data entries through to durable storage.
type Persister interface {
	UpsertEntry(ctx context.Context, key string, data json.RawMessage) error
	DeleteEntry(ctx context.Context, key string) error
}

// NewStoreParams holds parameters for NewStore.
type NewStoreParams struct {
	// Persister is optional.
	Persister Persister
	// Publisher is optional; defaults to events.NoOpPublisher.
	Publisher events.EventPublisher
	// Now defaults to time.Now.
	Now func() time.Time
}

// Store holds the loader and data tables.
type Store struct {
	persister Persister
	publisher events.EventPublisher
	now       func() time.Time

	mu       sync.RWMutex
	loaders  map[string]LoaderState
	data     map[string]json.RawMessage
	revision uint64
}

// NewStore creates a new Store instance.
func NewStore(params NewStoreParams) *Store {
	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		persister: params.Persister,
		publisher: pub,
		now:       now,
		loaders:   make(map[string]LoaderState),
		data:      make(map[string]json.RawMessage),
	}
}

// Reduce applies msg when it is a store update. Persistence and publish
// errors are logged.
func (s *Store) Reduce(msg message.Message) {
	if _, err := s.Apply(context.Background(), msg); err != nil {
		slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
	}
}

// Apply applies msg and reports whether it was a store update. The tables
// change even when persisting or publishing fails.
func (s *Store) Apply(ctx context.Context, msg message.Message) (bool, error) {
	switch msg.Type {
	case TypeLoading, TypeSuccess, TypeError, TypeReset:
		return true, s.applyLoader(ctx, msg)
	case TypeAddData:
		return true, s.applyAddData(ctx, msg)
	case TypeRemoveData:
		return true, s.applyRemoveData(ctx, msg)
	}
	return false, nil
}

func (s *Store) applyLoader(ctx context.Context, msg message.Message) error {
	id := gjson.GetBytes(msg.Data, "id").String()
	if id == "" {
		return fmt.Errorf("%s - %s without loader id", logPrefix, msg.Type)
	}
	now := s.now()

	s.mu.Lock()
	state, ok := s.loaders[id]
	if !ok {
		state = LoaderState{ID: id, Status: StatusIdle}
	}
	op := events.OpSet
	switch msg.Type {
	case TypeLoading:
		state.Status = StatusLoading
		state.Message = ""
		state.LastRun = now
	case TypeSuccess:
		state.Status = StatusSuccess
		state.Message = ""
		state.LastSuccess = now
	case TypeError:
		state.Status = StatusError
		state.Message = gjson.GetBytes(msg.Data, "message").String()
	case TypeReset:
		op = events.OpDelete
		state = LoaderState{ID: id, Status: StatusIdle}
	}
	if op == events.OpDelete {
		delete(s.loaders, id)
	} else {
		s.loaders[id] = state
	}
	s.revision++
	rev := s.revision
	s.mu.Unlock()

	return s.publish(ctx, &events.StoreChangedEvent{
		Table:     events.TableLoaders,
		ID:        id,
		Op:        op,
		Status:    string(state.Status),
		Message:   state.Message,
		Revision:  rev,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Store) applyAddData(ctx context.Context, msg message.Message) error {
	parsed := gjson.ParseBytes(msg.Data)
	if !parsed.IsObject() {
		return fmt.Errorf("%s - %s requires an object of entries", logPrefix, msg.Type)
	}

	type change struct {
		key string
		val json.RawMessage
		rev uint64
	}
	var changes []change

	s.mu.Lock()
	parsed.ForEach(func(k, v gjson.Result) bool {
		val := json.RawMessage(v.Raw)
		s.data[k.String()] = val
		s.revision++
		changes = append(changes, change{key: k.String(), val: val, rev: s.revision})
		return true
	})
	s.mu.Unlock()

	var firstErr error
	for _, c := range changes {
		if s.persister != nil {
			if err := s.persister.UpsertEntry(ctx, c.key, c.val); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s - failed to persist %q: %w", logPrefix, c.key, err)
			}
		}
		if err := s.publish(ctx, &events.StoreChangedEvent{
			Table:     events.TableData,
			ID:        c.key,
			Op:        events.OpSet,
			Revision:  c.rev,
			Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) applyRemoveData(ctx context.Context, msg message.Message) error {
	var keys []string
	if err := json.Unmarshal(msg.Data, &keys); err != nil {
		return fmt.Errorf("%s - %s requires an array of keys: %w", logPrefix, msg.Type, err)
	}

	revs := make(map[string]uint64, len(keys))
	s.mu.Lock()
	for _, k := range keys {
		if _, ok := s.data[k]; !ok {
			continue
		}
		delete(s.data, k)
		s.revision++
		revs[k] = s.revision
	}
	s.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		rev, ok := revs[k]
		if !ok {
			continue
		}
		if s.persister != nil {
			if err := s.persister.DeleteEntry(ctx, k); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%s - failed to delete %q: %w", logPrefix, k, err)
			}
		}
		if err := s.publish(ctx, &events.StoreChangedEvent{
			Table:     events.TableData,
			ID:        k,
			Op:        events.OpDelete,
			Revision:  rev,
			Timestamp: s.now().UTC().Format(time.RFC3339Nano),
		}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) publish(ctx context.Context, event *events.StoreChangedEvent) error {
	if err := s.publisher.PublishChanged(ctx, event); err != nil {
		return fmt.Errorf("%s - failed to publish change of %s/%s: %w", logPrefix, event.Table, event.ID, err)
	}
	return nil
}

// Hydrate seeds the data table without persisting or publishing, e.g. from
// a cache snapshot loaded at startup.
func (s *Store) Hydrate(entries map[string]json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range entries {
		s.data[k] = v
	}
	slog.Info(fmt.Sprintf("%s - Hydrated %d data entries", logPrefix, len(entries)))
}
