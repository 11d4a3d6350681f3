package store

import "encoding/json"

// Loader returns the state of loader id; unknown loaders are idle.
func (s *Store) Loader(id string) LoaderState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if state, ok := s.loaders[id]; ok {
		return state
	}
	return LoaderState{ID: id, Status: StatusIdle}
}

// Loaders returns a copy of the loader table.
func (s *Store) Loaders() map[string]LoaderState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]LoaderState, len(s.loaders))
	for k, v := range s.loaders {
		out[k] = v
	}
	return out
}

// Data returns the entry stored under key.
func (s *Store) Data(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// DataTable returns a copy of the data table.
func (s *Store) DataTable() map[string]json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(s.data))
	for k, v := range s.data {
		out[k] = v
	}
	return out
}

// Revision returns the number of changes applied so far.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}
