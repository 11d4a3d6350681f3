package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

const handlersLogPrefix = "server:handlers"

// HealthOutput is the /health response body.
type HealthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Endpoints int             `json:"endpoints"`
	Revision  uint64          `json:"revision"`
	Timestamp string          `json:"timestamp"`
}

// EndpointInfo describes one registered endpoint on /endpoints.
type EndpointInfo struct {
	Name        string `json:"name"`
	Method      string `json:"method,omitempty"`
	Path        string `json:"path,omitempty"`
	Strategy    string `json:"strategy,omitempty"`
	Interval    string `json:"interval,omitempty"`
	Cache       bool   `json:"cache,omitempty"`
	Description string `json:"description,omitempty"`
	MessageType string `json:"messageType"`
	Loader      string `json:"loader"`
}

// Handler returns the HTTP mux of the health and inspection endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/loaders", s.handleLoaders)
	mux.HandleFunc("/data", s.handleData)
	mux.HandleFunc("/endpoints", s.handleEndpoints)
	return mux
}

func (s *Server) health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{
		Status:    "healthy",
		Checks:    map[string]bool{},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if s.nc != nil {
		out.Checks["comms"] = s.nc.IsConnected()
	}
	if s.pool != nil {
		out.Checks["database"] = s.pool.Ping(ctx) == nil
	}
	for _, ok := range out.Checks {
		if !ok {
			out.Status = "unhealthy"
		}
	}
	if s.api != nil {
		out.Endpoints = len(s.api.Names())
	}
	if s.store != nil {
		out.Revision = s.store.Revision()
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	timeout := s.cfg.HealthCheckTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	h := s.health(ctx)
	status := http.StatusOK
	if h.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleLoaders returns every loader, or the one named by ?id=. Unknown ids
// report an idle loader.
func (s *Server) handleLoaders(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if id := r.URL.Query().Get("id"); id != "" {
		writeJSON(w, http.StatusOK, s.store.Loader(id))
		return
	}
	writeJSON(w, http.StatusOK, s.store.Loaders())
}

// handleData returns the data table, or the entry named by ?key=.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	if key := r.URL.Query().Get("key"); key != "" {
		data, ok := s.store.Data(key)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("no data for key %q", key)})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}
	writeJSON(w, http.StatusOK, s.store.DataTable())
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	if !allowGet(w, r) {
		return
	}
	writeJSON(w, http.StatusOK, s.endpoints())
}

func (s *Server) endpoints() []EndpointInfo {
	if s.api == nil {
		return []EndpointInfo{}
	}
	names := s.api.Names()
	out := make([]EndpointInfo, 0, len(names))
	for _, name := range names {
		info := EndpointInfo{Name: name, Loader: name}
		if action, ok := s.api.Action(name); ok {
			info.MessageType = action.MessageType()
		}
		if s.manifest != nil {
			if ep := s.manifest.Get(name); ep != nil {
				info.Method = ep.Method
				info.Path = ep.Path
				info.Strategy = ep.Strategy
				info.Interval = ep.Interval
				info.Cache = ep.Cache
				info.Description = ep.Description
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func allowGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", "GET, HEAD")
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", handlersLogPrefix, err))
	}
}
