package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/sagibrant/mimic/pkg/natschan"
	"github.com/sagibrant/mimic/pkg/routing"
)

// HealthChecks reports the state of each dependency.
type HealthChecks struct {
	Comms bool `json:"comms"`
	// Database is nil when known peers are kept in memory.
	Database *bool `json:"database,omitempty"`
	// Tabs lists attached browser tabs; nil without a browser session.
	Tabs    []int `json:"tabs,omitempty"`
	Routes  int   `json:"routes"`
	Pending int   `json:"pending"`
}

// HealthOutput is the /health response.
type HealthOutput struct {
	Status    string       `json:"status"`
	Agent     string       `json:"agent"`
	Timestamp string       `json:"timestamp"`
	Checks    HealthChecks `json:"checks"`
}

// RoutesOutput is the /routes response.
type RoutesOutput struct {
	Routes []routing.RouteInfo   `json:"routes"`
	Pool   []natschan.PoolEntry `json:"pool"`
}

// Handler serves /health, /ready, /routes and the websocket endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/routes", s.handleRoutes)
	if s.listener != nil {
		mux.Handle(s.cfg.WSPath, s.listener)
	}
	return mux
}

// Health checks NATS, the database when configured, and the browser.
func (s *Server) Health(ctx context.Context) *HealthOutput {
	out := &HealthOutput{
		Status:    "healthy",
		Agent:     s.self.Name,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	out.Checks.Comms = s.nc != nil && s.nc.IsConnected()
	if !out.Checks.Comms {
		out.Status = "unhealthy"
	}
	if s.dbPool != nil {
		ok := s.dbPool.Ping(ctx) == nil
		out.Checks.Database = &ok
		if !ok {
			out.Status = "unhealthy"
		}
	}
	if s.sessions != nil {
		out.Checks.Tabs = s.sessions.Tabs()
	}
	if s.disp != nil {
		out.Checks.Routes = len(s.disp.Table().Snapshot())
		out.Checks.Pending = s.disp.PendingCount()
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HealthCheckTimeout)
	defer cancel()
	h := s.Health(ctx)
	w.Header().Set("Content-Type", "application/json")
	if h.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(h)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	out := RoutesOutput{Routes: []routing.RouteInfo{}, Pool: []natschan.PoolEntry{}}
	if s.disp != nil {
		if routes := s.disp.Table().Snapshot(); routes != nil {
			out.Routes = routes
		}
	}
	if s.pool != nil {
		out.Pool = s.pool.Entries()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
