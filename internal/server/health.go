package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/morezero/capabilities-executor/pkg/manager"
)

// pinger is the part of the repository the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

// HealthOutput is the /health response body.
type HealthOutput struct {
	Status    string       `json:"status"`
	Checks    HealthChecks `json:"checks"`
	Peers     int          `json:"peers"`
	Connected int          `json:"connected"`
	Queued    int          `json:"queued"`
	Jobs      int          `json:"jobs"`
	Timestamp string       `json:"timestamp"`
}

// HealthChecks reports each dependency. Database is true when no database is configured.
type HealthChecks struct {
	Database bool `json:"database"`
}

func health(ctx context.Context, m *manager.Manager, db pinger) *HealthOutput {
	out := &HealthOutput{
		Status:    "healthy",
		Checks:    HealthChecks{Database: true},
		Jobs:      m.Delegator().Jobs(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	for _, p := range m.Delegator().Peers() {
		out.Peers++
		if p.Connected() != "" {
			out.Connected++
		}
	}
	if q := m.Queuer(); q != nil {
		out.Queued = q.Len()
	}
	if db != nil {
		if err := db.Ping(ctx); err != nil {
			out.Checks.Database = false
			out.Status = "unhealthy"
		}
	}
	return out
}

// healthRouter serves /health and /ready. db is nil without a database.
func healthRouter(m *manager.Manager, db pinger, timeout time.Duration) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		h := health(ctx, m, db)
		w.Header().Set("Content-Type", "application/json")
		if h.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})
	return r
}
