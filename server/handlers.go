package server

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/room-tender/job"
)

// heartbeatStale is how old a worker heartbeat may be before the process is
// considered not ready. Generous against the slowest poll interval.
const heartbeatStale = 5 * time.Minute

// workerHeartbeats are the kv keys each polling worker refreshes every cycle.
var workerHeartbeats = []string{
	"job_promote_last",
	"job_token_last",
	"job_launch_last",
	"job_finalize_last",
}

// Handlers carries the shared dependencies for all HTTP endpoints.
type Handlers struct {
	db    *sql.DB
	store *job.Store
}

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests: the database must answer
// and every polling worker must have written a recent heartbeat.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.db.PingContext(r.Context()) }},
	}
	for _, key := range workerHeartbeats {
		key := key
		checks = append(checks, struct {
			name string
			fn   func() error
		}{key, func() error {
			last, err := h.store.LastHeartbeat(r.Context(), key)
			if err != nil {
				return err
			}
			if last.IsZero() {
				return fmt.Errorf("worker has not reported yet")
			}
			if age := time.Since(last); age > heartbeatStale {
				return fmt.Errorf("heartbeat is %s old", age.Truncate(time.Second))
			}
			return nil
		}})
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus returns the current snapshot of active tasks and queued events.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := h.store.StatusSnapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}
