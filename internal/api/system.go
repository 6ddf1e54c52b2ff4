package api

import (
	"net/http"
	"time"
)

// handleSchedulerStatus reports the scheduler state, or that it is disabled.
func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	st := s.scheduler.Status()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"enabled": true,
		"status":  st,
	})
}

// handleSchedulerTrigger starts a sync immediately. 409 when one is running.
func (s *Server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		s.writeError(w, http.StatusConflict, "scheduler disabled")
		return
	}
	if !s.scheduler.TriggerNow() {
		s.writeError(w, http.StatusConflict, "sync already running")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"triggered": true})
}

// handleStats reports table counts and sync cursors.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.Counts(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	cursors, err := s.store.Cursors(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"counts":        counts,
		"cursors":       cursors,
		"db_size_bytes": s.store.SizeBytes(),
	})
}

// handleHealth is the liveness probe; it also surfaces scheduler and
// websocket state so one call paints the whole picture.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"websocket": s.hub.Status(),
	}
	if s.scheduler != nil {
		st := s.scheduler.Status()
		out["scheduler"] = map[string]any{
			"running":    st.Running,
			"is_syncing": st.IsSyncing,
			"sync_count": st.SyncCount,
		}
	} else {
		out["scheduler"] = map[string]any{"running": false}
	}
	if _, err := s.store.Counts(r.Context()); err != nil {
		out["status"] = "degraded"
		out["error"] = "database unavailable"
		s.writeJSON(w, http.StatusServiceUnavailable, out)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}
