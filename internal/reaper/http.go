package reaper

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/devplane/backend/internal/middleware"
)

// Routes mounts the reaper's read-only HTTP surface.
func (r *Reaper) Routes(router *mux.Router) {
	router.HandleFunc("/health", r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", r.handleStatus).Methods(http.MethodGet)
	router.HandleFunc("/config", r.handleConfig).Methods(http.MethodGet)
}

func (r *Reaper) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.Healthy() {
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"reason": "CODER_SESSION_TOKEN not set",
		})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"dry_run": r.DryRun(),
	})
}

func (r *Reaper) handleStatus(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, r.Snapshot())
}

func (r *Reaper) handleConfig(w http.ResponseWriter, _ *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, r.Snapshot().Config)
}
