package server

import (
	"encoding/json"
	"net/http"
	"time"
)

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/api/v1/limits", s.handleLimits)
	s.router.Get("/api/v1/retry", s.handleRetry)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleLimits returns a snapshot of every active limiter.
func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Stats())
}

// handleRetry returns retry-policy counters and breaker states.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.policy.Metrics())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
