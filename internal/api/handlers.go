package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/mattjoyce/arcyd/internal/status"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.status.Snapshot()
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Phase:         string(snap.Phase),
		Repos:         len(snap.Repos),
	}
	for _, repo := range snap.Repos {
		if repo.Status == status.RepoFailed || repo.Status == status.RepoRetrying {
			resp.FailingRepos++
		}
	}
	if snap.Phase == status.PhaseStopped {
		resp.Status = "stopped"
		respondJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.status.Snapshot())
}

// handleDiffs handles GET /diffs?repo=&limit=.
func (s *Server) handleDiffs(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	diffs, err := s.audit.RecentDiffs(r.Context(), r.URL.Query().Get("repo"), limit)
	if err != nil {
		s.logger.Error("failed to list diffs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list diffs")
		return
	}
	respondJSON(w, http.StatusOK, DiffsResponse{Diffs: diffs})
}

// handlePasses handles GET /passes?limit=.
func (s *Server) handlePasses(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.parseLimit(w, r)
	if !ok {
		return
	}
	passes, err := s.audit.RecentPasses(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list passes", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list passes")
		return
	}
	respondJSON(w, http.StatusOK, PassesResponse{Passes: passes})
}

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.config.APIKey != ""))
}

func (s *Server) parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
