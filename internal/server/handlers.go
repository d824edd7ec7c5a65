package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/logrelay-dev/logrelay/internal/session"
	"github.com/logrelay-dev/logrelay/internal/version"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        version.Version,
		"commit":         version.Commit,
		"uptime":         time.Since(s.startTime).Seconds(),
		"sessions":       s.registry.Count(),
		"active_streams": s.mux.ActiveStreams(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Metrics())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}

	f, err := s.resolveFilter(req.Filter, req.Preset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := s.registry.Create(f)
	if err != nil {
		if errors.Is(err, session.ErrCapacity) {
			writeError(w, http.StatusTooManyRequests, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	info, err := s.registry.Get(r.PathValue("session_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	// Close is idempotent, so an unknown id is still a success.
	s.registry.Close(r.PathValue("session_id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) handleUpdateFilter(w http.ResponseWriter, r *http.Request) {
	var req UpdateFilterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	f, err := s.resolveFilter(req.Filter, req.Preset)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.registry.UpdateFilter(r.PathValue("session_id"), f); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleKeepalive(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Touch(r.PathValue("session_id")); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
