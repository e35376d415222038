package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/zhubert/plural-web/protocol"
)

// handleChat streams one turn. Failures before the turn starts are reported
// as a single error line in the same NDJSON shape as failures mid-turn.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Content-Type", protocol.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")

	enc := protocol.NewEncoder(w)

	var req protocol.ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		s.log.Warn("invalid chat request", "error", err)
		s.writeSingleError(w, enc, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		s.log.Warn("invalid chat request", "requestID", req.RequestID, "error", err)
		s.writeSingleError(w, enc, err.Error())
		return
	}

	log := s.log.With("requestID", req.RequestID)
	log.Debug("chat request", "sessionID", req.SessionID, "toolResult", req.ToolResult != nil, "images", len(req.Images))

	w.WriteHeader(http.StatusOK)

	// Keep draining after a write failure so the turn can finish and release.
	var writeErr error
	for ev := range s.runner.Run(r.Context(), req) {
		if writeErr != nil {
			continue
		}
		if writeErr = enc.Encode(ev); writeErr != nil {
			log.Warn("client stream write failed", "error", writeErr)
		}
	}
}

func (s *Server) writeSingleError(w http.ResponseWriter, enc *protocol.Encoder, msg string) {
	w.WriteHeader(http.StatusOK)
	if err := enc.Encode(protocol.ErrorEvent(msg)); err != nil {
		s.log.Warn("failed to write error event", "error", err)
	}
	s.cfg.Metrics.EventSent(protocol.EventError)
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	found := s.runner.Registry().Cancel(requestID)
	s.cfg.Metrics.AbortRequested(found)
	s.log.Info("abort requested", "requestID", requestID, "found", found)

	code := http.StatusOK
	if !found {
		code = http.StatusNotFound
	}
	writeJSON(w, code, map[string]bool{"aborted": found})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"requests": s.runner.Registry().Snapshot()})
}

func (s *Server) handleProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.cfg.Projects.ListProjects(r.Context())
	if err != nil {
		s.log.Error("failed to list projects", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	project := r.PathValue("project")
	sessionID := r.PathValue("sessionId")

	history, err := s.cfg.Histories.LoadHistory(r.Context(), project, sessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	case err != nil:
		s.log.Error("failed to load history", "project", project, "sessionID", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cwd := q.Get("cwd")
	if cwd == "" {
		writeError(w, http.StatusBadRequest, "cwd is required")
		return
	}

	paths, err := s.cfg.Completions.CompletePaths(r.Context(), cwd, q.Get("prefix"))
	if err != nil {
		s.log.Error("path completion failed", "cwd", cwd, "error", err)
		writeError(w, http.StatusInternalServerError, "path completion failed")
		return
	}
	if paths == nil {
		paths = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}
