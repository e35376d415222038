// Package server exposes chat turns over HTTP as NDJSON streams.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhubert/plural-web/chat"
	"github.com/zhubert/plural-web/metrics"
)

// DefaultShutdownTimeout bounds graceful shutdown when Config leaves it unset.
const DefaultShutdownTimeout = 10 * time.Second

// maxRequestBody caps a ChatRequest body; images are sent inline.
const maxRequestBody = 32 << 20

// Config holds the server's dependencies. Runner is required; collaborators
// are optional and their routes are only mounted when set.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration

	Runner   *chat.Runner
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer

	Projects    ProjectLister
	Histories   HistoryLoader
	Completions PathCompleter

	Logger *slog.Logger
}

// Server serves the chat API.
type Server struct {
	cfg    Config
	runner *chat.Runner
	log    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		runner: cfg.Runner,
		log:    log.With("component", "server"),
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("POST /api/chat", s.instrument("chat", s.handleChat))
	mux.Handle("POST /api/abort/{requestId}", s.instrument("abort", s.handleAbort))
	mux.Handle("GET /api/requests", s.instrument("requests", s.handleRequests))

	if s.cfg.Projects != nil {
		mux.Handle("GET /api/projects", s.instrument("projects", s.handleProjects))
	}
	if s.cfg.Histories != nil {
		mux.Handle("GET /api/projects/{project}/histories/{sessionId}", s.instrument("history", s.handleHistory))
	}
	if s.cfg.Completions != nil {
		mux.Handle("GET /api/completions", s.instrument("completions", s.handleCompletions))
	}

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return mux
}

// Addr returns the bound listener address once ListenAndServe is running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and aborts whatever turns are still running.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.log.Info("starting http server", "addr", listener.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	if n := s.runner.Registry().CancelAll(); n > 0 {
		s.log.Info("aborted in-flight turns", "count", n)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http server shutdown error", "error", err)
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"inflight": s.runner.Registry().Len(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// statusRecorder captures the response code while keeping the writer
// flushable for streaming responses.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.code == 0 {
		r.code = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.code == 0 {
		r.code = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		h(rec, r)
		if rec.code == 0 {
			rec.code = http.StatusOK
		}
		s.cfg.Metrics.HTTPRequest(route, rec.code)
	})
}
