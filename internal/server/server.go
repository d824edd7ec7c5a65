package server

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/logrelay-dev/logrelay/internal/config"
	"github.com/logrelay-dev/logrelay/internal/mux"
	"github.com/logrelay-dev/logrelay/internal/preset"
	"github.com/logrelay-dev/logrelay/internal/session"
)

type Server struct {
	cfg       *config.Config
	registry  *session.Registry
	mux       *mux.Mux
	presets   *preset.Library
	httpSrv   *http.Server
	startTime time.Time
}

func New(cfg *config.Config, registry *session.Registry, m *mux.Mux, presets *preset.Library) *Server {
	if presets == nil {
		presets = preset.Empty()
	}
	return &Server{
		cfg:       cfg,
		registry:  registry,
		mux:       m,
		presets:   presets,
		startTime: time.Now(),
	}
}

func (s *Server) routes() http.Handler {
	root := http.NewServeMux()

	// Unauthenticated
	root.HandleFunc("GET /health", s.handleHealth)

	// Authenticated API routes
	authed := http.NewServeMux()
	authed.HandleFunc("GET /metrics", s.handleMetrics)
	authed.HandleFunc("POST /sessions", s.handleCreateSession)
	authed.HandleFunc("GET /sessions/{session_id}", s.handleGetSession)
	authed.HandleFunc("DELETE /sessions/{session_id}", s.handleCloseSession)
	authed.HandleFunc("PUT /sessions/{session_id}/filter", s.handleUpdateFilter)
	authed.HandleFunc("POST /sessions/{session_id}/keepalive", s.handleKeepalive)

	root.Handle("/metrics", s.authMiddleware(authed))
	root.Handle("/sessions", s.authMiddleware(authed))
	root.Handle("/sessions/", s.authMiddleware(authed))

	// Streaming routes accept the read-only stream token via query param
	// since browser EventSource/WebSocket APIs cannot set headers.
	streaming := http.NewServeMux()
	streaming.HandleFunc("GET /stream/jobs/{job_id}", s.handleJobStreamWS)
	streaming.HandleFunc("GET /stream/jobs/{job_id}/sse", s.handleJobStreamSSE)
	streaming.HandleFunc("GET /stream/pipelines/{pipeline_id}", s.handlePipelineStreamWS)
	streaming.HandleFunc("GET /stream/pipelines/{pipeline_id}/sse", s.handlePipelineStreamSSE)

	root.Handle("/stream/", s.streamAuthMiddleware(streaming))

	var handler http.Handler = root
	handler = loggingMiddleware(handler)
	handler = recoveryMiddleware(handler)

	return handler
}

func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        s.cfg.Server.Listen,
		Handler:     s.routes(),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE responses are open-ended. WebSocket
		// connections are hijacked and unaffected either way.
		IdleTimeout: 120 * time.Second,
	}

	log.Printf("logrelay listening on %s (dev=%v)", s.cfg.Server.Listen, s.cfg.Dev)
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
