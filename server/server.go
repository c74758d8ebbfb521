// Package server exposes the memory engine over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mwynn/mnemod/assemble"
	"github.com/mwynn/mnemod/consolidate"
	"github.com/mwynn/mnemod/episodic"
	"github.com/mwynn/mnemod/memerr"
	"github.com/mwynn/mnemod/semantic"
	"github.com/mwynn/mnemod/worldmodel"
)

// Server is the HTTP front end over the stores and the orchestrator.
type Server struct {
	router chi.Router

	episodic     *episodic.Store
	semantic     *semantic.Store
	world        *worldmodel.Store
	orchestrator *consolidate.Orchestrator
	builder      *assemble.Builder
	logger       zerolog.Logger

	startedAt time.Time
	httpSrv   *http.Server
}

// New creates the server and mounts all routes.
func New(
	ep *episodic.Store,
	sem *semantic.Store,
	world *worldmodel.Store,
	orchestrator *consolidate.Orchestrator,
	builder *assemble.Builder,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		episodic:     ep,
		semantic:     sem,
		world:        world,
		orchestrator: orchestrator,
		builder:      builder,
		logger:       logger.With().Str("component", "http-server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/turn", s.handleTurn)
		r.Get("/context", s.handleContext)

		r.Get("/memories/search", s.handleMemorySearch)
		r.Post("/memories", s.handleMemoryAdd)

		r.Get("/knowledge", s.handleKnowledge)
		r.Post("/knowledge/relationships", s.handleAddRelationship)

		r.Route("/world", func(r chi.Router) {
			r.Get("/", s.handleWorldList)
			r.Get("/thoughts", s.handleThoughtList)
			r.Post("/thoughts", s.handleThoughtAdd)
			r.Get("/{key}", s.handleWorldGet)
			r.Put("/{key}", s.handleWorldSet)
			r.Delete("/{key}", s.handleWorldDelete)
		})
	})
	s.router = r
	return s
}

// ServeTCP starts the server on a TCP address and blocks until shutdown.
func (s *Server) ServeTCP(address string) error {
	s.startedAt = time.Now()
	s.httpSrv = &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info().Str("address", address).Msg("Starting HTTP server")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// GracefulStop drains in-flight requests and stops the server.
func (s *Server) GracefulStop(ctx context.Context) {
	if s.httpSrv == nil {
		return
	}
	s.logger.Info().Msg("Gracefully stopping HTTP server")
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Shutdown did not finish cleanly")
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startedAt).String(),
	})
}

// requestLogger logs each request with its duration.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("Request completed")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the typed memory errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case memerr.IsValidationError(err):
		status = http.StatusBadRequest
	case memerr.IsProviderError(err):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
