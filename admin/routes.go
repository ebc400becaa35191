// Package admin serves the operational HTTP API: health, buffer status,
// persisted state, batch ingest and Prometheus metrics.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin routes. metrics may be nil when Prometheus is disabled.
func NewRouter(h *Handlers, secret string, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", h.handleHealth)
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(secret))
		r.Get("/buffer", h.handleBuffer)
		r.Post("/buffer/clear", h.handleClear)
		r.Get("/state", h.handleState)
		r.Post("/mutations", h.handleIngest)
	})

	return r
}

// Server runs the admin router on its own listener
type Server struct {
	httpServer *http.Server
	listener   net.Listener
}

// NewServer binds the admin listener. Port 0 picks a free port.
func NewServer(bindAddress string, port int, handler http.Handler) (*Server, error) {
	addr := net.JoinHostPort(bindAddress, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		listener: ln,
	}, nil
}

// Addr is the bound address
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start serves in the background
func (s *Server) Start() {
	log.Info().Str("address", s.Addr()).Msg("Admin endpoints enabled")
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
