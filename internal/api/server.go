// Package api serves the operator HTTP API: quota and job controls, send
// review, bounce and reply callbacks, mailbox provisioning and lifecycle
// runs.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ignite/offermail/internal/config"
)

// Server represents the API server.
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg config.ServerConfig, svc Services, health *HealthChecker) *Server {
	return &Server{
		config:  cfg,
		handler: SetupRoutes(NewHandlers(svc), health, cfg),
	}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
