// Package core provides the API chassis for the FirmDesk billing service.
// It creates a chi router and enforces cross-cutting concerns -- logging,
// panic recovery, request correlation, idempotency, and error handling --
// before requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"firmdesk/internal/config"
	"firmdesk/internal/kv"
	"firmdesk/internal/types"
)

// Authenticator decouples the HTTP layer from the specific auth mechanism,
// allowing for easy mocking in tests. Production resolves dashboard session
// tokens against the identity service; tests inject a stub.
type Authenticator interface {
	// ResolveToken resolves a Bearer token to the Actor making the request,
	// including the firm the actor belongs to and their role within it.
	ResolveToken(ctx context.Context, token string) (*types.Actor, error)
}

// RouteRegistrar mounts a group of domain routes onto the v1 router. Handler
// packages provide registrars to the application entry point, which passes
// them to the Server. This indirection avoids import cycles between core and
// handler packages.
type RouteRegistrar func(r chi.Router)

// Server encapsulates all dependencies for the FirmDesk API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Authenticator Authenticator

	// IdempotencyStore backs the Idempotency-Key middleware. Nil disables
	// idempotency handling (tests).
	IdempotencyStore kv.Store
	// IdempotencyTTL bounds how long completed responses are replayable.
	IdempotencyTTL time.Duration

	// HealthProbes are checked by GET /health.
	HealthProbes []HealthProbe

	// V1RouteRegistrars are mounted under /v1 by MountRoutes.
	V1RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a fail-fast check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:         cfg,
		Logger:         logger,
		Validator:      NewValidator(logger),
		IdempotencyTTL: cfg.Redis.IdempotencyTTL,
		router:         chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration. Used
// internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown performs a graceful termination of server-held resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	if closer, ok := s.IdempotencyStore.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.Logger.Error("error closing idempotency store", "error", err)
			return fmt.Errorf("closing idempotency store: %w", err)
		}
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
