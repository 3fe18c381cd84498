// Package gateway exposes the verification pipeline over HTTP and provides
// the matching client used by the orchestrator.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/kaptinlin/jsonschema"

	"loginpilot/internal/domain"
	"loginpilot/internal/infra/config"
	"loginpilot/internal/infra/middleware"
	"loginpilot/internal/security"
)

// Deps are the services the HTTP handlers call.
type Deps struct {
	Runner   domain.PipelineRunner
	Profiles domain.ProfileControllerFactory
	Logger   *slog.Logger
}

// Server is the HTTP front of the verification pipeline.
type Server struct {
	cfg       config.GatewayConfig
	deps      Deps
	logger    *slog.Logger
	schema    *jsonschema.Schema
	apiURLs   *security.APIURLPolicy
	router    http.Handler
	httpSrv   *http.Server
	boundAddr atomic.Value // string
}

// NewServer builds the router. ctx bounds background work such as rate
// limiter eviction.
func NewServer(ctx context.Context, cfg config.GatewayConfig, deps Deps) (*Server, error) {
	schema, err := jsonschema.NewCompiler().Compile([]byte(verifyRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.With("component", "gateway"),
		schema:  schema,
		apiURLs: security.NewAPIURLPolicy(cfg.AllowedAPIHosts),
	}
	s.router = s.routes(ctx)
	return s, nil
}

func (s *Server) routes(ctx context.Context) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(s.logger))
	r.Use(middleware.SecurityHeaders)

	verify := r.With()
	if s.cfg.RateLimit.Enabled {
		verify = r.With(middleware.RateLimit(ctx, middleware.RateLimitConfig{
			RequestsPerSecond: s.cfg.RateLimit.RequestsPerSecond,
			Burst:             s.cfg.RateLimit.Burst,
		}))
	}
	verify.Post("/api/login/verify", s.handleVerify)

	r.Get("/api/profiles", s.handleProfiles)
	r.Get("/healthz", s.handleHealthz)
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr.Store(listener.Addr().String())
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("gateway started", "addr", s.BoundAddr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("gateway serve: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	return s.Stop(context.WithoutCancel(ctx))
}

// Stop shuts the server down, waiting for in-flight streams up to the
// configured timeout.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	s.logger.Info("gateway stopping")
	return s.httpSrv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	addr, _ := s.boundAddr.Load().(string)
	return addr
}
