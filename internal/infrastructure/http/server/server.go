package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bmarc/ms_facturacion_sri/internal/infrastructure/config"
	"bmarc/ms_facturacion_sri/internal/infrastructure/http/middleware"
)

// EmissionRoutes mounts the document endpoints. submit wraps the routes that
// block on the gateway.
type EmissionRoutes interface {
	Routes(r chi.Router, submit ...func(http.Handler) http.Handler)
}

// IssuerRoutes mounts the issuer profile endpoints.
type IssuerRoutes interface {
	Routes(r chi.Router)
}

// Server wraps the HTTP server and its graceful shutdown.
type Server struct {
	log             *slog.Logger
	httpServer      *http.Server
	shutdownTimeout time.Duration
	authenticator   *middleware.JWTAuthenticator
}

// Options groups the server dependencies. Emission, Issuers and Authenticator
// are optional; a nil Authenticator leaves /api/v1 open.
type Options struct {
	Config        config.AppConfig
	Logger        *slog.Logger
	HealthHandler http.Handler
	Emission      EmissionRoutes
	Issuers       IssuerRoutes
	Authenticator *middleware.JWTAuthenticator
}

// New builds the router and the underlying http.Server.
func New(opts Options) (*Server, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.HealthHandler == nil {
		return nil, errors.New("health handler is required")
	}

	cfg := opts.Config

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(opts.Logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.HTTP.AllowedOrigins),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Method(http.MethodGet, "/health", opts.HealthHandler)
	if cfg.Metrics.Enabled {
		metricsPath := cfg.Metrics.Path
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.Method(http.MethodGet, metricsPath, promhttp.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if opts.Authenticator != nil {
			api.Use(opts.Authenticator.Middleware)
		}
		if opts.Emission != nil {
			opts.Emission.Routes(api, middleware.ExtendedTimeout(cfg.HTTP.WriteTimeoutEmission))
		}
		if opts.Issuers != nil {
			opts.Issuers.Routes(api)
		}
	})

	shutdownTimeout := cfg.HTTP.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	return &Server{
		log: opts.Logger,
		httpServer: &http.Server{
			Addr:         cfg.HTTP.Address(),
			Handler:      r,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  cfg.HTTP.IdleTimeout,
		},
		shutdownTimeout: shutdownTimeout,
		authenticator:   opts.Authenticator,
	}, nil
}

// Handler exposes the router.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then drains in-flight requests for up
// to the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server started", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		s.log.Info("Shutting down HTTP server", "timeout", s.shutdownTimeout)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// Close releases the authenticator's JWKS refresh goroutine.
func (s *Server) Close() {
	if s.authenticator != nil {
		s.authenticator.Close()
	}
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
