package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/snarg/commcoach/internal/auth"
	"github.com/snarg/commcoach/internal/config"
	"github.com/snarg/commcoach/internal/events"
	"github.com/snarg/commcoach/internal/metrics"
	"github.com/snarg/commcoach/internal/session"
	"github.com/snarg/commcoach/internal/storage"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions carries the components the HTTP API is built from.
type ServerOptions struct {
	Config      *config.Config
	Auth        auth.Provider
	Sessions    *session.Manager
	Clips       storage.ClipStore
	Provisioner *storage.Provisioner
	Bus         *events.Bus
	Health      HealthOptions
	Log         zerolog.Logger
}

// NewRouter builds the route tree. It is separate from NewServer so tests
// can drive it with httptest.
func NewRouter(opts ServerOptions) chi.Router {
	cfg := opts.Config
	log := opts.Log
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(CORSWithOrigins(cfg.CORSOrigins))
	r.Use(metrics.InstrumentHandler)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated: health, sign-in and link-token media
		r.Get("/health", NewHealthHandler(opts.Health).ServeHTTP)
		NewMediaHandler(opts.Sessions.Links(), opts.Clips, log).Routes(r)

		authHandler := NewAuthHandler(opts.Auth, opts.Sessions, log)
		r.Group(func(r chi.Router) {
			r.Use(RateLimiter(cfg.Auth.RateLimit, cfg.Auth.RateBurst))
			authHandler.Routes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(SessionAuth(opts.Sessions))
			authHandler.SessionRoutes(r)
			NewStorageHandler(opts.Provisioner, log).Routes(r)
			NewCaptureHandler(opts.Provisioner, cfg.MaxUploadBytes(), log).Routes(r)
			NewUploadHandler(opts.Provisioner, cfg.MaxUploadBytes(), log).Routes(r)
			NewAnalysisHandler(log).Routes(r)
			FeedbackHandler{}.Routes(r)
			NewEventsHandler(opts.Bus).Routes(r)
		})
	})
	return r
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	return &Server{
		http: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           NewRouter(opts),
			ReadHeaderTimeout: cfg.ReadTimeout,
			// SSE streams clear their own write deadline.
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
