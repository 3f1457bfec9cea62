package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"leastwatched/internal/api"
	"leastwatched/internal/config"
)

type Server struct {
	cfg        config.ServerConfig
	logger     zerolog.Logger
	httpServer *http.Server
	router     *chi.Mux
	handler    *api.Handler
	registry   *prometheus.Registry
}

// New wires the routes. A nil registry disables /metrics.
func New(cfg config.ServerConfig, handler *api.Handler, registry *prometheus.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		handler:  handler,
		registry: registry,
	}

	s.router = chi.NewRouter()
	s.setupMiddleware()
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}

	return s
}

func (s *Server) setupMiddleware() {
	origins := s.cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Accept"},
	}).Handler)
	s.router.Use(LoggingMiddleware(s.logger))
}

func (s *Server) setupRoutes() {
	h := s.handler

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/processing", func(r chi.Router) {
			r.Post("/start", h.StartProcessing)
			r.Post("/rescore", h.StartRescore)
			r.Get("/progress", h.GetProgress)
			r.Delete("/progress/{id}", h.ClearProgress)
		})

		r.Get("/media", h.ListMedia)
		r.Delete("/media", h.ClearMedia)
		r.Get("/media/{id}", h.GetMedia)
		r.Get("/media/{id}/score", h.GetScoreBreakdown)

		r.Get("/settings/deletion-score", h.GetDeletionScoreSettings)
		r.Put("/settings/deletion-score", h.UpdateDeletionScoreSettings)
		r.Get("/settings/date-preference", h.GetDatePreference)
		r.Put("/settings/date-preference", h.UpdateDatePreference)

		r.Get("/folders/space", h.GetFolderSpace)

		r.Get("/events", h.ListEvents)
		r.Delete("/events", h.ClearEvents)
	})

	if s.registry != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}
