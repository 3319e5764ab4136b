package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/speech-stream/backend/internal/api/handlers"
	"github.com/speech-stream/backend/internal/api/middleware"
	"github.com/speech-stream/backend/internal/config"
	"github.com/speech-stream/backend/internal/job"
	"github.com/speech-stream/backend/internal/modelcache"
)

func NewRouter(cfg *config.Config, manager *job.Manager, cache *modelcache.Cache, logger *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(cors.Handler(middleware.CORSHandler(cfg.CORSOrigins)))

	// Handlers
	transcriptHandler := handlers.NewTranscriptHandler(manager, cfg.MaxUploadBytes(), logger)
	healthHandler := handlers.NewHealthHandler(cache, cfg.Model)

	// Health endpoints (unauthenticated)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Transcript API (shared-key auth)
	r.Route("/v1/transcript", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKey))
		// Backstop over the streaming upload cap: covers form overhead too.
		r.Use(middleware.MaxBodySize(cfg.MaxUploadBytes() + 1<<20))

		r.Post("/", transcriptHandler.Submit)
		r.Get("/", transcriptHandler.List)
		r.Get("/{id}", transcriptHandler.Get)
		r.Delete("/{id}", transcriptHandler.Delete)
		r.Get("/{id}/{format:srt|vtt|txt|json|tsv|words}", transcriptHandler.Export)
	})

	return r
}
