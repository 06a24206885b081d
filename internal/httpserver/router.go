package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"erpy/internal/handlers"
	"erpy/internal/metrics"
	"erpy/internal/middleware"
)

type RouterConfig struct {
	// RequestTimeout bounds every route except the chat stream.
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

func (c RouterConfig) WithDefaults() RouterConfig {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 2 * time.Minute
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 8 << 20
	}
	return c
}

// SetupRouter mounts the host command surface on r.
func SetupRouter(r chi.Router, baseLogger *zap.Logger, h *handlers.Handler, cfg RouterConfig) {
	cfg = cfg.WithDefaults()

	r.Use(metrics.Middleware)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)

	r.Use(middleware.LoggingContext(baseLogger))
	r.Use(middleware.Recoverer())
	r.Use(middleware.MaxBodySize(cfg.MaxBodyBytes))

	r.Route("/v1", func(r chi.Router) {
		// long-lived SSE stream; no request timeout
		r.Post("/chat/completions", h.ChatCompletion)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			r.Post("/chat/{sessionID}/cancel", h.Cancel)
			r.Post("/chat/summarize", h.Summarize)

			r.Post("/models/load", h.LoadModel)
			r.Post("/models/unload", h.UnloadModel)
			r.Get("/models", h.ListModels)
			r.Get("/models/disk", h.ListModelsOnDisk)
			r.Get("/models/active", h.ActiveModel)
			r.Get("/backends", h.Backends)

			r.Post("/connection/test", h.TestConnection)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Handle("/metrics", metrics.Handler())
}
