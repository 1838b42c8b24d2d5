package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// RegisterRoutes registers all admin API routes using chi router
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers) {
	r := chi.NewRouter()

	r.Route("/tap", func(r chi.Router) {
		r.Use(AuthMiddleware)

		r.Get("/stats", handlers.handleStats)

		r.Get("/connections", handlers.handleListConnections)
		r.Get("/connections/{name}", handlers.handleConnection)
		r.Post("/connections/{name}/disconnect", handlers.handleDisconnect)

		r.Get("/config", handlers.handleGetConfig)
		r.Put("/config/{key}", handlers.handleSetConfig)

		r.Get("/publisher", handlers.handlePublisherStatus)
	})

	// Mount chi router under /admin
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/tap/*")
}

// NewServeMux builds the admin mux, adding /metrics when a metrics handler
// is available
func NewServeMux(handlers *AdminHandlers, metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	RegisterRoutes(mux, handlers)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}
	return mux
}
