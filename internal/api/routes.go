package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	// CORS - the subscribe form and unsubscribe links are served from the
	// community site, not this service.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		// Subscription lifecycle
		r.Post("/subscribers", h.Subscribe)
		r.Post("/unsubscribe", h.Unsubscribe)
		r.Post("/resubscribe", h.Resubscribe)

		// Newsletters: creation triggers the immediate dispatch
		r.Post("/newsletters", h.CreateNewsletter)
		r.Get("/newsletters", h.GetNewsletters)
		r.Get("/newsletters/{id}", h.GetNewsletter)

		// Delivery queue controls
		r.Route("/queue", func(r chi.Router) {
			r.Get("/", h.GetQueueStats)
			r.Get("/status", h.GetQueueStatus)
			r.Post("/start", h.StartQueue)
			r.Post("/stop", h.StopQueue)
			r.Post("/process", h.ProcessQueue)
		})
	})

	return r
}
