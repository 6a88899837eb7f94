package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
)

// SetupRoutes builds the Control API router, grounded on
// internal/api/routes.go's middleware stack and /api route-group
// nesting, generalized to this domain's resource set and with the
// studio auth layer dropped (the studio and this engine share a trust
// boundary; auth is enforced upstream of this service).
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(httprate.LimitByIP(300, time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/sequences", func(r chi.Router) {
		r.Post("/", h.CreateSequence)
		r.Route("/{sequenceID}", func(r chi.Router) {
			r.Put("/", h.ReplaceSteps)
			r.Get("/status", h.SequenceStatus)
			r.Post("/enrollments", h.CreateEnrollments)
		})
	})

	r.Route("/senders/{email}/hold", func(r chi.Router) {
		r.Post("/", h.HoldSender)
		r.Delete("/", h.UnholdSender)
	})

	r.Post("/render/preview", h.RenderPreview)
	r.Post("/send/test", h.SendTest)
	r.Post("/enrollments/{enrollmentID}/retry", h.RetryEnrollment)

	return r
}
