package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/dubhub/internal/api/middleware"
	"github.com/kiranshivaraju/dubhub/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	EnqueueHandler   http.HandlerFunc
	ListJobsHandler  http.HandlerFunc
	JobStatsHandler  http.HandlerFunc
	GetJobHandler    http.HandlerFunc
	JobStatusHandler http.HandlerFunc
	CancelHandler    http.HandlerFunc
	DecideHandler    http.HandlerFunc
	EventStream      http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc

	// Media serves locally stored artifacts under /media. Nil when an
	// object store hands out its own URLs.
	Media http.Handler
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public routes
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Media != nil {
		r.Handle("/media/*", http.StripPrefix("/media", deps.Media))
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		// The stream is long-lived and must not count against the request budget.
		r.Get("/api/v1/events/stream", orNotImplemented(deps.EventStream))

		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimit.Limit)

			r.Post("/api/v1/jobs", orNotImplemented(deps.EnqueueHandler))
			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
			r.Get("/api/v1/jobs/stats", orNotImplemented(deps.JobStatsHandler))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
			r.Get("/api/v1/jobs/{jobID}/status", orNotImplemented(deps.JobStatusHandler))
			r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelHandler))
			r.Post("/api/v1/jobs/{jobID}/decisions", orNotImplemented(deps.DecideHandler))

			// Admin routes
			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope("admin"))

				r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
				r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
				r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
			})
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
