// Package registrationhttp serves the registration form, the admin dashboard
// and its live update stream.
package registrationhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const (
	submitRateLimit  = 10
	submitRateWindow = time.Minute
)

// MountRoutes registers the public form and the admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(submitRateLimit, submitRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Get("/register", h.showRegister)
	r.With(limiter).Post("/register", h.submitRegister)
	r.Route("/admin/registrations", func(ar chi.Router) {
		ar.Get("/", h.dashboard)
		ar.Get("/stream", h.stream)
		ar.Get("/{id}/edit", h.edit)
		ar.Get("/{id}/proof", h.proof)
		ar.Post("/{id}", h.update)
		ar.Post("/{id}/delete", h.remove)
	})
}
