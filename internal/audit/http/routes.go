// Package audithttp serves the organisers' change history and its CSV export.
package audithttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/gatherly/eventsite/internal/shared"
)

const rateLimit = 10
const rateWindow = time.Minute

// MountRoutes registers the history page and the CSV export.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil || h.service == nil {
		return
	}
	limiter := httprate.Limit(rateLimit, rateWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Get("/admin/audit", h.handleTimeline)
	r.With(limiter).Get("/admin/audit/export.csv", h.handleExport)
}

// rateLimitKey limits exports per signed-in account, falling back to the IP.
func rateLimitKey(r *http.Request) (string, error) {
	if uid := shared.SessionUID(r.Context()); uid != "" {
		return "uid:" + uid, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
