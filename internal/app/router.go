package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/gatherly/eventsite/internal/audit/http"
	"github.com/gatherly/eventsite/internal/auth"
	"github.com/gatherly/eventsite/internal/chat"
	"github.com/gatherly/eventsite/internal/observability"
	"github.com/gatherly/eventsite/internal/portal"
	registrationhttp "github.com/gatherly/eventsite/internal/registration/http"
	"github.com/gatherly/eventsite/internal/shared"
	"github.com/gatherly/eventsite/jobs"
	"github.com/gatherly/eventsite/web"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger              *slog.Logger
	Config              *Config
	Renderer            *portal.Renderer
	Registry            *portal.Registry
	SessionManager      *shared.SessionManager
	CSRFManager         *shared.CSRFManager
	AuthHandler         *auth.Handler
	RegistrationHandler *registrationhttp.Handler
	AuditHandler        *audithttp.Handler
	ChatHandler         *chat.Handler
	JobHandler          *jobs.Handler
	Metrics             *observability.Metrics
}

// NewRouter constructs the chi.Router with the site's defaults.
func NewRouter(params RouterParams) http.Handler {
	logger := params.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:         logger,
		Config:         params.Config,
		SessionManager: params.SessionManager,
		CSRFManager:    params.CSRFManager,
		Metrics:        params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	staticFS, err := web.Static()
	if err != nil {
		logger.Error("create static sub filesystem", slog.Any("error", err))
	} else {
		fileServer := http.StripPrefix("/static/", http.FileServer(http.FS(staticFS)))
		r.Handle("/static/*", staticCacheHandler(fileServer))
	}

	r.Group(func(r chi.Router) {
		r.Use(params.Registry.Middleware)

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			params.Renderer.Page(w, r, http.StatusOK, "pages/landing.html", "Welcome", nil)
		})
		r.Route("/auth", params.AuthHandler.MountRoutes)
		params.RegistrationHandler.MountRoutes(r)
		params.AuditHandler.MountRoutes(r)
	})

	if params.ChatHandler != nil {
		r.Route("/api", params.ChatHandler.MountRoutes)
	}

	return r
}

// staticCacheHandler wraps a file server with Cache-Control headers.
// Static assets are cached for an hour.
func staticCacheHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		next.ServeHTTP(w, r)
	})
}
