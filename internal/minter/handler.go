package minter

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/gatherly/eventsite/internal/identity"
	"github.com/gatherly/eventsite/internal/platform/httpx"
)

// MintRequest is the body of POST /mint.
type MintRequest struct {
	Secret string `json:"secret"`
}

// MintResponse carries the minted custom token.
type MintResponse struct {
	Token string `json:"token"`
}

// Handler serves the minting endpoint.
type Handler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{cfg: cfg, logger: logger, now: time.Now}
}

// MountRoutes registers the minting routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(httprate.Limit(10, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).Post("/mint", h.mint)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func (h *Handler) mint(w http.ResponseWriter, r *http.Request) {
	var req MintRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "malformed request body")
		return
	}
	if !h.secretMatches(req.Secret) {
		h.logger.Warn("override secret rejected", slog.String("remote", r.RemoteAddr))
		httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", "invalid override secret")
		return
	}
	token, err := identity.MintCustomToken(h.cfg.CustomTokenSecret, h.cfg.OverrideUID, map[string]any{"admin": true}, h.cfg.TokenTTL, h.now())
	if err != nil {
		h.logger.Error("mint custom token", slog.Any("error", err))
		httpx.RespondError(w, errors.New("mint failed"))
		return
	}
	h.logger.Info("override token minted", slog.String("uid", h.cfg.OverrideUID))
	httpx.JSON(w, http.StatusOK, MintResponse{Token: token})
}

func (h *Handler) secretMatches(given string) bool {
	if h.cfg.OverrideSecret == "" || given == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(given), []byte(h.cfg.OverrideSecret)) == 1
}
