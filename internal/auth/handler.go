package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/gatherly/eventsite/internal/identity"
	"github.com/gatherly/eventsite/internal/portal"
	"github.com/gatherly/eventsite/internal/session"
	"github.com/gatherly/eventsite/internal/shared"
)

// Session keys used during the Google flow.
const (
	oauthStateKey = "oauth_state"
	oauthNonceKey = "oauth_nonce"
	oauthNextKey  = "oauth_next"
)

// GoogleFlow starts and completes the Google authorization-code flow.
// *identity.Google implements it.
type GoogleFlow interface {
	AuthCodeURL(state, nonce string) string
	Callback(query url.Values, nonce string) session.FederatedFlow
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger         *slog.Logger
	registry       *portal.Registry
	identity       *identity.Service
	google         GoogleFlow
	sessionManager *shared.SessionManager
	validator      *validator.Validate
}

// Config wires a Handler. Google is nil when federated sign-in is disabled.
type Config struct {
	Logger   *slog.Logger
	Registry *portal.Registry
	Identity *identity.Service
	Google   GoogleFlow
	Sessions *shared.SessionManager
}

// NewHandler constructs a Handler instance.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:         logger,
		registry:       cfg.Registry,
		identity:       cfg.Identity,
		google:         cfg.Google,
		sessionManager: cfg.Sessions,
		validator:      validator.New(),
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/login", h.handleLogin)
	r.Post("/signup", h.handleSignup)
	r.Post("/logout", h.handleLogout)
	r.Get("/google", h.startGoogle)
	r.Get("/google/callback", h.googleCallback)
	r.With(httprate.Limit(5, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).Post("/override", h.handleOverride)
	r.Get("/verify", h.verifyEmail)
	r.Get("/dialog/open", h.openDialog)
	r.Post("/dialog/open", h.openDialog)
	r.Post("/dialog/close", h.closeDialog)
	r.Post("/dialog/closed", h.dialogClosed)
}

type credentialsForm struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// client returns the browser session's portal client or answers 503.
func (h *Handler) client(w http.ResponseWriter, r *http.Request) (*portal.Client, bool) {
	c := portal.ClientFromContext(r.Context())
	if c == nil {
		h.logger.Error("portal client missing", slog.String("path", r.URL.Path))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return nil, false
	}
	return c, true
}

// finish persists the identity change and hands notifications to the next page.
func (h *Handler) finish(w http.ResponseWriter, r *http.Request, c *portal.Client, next string) {
	sess := shared.SessionFromContext(r.Context())
	h.registry.SyncSession(h.sessionManager, sess, c)
	c.Inbox.DrainInto(sess)
	http.Redirect(w, r, next, http.StatusSeeOther)
}

func (h *Handler) credentials(r *http.Request) (credentialsForm, bool) {
	form := credentialsForm{
		Email:    strings.TrimSpace(r.PostFormValue("email")),
		Password: r.PostFormValue("password"),
	}
	return form, h.validator.Struct(form) == nil
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	next := SafeNext(r.PostFormValue("next"))
	form, valid := h.credentials(r)
	if !valid {
		c.Inbox.Notify(session.Notification{Kind: session.NotifyError, Message: "Enter your email address and password."})
		h.finish(w, r, c, next)
		return
	}
	if err := c.Auth.SignInWithPassword(r.Context(), form.Email, form.Password); err != nil {
		h.logger.Info("password sign-in failed", slog.String("kind", string(shared.KindOf(err))))
	}
	h.finish(w, r, c, next)
}

func (h *Handler) handleSignup(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	next := SafeNext(r.PostFormValue("next"))
	form, valid := h.credentials(r)
	if !valid {
		c.Inbox.Notify(session.Notification{Kind: session.NotifyError, Message: "Enter a valid email address and a password."})
		h.finish(w, r, c, next)
		return
	}
	if err := c.Auth.SignUpWithPassword(r.Context(), form.Email, form.Password); err != nil {
		h.logger.Info("sign-up failed", slog.String("kind", string(shared.KindOf(err))))
	}
	h.finish(w, r, c, next)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	_ = c.Auth.SignOut(r.Context())
	h.finish(w, r, c, "/")
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	next := SafeNext(r.PostFormValue("next"))
	if err := c.Auth.SignInWithPrivilegedOverride(r.Context(), r.PostFormValue("secret")); err != nil {
		h.logger.Warn("privileged override failed", slog.String("kind", string(shared.KindOf(err))), slog.String("remote", r.RemoteAddr))
	}
	h.finish(w, r, c, next)
}

func (h *Handler) startGoogle(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	next := SafeNext(r.URL.Query().Get("next"))
	sess := shared.SessionFromContext(r.Context())
	if h.google == nil || sess == nil {
		c.Inbox.Notify(session.Notification{Kind: session.NotifyError, Message: "Google sign-in is not available."})
		h.finish(w, r, c, next)
		return
	}
	state, nonce := uuid.NewString(), uuid.NewString()
	sess.Set(oauthStateKey, state)
	sess.Set(oauthNonceKey, nonce)
	sess.Set(oauthNextKey, next)
	http.Redirect(w, r, h.google.AuthCodeURL(state, nonce), http.StatusFound)
}

// failedFlow reports an error through the same path as provider failures.
type failedFlow struct{ err error }

func (f failedFlow) Complete(context.Context) (session.FederatedIdentity, error) {
	return session.FederatedIdentity{}, f.err
}

func (h *Handler) googleCallback(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	sess := shared.SessionFromContext(r.Context())
	var state, nonce, next string
	if sess != nil {
		state, nonce, next = sess.Get(oauthStateKey), sess.Get(oauthNonceKey), sess.Get(oauthNextKey)
		sess.Delete(oauthStateKey)
		sess.Delete(oauthNonceKey)
		sess.Delete(oauthNextKey)
	}
	next = SafeNext(next)

	var flow session.FederatedFlow
	switch {
	case h.google == nil:
		flow = failedFlow{errors.New("Google sign-in is not configured")}
	case state == "" || r.URL.Query().Get("state") != state:
		flow = failedFlow{errors.New("the sign-in request expired or did not start here")}
	default:
		flow = h.google.Callback(r.URL.Query(), nonce)
	}
	if err := c.Auth.SignInWithFederatedProvider(r.Context(), flow); err != nil {
		h.logger.Info("federated sign-in failed", slog.Any("error", err))
	}
	h.finish(w, r, c, next)
}

func (h *Handler) verifyEmail(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	acct, err := h.identity.VerifyEmail(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		h.logger.Info("email verification failed", slog.Any("error", err))
		c.Inbox.Notify(session.Notification{Kind: session.NotifyError, Message: shared.UserSafeMessage(err)})
		h.finish(w, r, c, "/")
		return
	}
	c.Inbox.Notify(session.Notification{Kind: session.NotifySuccess, Message: "Thanks, " + acct.Email + " is verified. You can sign in now."})
	if !c.Auth.Snapshot().SignedIn() {
		c.Auth.OpenDialog(session.DialogModeDefault)
	}
	h.finish(w, r, c, "/")
}

func (h *Handler) openDialog(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	c.Auth.OpenDialog(session.DialogMode(r.FormValue("mode")))
	http.Redirect(w, r, SafeNext(r.FormValue("next")), http.StatusSeeOther)
}

func (h *Handler) closeDialog(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	c.Auth.CloseDialog()
	http.Redirect(w, r, SafeNext(r.PostFormValue("next")), http.StatusSeeOther)
}

func (h *Handler) dialogClosed(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	c.Auth.DialogClosed()
	w.WriteHeader(http.StatusNoContent)
}

// SafeNext returns raw when it is a local path, "/" otherwise.
func SafeNext(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n") {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() || u.Host != "" {
		return "/"
	}
	return raw
}
