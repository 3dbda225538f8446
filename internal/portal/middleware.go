package portal

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gatherly/eventsite/internal/shared"
)

type clientContextKey struct{}

// ContextWithClient stores the portal client in ctx.
func ContextWithClient(ctx context.Context, c *Client) context.Context {
	return context.WithValue(ctx, clientContextKey{}, c)
}

// ClientFromContext extracts the portal client from ctx.
func ClientFromContext(ctx context.Context) *Client {
	c, _ := ctx.Value(clientContextKey{}).(*Client)
	return c
}

// Middleware attaches the browser session's client to every request. It must
// run after the session middleware.
func (r *Registry) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sess := shared.SessionFromContext(req.Context())
		if sess == nil {
			next.ServeHTTP(w, req)
			return
		}
		client, err := r.Acquire(sess.ID, sess.UID())
		if err != nil {
			r.logger.Warn("acquire portal client", slog.Any("error", err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, req.WithContext(ContextWithClient(req.Context(), client)))
	})
}

// SyncSession makes the persisted session follow the client's identity. A
// changed identity gets a fresh session id, and the client moves with it.
func (r *Registry) SyncSession(sessions *shared.SessionManager, sess *shared.Session, c *Client) {
	if sess == nil || c == nil {
		return
	}
	uid := c.Identity.UID()
	if sess.UID() == uid {
		return
	}
	old := sess.ID
	sessions.Renew(sess)
	r.Rekey(old, sess.ID)
	sess.SetUID(uid)
}
