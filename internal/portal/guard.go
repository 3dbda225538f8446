package portal

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatherly/eventsite/internal/session"
)

// DefaultSettle bounds how long a page waits for the first auth resolution.
const DefaultSettle = 2 * time.Second

// Resolved waits up to settle for the Authority's first resolution and
// returns the latest snapshot either way.
func Resolved(ctx context.Context, c *Client, settle time.Duration) session.Snapshot {
	if s := c.Auth.Snapshot(); s.Resolved {
		return s
	}
	ctx, cancel := context.WithTimeout(ctx, settle)
	defer cancel()
	for s := range c.Auth.Watch(ctx) {
		if s.Resolved {
			return s
		}
	}
	return c.Auth.Snapshot()
}

// RequireAdmin returns the request's client when its principal is a resolved
// administrator. Otherwise it renders the loading page, or the forbidden page
// with the dialog opened in admin-only mode, and returns false.
func (rr *Renderer) RequireAdmin(w http.ResponseWriter, r *http.Request, settle time.Duration) (*Client, bool) {
	c := ClientFromContext(r.Context())
	if c == nil {
		rr.logger.Error("portal client missing", slog.String("path", r.URL.Path))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return nil, false
	}
	switch Resolved(r.Context(), c, settle).Privilege() {
	case session.PrivilegeGranted:
		return c, true
	case session.PrivilegeUnknown:
		rr.Page(w, r, http.StatusOK, "pages/loading.html", "Loading", nil)
	default:
		c.Auth.OpenDialog(session.DialogModeAdminOnly)
		rr.Page(w, r, http.StatusForbidden, "pages/forbidden.html", "Organisers only", nil)
	}
	return nil, false
}
