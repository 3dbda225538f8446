package shared

import (
	"context"
	"strings"
)

type sessionContextKey struct{}

// ContextWithSession stores the browser session in ctx.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext returns the browser session, or nil outside the session middleware.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// SessionUID returns the signed-in uid persisted in the request's session, empty for guests.
func SessionUID(ctx context.Context) string {
	sess := SessionFromContext(ctx)
	if sess == nil {
		return ""
	}
	return strings.TrimSpace(sess.UID())
}
