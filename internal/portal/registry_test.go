package portal_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherly/eventsite/internal/docstore"
	"github.com/gatherly/eventsite/internal/identity"
	"github.com/gatherly/eventsite/internal/observability"
	"github.com/gatherly/eventsite/internal/portal"
	"github.com/gatherly/eventsite/internal/registration"
	"github.com/gatherly/eventsite/internal/session"
	"github.com/gatherly/eventsite/internal/shared"
	"github.com/gatherly/eventsite/internal/view"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type env struct {
	registry *portal.Registry
	svc      *identity.Service
	hub      *identity.Hub
	store    *docstore.MemoryStore
	metrics  *observability.Metrics
	clock    *clock
}

func newEnv(t *testing.T) env {
	t.Helper()
	hub := identity.NewHub()
	svc := identity.NewService(identity.ServiceConfig{
		Repo:      identity.NewMemoryRepository(),
		Tokens:    identity.NewTokenIssuer("id-secret", time.Hour),
		Publisher: hub,
	})
	store := docstore.NewMemoryStore()
	metrics := observability.NewMetrics()
	clk := &clock{t: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	reg := portal.NewRegistry(portal.Config{
		Identity:       svc,
		Hub:            hub,
		Store:          store,
		Metrics:        metrics,
		IdleTTL:        10 * time.Minute,
		ResolveTimeout: time.Second,
		Now:            clk.now,
	})
	t.Cleanup(reg.Close)
	return env{registry: reg, svc: svc, hub: hub, store: store, metrics: metrics, clock: clk}
}

func (e env) admin(t *testing.T, email string) *identity.Account {
	t.Helper()
	acct, err := e.svc.CreateAccount(context.Background(), email, "password123")
	require.NoError(t, err)
	_, err = e.svc.MarkEmailVerified(context.Background(), acct.UID)
	require.NoError(t, err)
	acct, err = e.svc.SetAdmin(context.Background(), acct.UID, true)
	require.NoError(t, err)
	return acct
}

func TestAcquireRestoresAdminAndStreamsRegistrations(t *testing.T) {
	e := newEnv(t)
	acct := e.admin(t, "org@example.com")
	_, err := e.store.Insert(context.Background(), registration.Collection, map[string]any{
		registration.FieldFullName:    "Ada",
		registration.FieldEmail:       "ada@example.com",
		registration.FieldCategory:    "student",
		registration.FieldSubmittedAt: docstore.ServerTimestamp,
		registration.FieldOwnerID:     "u-ada",
	})
	require.NoError(t, err)

	c, err := e.registry.Acquire("sess-1", acct.UID)
	require.NoError(t, err)
	again, err := e.registry.Acquire("sess-1", acct.UID)
	require.NoError(t, err)
	assert.Same(t, c, again)
	assert.Equal(t, 1, e.registry.Len())

	require.Eventually(t, func() bool {
		return c.Auth.Snapshot().Privilege() == session.PrivilegeGranted
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st := c.Registrations.State()
		return !st.Loading && len(st.Entries) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Ada", c.Registrations.Entries()[0].FullName)
	assert.Equal(t, 1, e.store.Subscribers())
}

func TestAnonymousClientHasNoSubscription(t *testing.T) {
	e := newEnv(t)
	c, err := e.registry.Acquire("anon", "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Auth.Snapshot().Resolved && !c.Registrations.Loading()
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, c.Registrations.Entries())
	assert.Zero(t, e.store.Subscribers())
}

func TestReleaseTearsDownSubscriptionAndRefreshWatch(t *testing.T) {
	e := newEnv(t)
	acct := e.admin(t, "org@example.com")
	c, err := e.registry.Acquire("sess-1", acct.UID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return e.store.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.hub.Subscribers(acct.UID))

	e.registry.Release("sess-1")
	assert.Zero(t, e.registry.Len())
	assert.Zero(t, e.hub.Subscribers(acct.UID))
	require.Eventually(t, func() bool { return e.store.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case <-c.Auth.Done():
	default:
		t.Fatal("authority still observing")
	}
}

func TestSweepEvictsIdleClients(t *testing.T) {
	e := newEnv(t)
	_, err := e.registry.Acquire("old", "")
	require.NoError(t, err)
	e.clock.t = e.clock.t.Add(8 * time.Minute)
	_, err = e.registry.Acquire("fresh", "")
	require.NoError(t, err)

	assert.Zero(t, e.registry.Sweep(e.clock.t))
	assert.Equal(t, 1, e.registry.Sweep(e.clock.t.Add(5*time.Minute)))
	assert.Equal(t, 1, e.registry.Len())
	_, err = e.registry.Acquire("fresh", "")
	require.NoError(t, err)
}

func TestRekeyAndClose(t *testing.T) {
	e := newEnv(t)
	c, err := e.registry.Acquire("before", "")
	require.NoError(t, err)
	e.registry.Rekey("before", "after")
	moved, err := e.registry.Acquire("after", "")
	require.NoError(t, err)
	assert.Same(t, c, moved)
	assert.Equal(t, "after", moved.SessionID)

	e.registry.Close()
	_, err = e.registry.Acquire("after", "")
	assert.ErrorIs(t, err, portal.ErrClosed)
}

func TestInboxBoundsAndDrainsIntoFlashes(t *testing.T) {
	var kinds []string
	inbox := portal.NewInbox(func(k string) { kinds = append(kinds, k) })
	for i := 0; i < 25; i++ {
		inbox.Notify(session.Notification{Kind: session.NotifyInfo, Message: "n"})
	}
	assert.Equal(t, 20, inbox.Len())
	assert.Len(t, kinds, 25)

	sess := &shared.Session{}
	inbox.DrainInto(sess)
	assert.Zero(t, inbox.Len())
	assert.Len(t, sess.PopFlashes(), 20)
}

func newSessions(t *testing.T) *shared.SessionManager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return shared.NewSessionManager(client, "eventsite_session", "secret", time.Hour, false)
}

func TestMiddlewareAndSyncSession(t *testing.T) {
	e := newEnv(t)
	sessions := newSessions(t)
	acct, err := e.svc.CreateAccount(context.Background(), "guest@example.com", "password123")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sessions.Load(req.Context(), req)
	require.NoError(t, err)
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))

	var seen *portal.Client
	h := e.registry.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = portal.ClientFromContext(r.Context())
		_, err := seen.Identity.SignInWithPassword(r.Context(), "guest@example.com", "password123")
		require.NoError(t, err)
		e.registry.SyncSession(sessions, shared.SessionFromContext(r.Context()), seen)
	}))
	oldID := sess.ID
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, seen)
	assert.Equal(t, acct.UID, sess.UID())
	assert.NotEqual(t, oldID, sess.ID)
	moved, err := e.registry.Acquire(sess.ID, "")
	require.NoError(t, err)
	assert.Same(t, seen, moved)
}

func TestRendererMergesFlashesAndInbox(t *testing.T) {
	e := newEnv(t)
	sessions := newSessions(t)
	engine, err := view.NewEngine()
	require.NoError(t, err)
	renderer := portal.NewRenderer(engine, shared.NewCSRFManager("csrf"), nil, false)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	sess, err := sessions.Load(req.Context(), req)
	require.NoError(t, err)
	sess.AddFlash(shared.FlashMessage{Kind: "info", Message: "from session"})
	c, err := e.registry.Acquire(sess.ID, "")
	require.NoError(t, err)
	c.Inbox.Notify(session.Notification{Kind: session.NotifySuccess, Message: "from inbox"})
	c.Auth.OpenDialog(session.DialogModeAdminOnly)

	ctx := portal.ContextWithClient(shared.ContextWithSession(req.Context(), sess), c)
	td := renderer.TemplateData(req.WithContext(ctx), "Home", nil)
	require.Len(t, td.Flashes, 2)
	assert.Equal(t, "from session", td.Flashes[0].Message)
	assert.Equal(t, "from inbox", td.Flashes[1].Message)
	assert.NotEmpty(t, td.CSRFToken)
	assert.True(t, td.Dialog.AdminOnly)
	assert.True(t, td.Dialog.Visible)
	assert.False(t, td.Session.SignedIn)

	rr := httptest.NewRecorder()
	renderer.Page(rr, req.WithContext(ctx), http.StatusOK, "pages/landing.html", "Home", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "from inbox", "notifications are shown once")
}
