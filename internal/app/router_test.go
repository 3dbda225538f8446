package app

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherly/eventsite/internal/auth"
	"github.com/gatherly/eventsite/internal/chat"
	"github.com/gatherly/eventsite/internal/docstore"
	"github.com/gatherly/eventsite/internal/identity"
	"github.com/gatherly/eventsite/internal/observability"
	"github.com/gatherly/eventsite/internal/portal"
	registrationhttp "github.com/gatherly/eventsite/internal/registration/http"
	"github.com/gatherly/eventsite/internal/shared"
	"github.com/gatherly/eventsite/internal/view"
	"github.com/gatherly/eventsite/jobs"
	_ "github.com/gatherly/eventsite/testing"
)

var csrfMeta = regexp.MustCompile(`<meta name="csrf-token" content="([^"]+)">`)

type nopMailer struct{}

func (nopMailer) EnqueueSendEmail(context.Context, string, string, string) error { return nil }

type site struct {
	server *httptest.Server
	client *http.Client
}

func newSite(t *testing.T, maxBody int64) *site {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &Config{AppEnv: "test", AppRequestTimeout: 5 * time.Second, AppMaxBodyBytes: maxBody}
	metrics := observability.NewMetrics()
	sessions := shared.NewSessionManager(rdb, "eventsite_session", "session-secret", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-secret")
	templates, err := view.NewEngine()
	require.NoError(t, err)

	hub := identity.NewHub()
	svc := identity.NewService(identity.ServiceConfig{
		Repo:              identity.NewMemoryRepository(),
		Tokens:            identity.NewTokenIssuer("id-secret", time.Hour),
		CustomTokenSecret: "custom-secret",
		Mailer:            nopMailer{},
		Publisher:         hub,
		BaseURL:           "http://event.test",
	})
	registry := portal.NewRegistry(portal.Config{
		Identity:       svc,
		Hub:            hub,
		Store:          docstore.NewMemoryStore(),
		Metrics:        metrics,
		ResolveTimeout: time.Second,
	})
	t.Cleanup(registry.Close)
	renderer := portal.NewRenderer(templates, csrf, nil, false)

	router := NewRouter(RouterParams{
		Config:              cfg,
		Renderer:            renderer,
		Registry:            registry,
		SessionManager:      sessions,
		CSRFManager:         csrf,
		AuthHandler:         auth.NewHandler(auth.Config{Registry: registry, Identity: svc, Sessions: sessions}),
		RegistrationHandler: registrationhttp.NewHandler(registrationhttp.Config{Renderer: renderer}),
		ChatHandler:         chat.NewHandler(nil, "", nil, metrics),
		JobHandler:          jobs.NewHandler(nil, nil),
		Metrics:             metrics,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &site{server: srv, client: client}
}

func (s *site) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()
	res, err := s.client.Get(s.server.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(body)
}

func (s *site) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	res, err := s.client.PostForm(s.server.URL+path, form)
	require.NoError(t, err)
	_ = res.Body.Close()
	return res
}

func (s *site) csrfToken(t *testing.T) string {
	t.Helper()
	res, body := s.get(t, "/")
	require.Equal(t, http.StatusOK, res.StatusCode)
	m := csrfMeta.FindStringSubmatch(body)
	require.Len(t, m, 2, "landing page carries a csrf token")
	return m[1]
}

func TestLandingSetsSessionAndSecurityHeaders(t *testing.T) {
	s := newSite(t, 0)
	res, body := s.get(t, "/")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "DENY", res.Header.Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", res.Header.Get("X-Content-Type-Options"))
	assert.Contains(t, body, `name="csrf-token"`)

	u, _ := url.Parse(s.server.URL)
	var names []string
	for _, c := range s.client.Jar.Cookies(u) {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "eventsite_session")
}

func TestPostsRequireCSRFToken(t *testing.T) {
	s := newSite(t, 0)
	token := s.csrfToken(t)

	res := s.postForm(t, "/auth/dialog/open", url.Values{"mode": {"default"}})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = s.postForm(t, "/auth/dialog/open", url.Values{"mode": {"default"}, shared.CSRFFormField: {token}})
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
}

func TestOversizedBodyIsRejected(t *testing.T) {
	s := newSite(t, 1024)
	s.csrfToken(t)
	res := s.postForm(t, "/auth/login", url.Values{"email": {strings.Repeat("a", 4096)}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, res.StatusCode)
}

func TestChatAcceptsHeaderToken(t *testing.T) {
	s := newSite(t, 0)
	token := s.csrfToken(t)
	req, err := http.NewRequest(http.MethodPost, s.server.URL+"/api/chat", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-CSRF-Token", token)
	res, err := s.client.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
}

func TestOperationalEndpoints(t *testing.T) {
	s := newSite(t, 0)

	res, body := s.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	res, body = s.get(t, "/jobs/health")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, `"queue":"default"`)

	s.get(t, "/")
	res, body = s.get(t, "/metrics")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, body, "eventsite_portal_clients")

	res, _ = s.get(t, "/static/js/site.js")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "public, max-age=3600", res.Header.Get("Cache-Control"))
}
