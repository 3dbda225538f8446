package registrationhttp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatherly/eventsite/internal/docstore"
	"github.com/gatherly/eventsite/internal/identity"
	"github.com/gatherly/eventsite/internal/portal"
	"github.com/gatherly/eventsite/internal/registration"
	"github.com/gatherly/eventsite/internal/session"
	"github.com/gatherly/eventsite/internal/shared"
	"github.com/gatherly/eventsite/internal/view"
	_ "github.com/gatherly/eventsite/testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type putCall struct {
	key         string
	contentType string
	body        []byte
}

type fakeBlobs struct {
	mu      sync.Mutex
	puts    []putCall
	deletes []string
}

func (f *fakeBlobs) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	f.deletes = append(f.deletes, key)
	f.mu.Unlock()
	return nil
}

func (f *fakeBlobs) Put(_ context.Context, key, contentType string, body io.Reader) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.puts = append(f.puts, putCall{key, contentType, raw})
	f.mu.Unlock()
	return nil
}

func (f *fakeBlobs) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blobs.example/" + key + "?sig=1", nil
}

type fakeAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (f *fakeAudit) Record(_ context.Context, log shared.AuditLog) error {
	f.mu.Lock()
	f.logs = append(f.logs, log)
	f.mu.Unlock()
	return nil
}

// rejectingStore fails inserts while insertErr is set.
type rejectingStore struct {
	*docstore.MemoryStore
	mu        sync.Mutex
	insertErr error
}

func (s *rejectingStore) Insert(ctx context.Context, collection string, data map[string]any) (string, error) {
	s.mu.Lock()
	err := s.insertErr
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	return s.MemoryStore.Insert(ctx, collection, data)
}

func (s *rejectingStore) rejectInserts(err error) {
	s.mu.Lock()
	s.insertErr = err
	s.mu.Unlock()
}

type env struct {
	handler  *Handler
	router   http.Handler
	registry *portal.Registry
	sessions *shared.SessionManager
	svc      *identity.Service
	store    *docstore.MemoryStore
	backing  *rejectingStore
	blobs    *fakeBlobs
	audit    *fakeAudit
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := identity.NewHub()
	svc := identity.NewService(identity.ServiceConfig{
		Repo:      identity.NewMemoryRepository(),
		Tokens:    identity.NewTokenIssuer("id-secret", time.Hour),
		Publisher: hub,
	})
	store := docstore.NewMemoryStore()
	backing := &rejectingStore{MemoryStore: store}
	registry := portal.NewRegistry(portal.Config{
		Identity:       svc,
		Hub:            hub,
		Store:          backing,
		ResolveTimeout: time.Second,
	})
	t.Cleanup(registry.Close)

	engine, err := view.NewEngine()
	require.NoError(t, err)
	renderer := portal.NewRenderer(engine, shared.NewCSRFManager("csrf"), nil, false)
	blobs := &fakeBlobs{}
	audit := &fakeAudit{}
	h := NewHandler(Config{Renderer: renderer, Blobs: blobs, Audit: audit, PageSize: 2})
	router := chi.NewRouter()
	h.MountRoutes(router)
	return &env{
		handler:  h,
		router:   registry.Middleware(router),
		registry: registry,
		sessions: shared.NewSessionManager(client, "eventsite_session", "secret", time.Hour, false),
		svc:      svc,
		store:    store,
		backing:  backing,
		blobs:    blobs,
		audit:    audit,
	}
}

func (e *env) account(t *testing.T, email string, admin bool) string {
	t.Helper()
	acct, err := e.svc.CreateAccount(context.Background(), email, "password123")
	require.NoError(t, err)
	_, err = e.svc.MarkEmailVerified(context.Background(), acct.UID)
	require.NoError(t, err)
	if admin {
		_, err = e.svc.SetAdmin(context.Background(), acct.UID, true)
		require.NoError(t, err)
	}
	return acct.UID
}

func (e *env) session(t *testing.T, uid string) *shared.Session {
	t.Helper()
	sess, err := e.sessions.Load(context.Background(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	sess.SetUID(uid)
	return sess
}

func (e *env) do(sess *shared.Session, req *http.Request) *httptest.ResponseRecorder {
	req = req.WithContext(shared.ContextWithSession(req.Context(), sess))
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func (e *env) seed(t *testing.T, names ...string) []string {
	t.Helper()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ids := make([]string, 0, len(names))
	for i, name := range names {
		at := base.Add(time.Duration(i) * time.Hour)
		e.store.SetClock(func() time.Time { return at })
		id, err := e.store.Insert(context.Background(), registration.Collection, map[string]any{
			registration.FieldFullName:    name,
			registration.FieldEmail:       strings.ToLower(name) + "@example.com",
			registration.FieldPhone:       "555-0100",
			registration.FieldCategory:    "student",
			registration.FieldSubmittedAt: docstore.ServerTimestamp,
			registration.FieldOwnerID:     "u-" + name,
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func (e *env) docs(t *testing.T) []docstore.Document {
	t.Helper()
	sub, err := e.store.Subscribe(context.Background(), docstore.Query{Collection: registration.Collection})
	require.NoError(t, err)
	defer sub.Close()
	select {
	case snap := <-sub.C:
		return snap.Docs
	case <-time.After(time.Second):
		t.Fatal("no snapshot")
	}
	return nil
}

func TestDashboardListsSearchesAndPaginates(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "Ada", "Grace", "Linus")
	sess := e.session(t, e.account(t, "org@example.com", true))

	rr := e.do(sess, httptest.NewRequest(http.MethodGet, "/admin/registrations", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "Linus")
	assert.Contains(t, body, "Grace")
	assert.NotContains(t, body, "<td>Ada</td>", "third entry is on page two")
	assert.Contains(t, body, `data-summary="total">3<`)

	rr = e.do(sess, httptest.NewRequest(http.MethodGet, "/admin/registrations?page=2", nil))
	assert.Contains(t, rr.Body.String(), "<td>Ada</td>")

	rr = e.do(sess, httptest.NewRequest(http.MethodGet, "/admin/registrations?q=GRACE", nil))
	body = rr.Body.String()
	assert.Contains(t, body, "<td>Grace</td>")
	assert.NotContains(t, body, "<td>Linus</td>")
}

func TestDashboardForbiddenOpensAdminDialog(t *testing.T) {
	e := newEnv(t)
	sess := e.session(t, e.account(t, "guest@example.com", false))

	rr := e.do(sess, httptest.NewRequest(http.MethodGet, "/admin/registrations", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "Organisers only")

	c, err := e.registry.Acquire(sess.ID, sess.UID())
	require.NoError(t, err)
	assert.Equal(t, session.DialogModeAdminOnly, c.Auth.Dialog().Mode)
	assert.Empty(t, c.Registrations.Entries())
}

func TestDashboardUnresolvedRendersLoading(t *testing.T) {
	e := newEnv(t)
	e.handler.settle = 10 * time.Millisecond
	inbox := portal.NewInbox(nil)
	auth := session.NewAuthority(session.Config{Notifier: inbox})
	c := &portal.Client{
		SessionID:     "pending",
		Auth:          auth,
		Registrations: registration.NewSynchronizer(registration.Config{Principals: auth, Notifier: inbox}),
		Inbox:         inbox,
	}
	sess := e.session(t, "")
	req := httptest.NewRequest(http.MethodGet, "/admin/registrations", nil)
	req = req.WithContext(portal.ContextWithClient(shared.ContextWithSession(req.Context(), sess), c))
	rr := httptest.NewRecorder()
	e.handler.dashboard(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Checking your access")
}

func multipartForm(t *testing.T, fields map[string]string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if file != nil {
		fw, err := mw.CreateFormFile("paymentScreenshot", "proof.png")
		require.NoError(t, err)
		_, err = fw.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func validFields() map[string]string {
	return map[string]string{
		"fullName":              "Ada Lovelace",
		"email":                 "ada@example.com",
		"phone":                 "555-0101",
		"registrationType":      "family",
		"numberOfFamilyMembers": "3",
		"termsAccepted":         "true",
	}
}

func TestSubmitUploadsProofAndStoresEntry(t *testing.T) {
	e := newEnv(t)
	uid := e.account(t, "ada@example.com", false)
	sess := e.session(t, uid)

	body, contentType := multipartForm(t, validFields(), pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/register", body)
	req.Header.Set("Content-Type", contentType)
	rr := e.do(sess, req)
	require.Equal(t, http.StatusSeeOther, rr.Code, rr.Body.String())
	assert.Equal(t, "/", rr.Header().Get("Location"))

	require.Len(t, e.blobs.puts, 1)
	put := e.blobs.puts[0]
	assert.True(t, strings.HasPrefix(put.key, "payment-proofs/"))
	assert.Equal(t, "image/png", put.contentType)
	assert.Equal(t, pngHeader, put.body)

	docs := e.docs(t)
	require.Len(t, docs, 1)
	data := docs[0].Data
	assert.Equal(t, "proof.png", data[registration.FieldPaymentScreenshotFilename])
	assert.Equal(t, put.key, data[registration.FieldPaymentScreenshotKey])
	assert.Equal(t, uid, data[registration.FieldOwnerID])
	assert.Equal(t, 3, data[registration.FieldFamilyMembers])

	flashes := sess.PopFlashes()
	require.Len(t, flashes, 1)
	assert.Equal(t, "Thank you for registering, Ada Lovelace!", flashes[0].Message)
}

func TestSubmitFailureDiscardsUploadedProof(t *testing.T) {
	e := newEnv(t)
	sess := e.session(t, e.account(t, "ada@example.com", false))
	e.backing.rejectInserts(errors.New("connection refused"))

	body, contentType := multipartForm(t, validFields(), pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/register", body)
	req.Header.Set("Content-Type", contentType)
	rr := e.do(sess, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Len(t, e.blobs.puts, 1)
	assert.Equal(t, []string{e.blobs.puts[0].key}, e.blobs.deletes)
	assert.Empty(t, e.docs(t))
}

func TestSubmitRejectsInvalidInputBeforeUpload(t *testing.T) {
	e := newEnv(t)
	sess := e.session(t, e.account(t, "ada@example.com", false))

	fields := validFields()
	fields["numberOfFamilyMembers"] = "11"
	body, contentType := multipartForm(t, fields, pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/register", body)
	req.Header.Set("Content-Type", contentType)
	rr := e.do(sess, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "between 1 and 10")
	assert.Contains(t, rr.Body.String(), `value="Ada Lovelace"`)
	assert.Empty(t, e.blobs.puts)
	assert.Empty(t, e.docs(t))
}

func TestSubmitRejectsUnsupportedProof(t *testing.T) {
	e := newEnv(t)
	sess := e.session(t, e.account(t, "ada@example.com", false))

	body, contentType := multipartForm(t, validFields(), []byte("#!/bin/sh\necho hi\n"))
	req := httptest.NewRequest(http.MethodPost, "/register", body)
	req.Header.Set("Content-Type", contentType)
	rr := e.do(sess, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "Upload a PNG, JPEG, WebP or PDF file.")
	assert.Empty(t, e.docs(t))
}

func TestSubmitSignedOutOpensDialog(t *testing.T) {
	e := newEnv(t)
	sess := e.session(t, "")

	form := url.Values{}
	for k, v := range validFields() {
		form.Set(k, v)
	}
	req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := e.do(sess, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "Please sign in before submitting a registration.")
	c, err := e.registry.Acquire(sess.ID, "")
	require.NoError(t, err)
	assert.True(t, c.Auth.Dialog().Visible())
	assert.Empty(t, e.docs(t))
}

func TestEditUpdateAndDelete(t *testing.T) {
	e := newEnv(t)
	ids := e.seed(t, "Ada")
	adminUID := e.account(t, "org@example.com", true)
	sess := e.session(t, adminUID)

	rr := e.do(sess, httptest.NewRequest(http.MethodGet, "/admin/registrations/"+ids[0]+"/edit", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `value="Ada"`)

	rr = e.do(sess, httptest.NewRequest(http.MethodGet, "/admin/registrations/missing/edit", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	form := url.Values{
		"fullName":              {"Ada King"},
		"email":                 {"ada@example.com"},
		"phone":                 {"555-0100"},
		"registrationType":      {"family"},
		"numberOfFamilyMembers": {"0"},
	}
	post := func(path string, form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		return e.do(sess, req)
	}
	rr = post("/admin/registrations/"+ids[0], form)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Contains(t, rr.Body.String(), "between 1 and 10")

	form.Set("numberOfFamilyMembers", "4")
	rr = post("/admin/registrations/"+ids[0], form)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	stored, ok := e.store.Get(registration.Collection, ids[0])
	require.True(t, ok)
	assert.Equal(t, "Ada King", stored[registration.FieldFullName])
	assert.Equal(t, 4, stored[registration.FieldFamilyMembers])

	rr = post("/admin/registrations/"+ids[0]+"/delete", url.Values{})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	_, ok = e.store.Get(registration.Collection, ids[0])
	assert.False(t, ok)

	require.Len(t, e.audit.logs, 2)
	assert.Equal(t, "registration.update", e.audit.logs[0].Action)
	assert.Equal(t, "registration.delete", e.audit.logs[1].Action)
	assert.Equal(t, adminUID, e.audit.logs[1].Actor)
	assert.Equal(t, ids[0], e.audit.logs[1].EntityID)
}

func TestProofRedirectsToPresignedLink(t *testing.T) {
	e := newEnv(t)
	id, err := e.store.Insert(context.Background(), registration.Collection, map[string]any{
		registration.FieldFullName:                  "Ada",
		registration.FieldCategory:                  "student",
		registration.FieldPaymentScreenshotFilename: "proof.png",
		registration.FieldPaymentScreenshotKey:      "payment-proofs/abc-proof.png",
		registration.FieldSubmittedAt:               docstore.ServerTimestamp,
	})
	require.NoError(t, err)
	sess := e.session(t, e.account(t, "org@example.com", true))

	rr := e.do(sess, httptest.NewRequest(http.MethodGet, "/admin/registrations/"+id+"/proof", nil))
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://blobs.example/payment-proofs/abc-proof.png?sig=1", rr.Header().Get("Location"))
}

func TestStreamPushesStateAndDenies(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "Ada")
	sess := e.session(t, e.account(t, "org@example.com", true))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.router.ServeHTTP(w, r.WithContext(shared.ContextWithSession(r.Context(), sess)))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/admin/registrations/stream", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	lines := bufio.NewScanner(res.Body)
	next := func() (string, string) {
		var event string
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				return event, strings.TrimPrefix(line, "data: ")
			}
		}
		return "", ""
	}

	for {
		event, data := next()
		require.Equal(t, "state", event)
		if strings.Contains(data, `"loading":false`) {
			assert.Contains(t, data, `"total":1`)
			break
		}
	}

	c, err := e.registry.Acquire(sess.ID, sess.UID())
	require.NoError(t, err)
	_, err = e.svc.SetAdmin(context.Background(), sess.UID(), false)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.Auth.Snapshot().Privilege() == session.PrivilegeDenied
	}, time.Second, 5*time.Millisecond)

	for {
		event, _ := next()
		if event == "denied" || event == "" {
			assert.Equal(t, "denied", event)
			break
		}
	}
}
