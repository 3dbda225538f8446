package registrationhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatherly/eventsite/internal/platform/blob"
	"github.com/gatherly/eventsite/internal/portal"
	"github.com/gatherly/eventsite/internal/registration"
	"github.com/gatherly/eventsite/internal/session"
	"github.com/gatherly/eventsite/internal/shared"
)

const (
	defaultPageSize = 20
	maxUploadBytes  = 5 << 20
	proofLinkTTL    = 5 * time.Minute
	settleTimeout   = 2 * time.Second
	proofPrefix     = "payment-proofs"
)

var allowedProofTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/webp":      true,
	"application/pdf": true,
}

// BlobStore keeps uploaded payment proofs. *blob.S3Store implements it.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) error
	Delete(ctx context.Context, key string) error
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// AuditRecorder records administrator changes. *shared.AuditLogger implements it.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Config wires a Handler. Blobs and Audit are optional.
type Config struct {
	Logger   *slog.Logger
	Renderer *portal.Renderer
	Blobs    BlobStore
	Audit    AuditRecorder
	PageSize int
}

// Handler serves the registration form and the admin dashboard.
type Handler struct {
	logger    *slog.Logger
	render    *portal.Renderer
	blobs     BlobStore
	audit     AuditRecorder
	pageSize  int
	settle    time.Duration
	validator *validator.Validate
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("form"), ",")
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Handler{
		logger:    logger,
		render:    cfg.Renderer,
		blobs:     cfg.Blobs,
		audit:     cfg.Audit,
		pageSize:  pageSize,
		settle:    settleTimeout,
		validator: v,
	}
}

type registerPage struct {
	Form          registration.FormValues
	FamilyMembers string
	Errors        map[string]string
	Categories    []registration.Category
	MinFamily     int
	MaxFamily     int
}

type dashboardPage struct {
	Entries    []registration.Entry
	Query      string
	Pagination shared.Pagination
	Summary    registration.Summary
	Categories []registration.Category
	Error      string
}

type editPage struct {
	Entry         registration.Entry
	FamilyMembers string
	Errors        map[string]string
	Categories    []registration.Category
}

type editForm struct {
	FullName string `form:"fullName" validate:"required,max=200"`
	Email    string `form:"email" validate:"required,email,max=320"`
	Phone    string `form:"phone" validate:"required,min=5,max=40"`
}

func (h *Handler) client(w http.ResponseWriter, r *http.Request) (*portal.Client, bool) {
	c := portal.ClientFromContext(r.Context())
	if c == nil {
		h.logger.Error("portal client missing", slog.String("path", r.URL.Path))
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return nil, false
	}
	return c, true
}

// resolved waits briefly for the Authority's first resolution.
func (h *Handler) resolved(ctx context.Context, c *portal.Client) session.Snapshot {
	return portal.Resolved(ctx, c, h.settle)
}

// settled waits briefly for the collection to leave the loading state.
func (h *Handler) settled(ctx context.Context, c *portal.Client) registration.State {
	if st := c.Registrations.State(); !st.Loading {
		return st
	}
	ctx, cancel := context.WithTimeout(ctx, h.settle)
	defer cancel()
	for st := range c.Registrations.Watch(ctx) {
		if !st.Loading {
			return st
		}
	}
	return c.Registrations.State()
}

// requireAdmin renders the loading or forbidden page unless the principal is
// a resolved administrator.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) (*portal.Client, bool) {
	return h.render.RequireAdmin(w, r, h.settle)
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, c *portal.Client, target string) {
	c.Inbox.DrainInto(shared.SessionFromContext(r.Context()))
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) showRegister(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.client(w, r); !ok {
		return
	}
	h.renderRegister(w, r, http.StatusOK, registration.FormValues{}, "", nil)
}

func (h *Handler) renderRegister(w http.ResponseWriter, r *http.Request, status int, form registration.FormValues, family string, errs map[string]string) {
	if errs == nil {
		errs = map[string]string{}
	}
	h.render.Page(w, r, status, "pages/register.html", "Register", registerPage{
		Form:          form,
		FamilyMembers: family,
		Errors:        errs,
		Categories:    registration.Categories(),
		MinFamily:     registration.MinFamilyMembers,
		MaxFamily:     registration.MaxFamilyMembers,
	})
}

func (h *Handler) submitRegister(w http.ResponseWriter, r *http.Request) {
	c, ok := h.client(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes+(1<<20))
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.renderRegister(w, r, http.StatusRequestEntityTooLarge, registration.FormValues{}, "", map[string]string{
				"paymentScreenshot": fmt.Sprintf("Uploads are limited to %d MB.", maxUploadBytes>>20),
			})
			return
		}
		h.render.Error(w, r, http.StatusBadRequest, "The form could not be read.")
		return
	}

	family := strings.TrimSpace(r.FormValue(registration.FieldFamilyMembers))
	form := registration.FormValues{
		FullName:      r.FormValue(registration.FieldFullName),
		Email:         r.FormValue(registration.FieldEmail),
		Phone:         r.FormValue(registration.FieldPhone),
		Category:      registration.Category(strings.TrimSpace(r.FormValue(registration.FieldCategory))),
		Address:       r.FormValue(registration.FieldAddress),
		Expectations:  r.FormValue(registration.FieldExpectations),
		TermsAccepted: r.FormValue(registration.FieldTermsAccepted) == "true",
	}
	if form.Category == registration.CategoryFamily {
		n, err := registration.ParseFamilyMembers(family)
		if err != nil {
			h.renderRegister(w, r, http.StatusUnprocessableEntity, form, family, map[string]string{
				registration.FieldFamilyMembers: "Number of family members must be a number.",
			})
			return
		}
		form.FamilyMembers = n
	}

	if !h.resolved(r.Context(), c).SignedIn() {
		c.Inbox.Notify(session.Notification{Kind: session.NotifyError, Message: "Please sign in before submitting a registration."})
		c.Auth.OpenDialog(session.DialogModeDefault)
		h.renderRegister(w, r, http.StatusUnauthorized, form, family, nil)
		return
	}

	if verr := registration.Validate(form); verr != nil {
		h.renderRegister(w, r, http.StatusUnprocessableEntity, form, family, validationFields(verr))
		return
	}
	attachment, status, msg := h.storeProof(r)
	if msg != "" {
		h.renderRegister(w, r, status, form, family, map[string]string{"paymentScreenshot": msg})
		return
	}
	form.PaymentScreenshot = attachment

	if _, err := c.Registrations.Submit(r.Context(), form); err != nil {
		h.discardProof(r.Context(), attachment)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, shared.ErrValidation):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, shared.ErrNotAuthenticated):
			status = http.StatusUnauthorized
			c.Auth.OpenDialog(session.DialogModeDefault)
		}
		h.renderRegister(w, r, status, form, family, validationFields(err))
		return
	}
	h.redirect(w, r, c, "/")
}

// storeProof uploads the optional payment proof. Without blob storage only
// the file name is kept. A non-empty message is shown next to the field.
func (h *Handler) storeProof(r *http.Request) (*registration.Attachment, int, string) {
	file, header, err := r.FormFile("paymentScreenshot")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) || (err == nil && header.Filename == "") {
		return nil, 0, ""
	}
	if err != nil {
		return nil, http.StatusBadRequest, "The payment screenshot could not be read."
	}
	defer file.Close()
	if header.Size > maxUploadBytes {
		return nil, http.StatusRequestEntityTooLarge, fmt.Sprintf("Uploads are limited to %d MB.", maxUploadBytes>>20)
	}

	sniff := make([]byte, 512)
	n, _ := io.ReadFull(file, sniff)
	contentType := http.DetectContentType(sniff[:n])
	if i := strings.Index(contentType, ";"); i >= 0 {
		contentType = contentType[:i]
	}
	if !allowedProofTypes[contentType] {
		return nil, http.StatusUnprocessableEntity, "Upload a PNG, JPEG, WebP or PDF file."
	}
	attachment := &registration.Attachment{Name: header.Filename, ContentType: contentType, Size: header.Size}
	if h.blobs == nil {
		return attachment, 0, ""
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil, http.StatusBadRequest, "The payment screenshot could not be read."
	}
	key := blob.ObjectKey(proofPrefix, header.Filename)
	if err := h.blobs.Put(r.Context(), key, contentType, file); err != nil {
		h.logger.Error("upload payment proof", slog.String("key", key), slog.Any("error", err))
		return nil, http.StatusBadGateway, "The payment screenshot could not be uploaded. Try again."
	}
	attachment.Key = key
	return attachment, 0, ""
}

// discardProof removes an uploaded proof whose registration was not stored.
func (h *Handler) discardProof(ctx context.Context, attachment *registration.Attachment) {
	if attachment == nil || attachment.Key == "" || h.blobs == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := h.blobs.Delete(ctx, attachment.Key); err != nil {
		h.logger.Warn("discard payment proof", slog.String("key", attachment.Key), slog.Any("error", err))
	}
}

func validationFields(err error) map[string]string {
	var verr *shared.ValidationError
	if errors.As(err, &verr) {
		return verr.Fields
	}
	return nil
}

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	c, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	st := h.settled(r.Context(), c)
	if st.Loading {
		h.render.Page(w, r, http.StatusOK, "pages/loading.html", "Loading", nil)
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	visible, pagination := h.window(st.Entries, query, page)

	data := dashboardPage{
		Entries:    visible,
		Query:      query,
		Pagination: pagination,
		Summary:    registration.Summarize(st.Entries),
		Categories: registration.Categories(),
	}
	if st.Err != nil {
		data.Error = shared.UserSafeMessage(st.Err)
	}
	h.render.Page(w, r, http.StatusOK, "pages/dashboard.html", "Registrations", data)
}

// window filters entries by query and cuts out one page.
func (h *Handler) window(entries []registration.Entry, query string, page int) ([]registration.Entry, shared.Pagination) {
	filtered := registration.Filter(entries, query)
	pagination := shared.NewPagination(page, h.pageSize, len(filtered))
	start, end := pagination.Bounds()
	return filtered[start:end], pagination
}

func (h *Handler) entry(w http.ResponseWriter, r *http.Request, c *portal.Client) (registration.Entry, bool) {
	st := h.settled(r.Context(), c)
	if st.Loading {
		h.render.Page(w, r, http.StatusOK, "pages/loading.html", "Loading", nil)
		return registration.Entry{}, false
	}
	e, ok := c.Registrations.GetByID(chi.URLParam(r, "id"))
	if !ok {
		h.render.Error(w, r, http.StatusNotFound, "That registration does not exist or was deleted.")
		return registration.Entry{}, false
	}
	return e, true
}

func (h *Handler) edit(w http.ResponseWriter, r *http.Request) {
	c, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	e, ok := h.entry(w, r, c)
	if !ok {
		return
	}
	h.renderEdit(w, r, http.StatusOK, e, familyString(e.FamilyMembers), nil)
}

func (h *Handler) renderEdit(w http.ResponseWriter, r *http.Request, status int, e registration.Entry, family string, errs map[string]string) {
	if errs == nil {
		errs = map[string]string{}
	}
	h.render.Page(w, r, status, "pages/edit.html", "Edit registration", editPage{
		Entry:         e,
		FamilyMembers: family,
		Errors:        errs,
		Categories:    registration.Categories(),
	})
}

func familyString(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	c, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	e, ok := h.entry(w, r, c)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		h.render.Error(w, r, http.StatusBadRequest, "The form could not be read.")
		return
	}

	form := editForm{
		FullName: strings.TrimSpace(r.PostFormValue(registration.FieldFullName)),
		Email:    strings.TrimSpace(r.PostFormValue(registration.FieldEmail)),
		Phone:    strings.TrimSpace(r.PostFormValue(registration.FieldPhone)),
	}
	family := strings.TrimSpace(r.PostFormValue(registration.FieldFamilyMembers))
	edited := e
	edited.FullName, edited.Email, edited.Phone = form.FullName, form.Email, form.Phone
	edited.Category = registration.Category(r.PostFormValue(registration.FieldCategory))
	edited.Address = strings.TrimSpace(r.PostFormValue(registration.FieldAddress))
	edited.Expectations = strings.TrimSpace(r.PostFormValue(registration.FieldExpectations))

	if err := h.validator.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		errs := map[string]string{}
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs[fe.Field()] = fieldMessage(fe.Tag())
			}
		}
		h.renderEdit(w, r, http.StatusUnprocessableEntity, edited, family, errs)
		return
	}

	fields := map[string]any{
		registration.FieldFullName:      form.FullName,
		registration.FieldEmail:         form.Email,
		registration.FieldPhone:         form.Phone,
		registration.FieldCategory:      string(edited.Category),
		registration.FieldFamilyMembers: family,
		registration.FieldAddress:       edited.Address,
		registration.FieldExpectations:  edited.Expectations,
	}
	if err := c.Registrations.Update(r.Context(), e.ID, fields); err != nil {
		if errors.Is(err, shared.ErrValidation) {
			h.renderEdit(w, r, http.StatusUnprocessableEntity, edited, family, validationFields(err))
			return
		}
		h.redirect(w, r, c, "/admin/registrations")
		return
	}
	h.record(r.Context(), c, "registration.update", e.ID, map[string]any{"registrationType": string(edited.Category)})
	h.redirect(w, r, c, "/admin/registrations")
}

func fieldMessage(tag string) string {
	switch tag {
	case "required":
		return "This field is required."
	case "email":
		return "Enter a valid email address."
	}
	return "This value is not valid."
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	c, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := c.Registrations.Delete(r.Context(), id); err == nil {
		h.record(r.Context(), c, "registration.delete", id, nil)
	}
	h.redirect(w, r, c, "/admin/registrations")
}

func (h *Handler) record(ctx context.Context, c *portal.Client, action, id string, meta map[string]any) {
	if h.audit == nil {
		return
	}
	actor := ""
	if p := c.Auth.CurrentPrincipal(); p != nil {
		actor = p.UID
	}
	err := h.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   registration.Collection,
		EntityID: id,
		Meta:     meta,
	})
	if err != nil {
		h.logger.Warn("record audit log", slog.String("action", action), slog.String("id", id), slog.Any("error", err))
	}
}

func (h *Handler) proof(w http.ResponseWriter, r *http.Request) {
	c, ok := h.requireAdmin(w, r)
	if !ok {
		return
	}
	e, ok := h.entry(w, r, c)
	if !ok {
		return
	}
	if e.PaymentScreenshotKey == "" || h.blobs == nil {
		h.render.Error(w, r, http.StatusNotFound, "No payment proof is stored for this registration.")
		return
	}
	link, err := h.blobs.PresignGet(r.Context(), e.PaymentScreenshotKey, proofLinkTTL)
	if err != nil {
		h.logger.Error("presign payment proof", slog.String("id", e.ID), slog.Any("error", err))
		h.render.Error(w, r, http.StatusBadGateway, "The payment proof is unavailable right now.")
		return
	}
	http.Redirect(w, r, link, http.StatusFound)
}
