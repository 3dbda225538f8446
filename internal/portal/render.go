package portal

import (
	"log/slog"
	"net/http"

	"github.com/gatherly/eventsite/internal/session"
	"github.com/gatherly/eventsite/internal/shared"
	"github.com/gatherly/eventsite/internal/view"
)

// ErrorPage is the data of pages/error.html.
type ErrorPage struct {
	Status  int
	Message string
}

// Renderer renders pages with the browser session's state in the chrome.
type Renderer struct {
	templates     *view.Engine
	csrf          *shared.CSRFManager
	logger        *slog.Logger
	googleEnabled bool
}

// NewRenderer constructs a Renderer.
func NewRenderer(templates *view.Engine, csrf *shared.CSRFManager, logger *slog.Logger, googleEnabled bool) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{templates: templates, csrf: csrf, logger: logger, googleEnabled: googleEnabled}
}

// Page renders name with status. Pending notifications are shown and cleared.
func (rr *Renderer) Page(w http.ResponseWriter, r *http.Request, status int, name, title string, data any) {
	td := rr.TemplateData(r, title, data)
	if err := rr.templates.RenderStatus(w, status, name, td); err != nil {
		rr.logger.Error("render page", slog.String("template", name), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// Error renders the error page.
func (rr *Renderer) Error(w http.ResponseWriter, r *http.Request, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	rr.Page(w, r, status, "pages/error.html", http.StatusText(status), ErrorPage{Status: status, Message: message})
}

// TemplateData assembles the shared template values for r.
func (rr *Renderer) TemplateData(r *http.Request, title string, data any) view.TemplateData {
	sess := shared.SessionFromContext(r.Context())
	td := view.TemplateData{
		Title:         title,
		CurrentPath:   r.URL.Path,
		GoogleEnabled: rr.googleEnabled,
		Data:          data,
		Dialog:        DialogView(session.NewDialog()),
	}
	if sess != nil {
		if token, err := rr.csrf.EnsureToken(r.Context(), sess); err == nil {
			td.CSRFToken = token
		}
		td.Flashes = sess.PopFlashes()
	}
	if c := ClientFromContext(r.Context()); c != nil {
		for _, n := range c.Inbox.Drain() {
			td.Flashes = append(td.Flashes, shared.FlashMessage{Kind: string(n.Kind), Message: n.Message})
		}
		td.Session = SessionView(c.Auth.Snapshot())
		td.Dialog = DialogView(c.Auth.Dialog())
	}
	return td
}

// SessionView converts a snapshot for templates.
func SessionView(s session.Snapshot) view.SessionView {
	v := view.SessionView{
		SignedIn:  s.SignedIn(),
		Privilege: s.Privilege().String(),
		Admin:     s.Privilege() == session.PrivilegeGranted,
	}
	if s.Principal != nil {
		v.Label = s.Principal.Label()
		v.Email = s.Principal.Email
	}
	return v
}

// DialogView converts the dialog state for templates.
func DialogView(d session.Dialog) view.DialogView {
	return view.DialogView{
		Phase:     string(d.Phase),
		Mode:      string(d.Mode),
		Visible:   d.Visible(),
		AdminOnly: d.Mode == session.DialogModeAdminOnly,
	}
}
