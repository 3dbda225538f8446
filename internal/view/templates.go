package view

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/gatherly/eventsite/internal/shared"
	"github.com/gatherly/eventsite/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
}

// SessionView is the signed-in state shown in the page chrome.
type SessionView struct {
	SignedIn  bool
	Label     string
	Email     string
	Privilege string
	Admin     bool
}

// DialogView is the sign-in dialog state.
type DialogView struct {
	Phase     string
	Mode      string
	Visible   bool
	AdminOnly bool
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title         string
	CSRFToken     string
	Flashes       []shared.FlashMessage
	CurrentPath   string
	Session       SessionView
	Dialog        DialogView
	GoogleEnabled bool
	Data          any
}

var titleCaser = cases.Title(language.English)

// NewEngine parses the embedded templates.
func NewEngine() (*Engine, error) {
	funcMap := template.FuncMap{
		"formatDate": func(t time.Time) string {
			if t.IsZero() {
				return ""
			}
			return t.Format("02 Jan 2006 15:04")
		},
		"title": func(s string) string {
			return titleCaser.String(strings.ReplaceAll(s, "_", " "))
		},
		"add": func(a, b int) int { return a + b },
		"deref": func(n *int) string {
			if n == nil {
				return ""
			}
			return fmt.Sprint(*n)
		},
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates(), web.TemplatePatterns...)
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl}, nil
}

// Render executes a named template with TemplateData and a 200 status.
func (e *Engine) Render(w http.ResponseWriter, name string, data TemplateData) error {
	return e.RenderStatus(w, http.StatusOK, name, data)
}

// RenderStatus executes a named template and writes it with status. Nothing is
// written when execution fails.
func (e *Engine) RenderStatus(w http.ResponseWriter, status int, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	var buf bytes.Buffer
	if err := e.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, err := buf.WriteTo(w)
	return err
}
