// Package web bundles the page templates and browser assets into the binary.
package web

import (
	"embed"
	"io/fs"
)

//go:embed templates/layouts/*.html templates/partials/*.html templates/pages/*.html
var templates embed.FS

//go:embed static
var static embed.FS

// TemplatePatterns are the glob patterns parsed by the view engine, layouts first.
var TemplatePatterns = []string{"templates/layouts/*.html", "templates/partials/*.html", "templates/pages/*.html"}

// Templates returns the embedded template tree.
func Templates() fs.FS { return templates }

// Static returns the asset tree rooted at static/, ready for http.FS.
func Static() (fs.FS, error) { return fs.Sub(static, "static") }
