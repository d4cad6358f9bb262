// Package render produces the defines file recorded with every build: the
// variables handed to the toolchain, written so a shell can source them to
// reproduce the build by hand.
package render

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Engine renders the embedded templates.
type Engine struct {
	templates *template.Template
}

// New parses every embedded template.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{
		"shellQuote": ShellQuote,
		"oneLine":    OneLine,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with data.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", errors.New("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ShellQuote wraps s in single quotes for a POSIX shell. Embedded single
// quotes become '\''.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// OneLine flattens s for use inside a comment line.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
