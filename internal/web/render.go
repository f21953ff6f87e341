// Package web renders the client's HTML status page.
package web

import (
	"embed"
	"html/template"
	"io"
	"sync"
	"time"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	tmpl = template.Must(template.New("base").ParseFS(tmplFS, "templates/*.html"))
}

// Render writes the named page to w. Pages define "content" and are wrapped
// by base; data is enriched with Now.
func Render(w io.Writer, name string, data map[string]any) error {
	once.Do(load)
	if data == nil {
		data = map[string]any{}
	}
	data["Now"] = time.Now().Format(time.RFC822)
	return tmpl.ExecuteTemplate(w, name, data)
}
