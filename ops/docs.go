package ops

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"
	"gopkg.in/yaml.v3"
)

//go:embed docs/*.md
var docsFS embed.FS

// pageShell wraps the rendered help page. Kept inline; the surface is a
// single page, not a docs site.
const pageShell = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 48rem; margin: 2rem auto; padding: 0 1rem; color: #222; }
code, pre { background: #f4f4f4; border-radius: 3px; padding: 0.1rem 0.3rem; }
pre { padding: 0.6rem; overflow-x: auto; }
table { border-collapse: collapse; }
td, th { border: 1px solid #ccc; padding: 0.3rem 0.6rem; }
footer { margin-top: 2rem; color: #888; font-size: 0.85rem; }
</style>
</head>
<body>
{{.Content}}
<footer>echo-core {{.Version}}</footer>
</body>
</html>`

type docPage struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
	Content     template.HTML
	Version     string
}

// Docs renders the embedded help page served at the root path.
type Docs struct {
	tmpl    *template.Template
	page    docPage
	version string
}

// NewDocs parses the embedded help markdown and prepares the page template.
func NewDocs(version string) (*Docs, error) {
	tmpl, err := template.New("page").Parse(pageShell)
	if err != nil {
		return nil, err
	}

	raw, err := docsFS.ReadFile("docs/help.md")
	if err != nil {
		return nil, err
	}

	page := docPage{Version: version}
	if bytes.HasPrefix(raw, []byte("---\n")) {
		parts := bytes.SplitN(raw[4:], []byte("\n---\n"), 2)
		if len(parts) == 2 {
			if err := yaml.Unmarshal(parts[0], &page); err != nil {
				return nil, err
			}
			raw = parts[1]
		}
	}

	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM, extension.Table),
		goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		goldmark.WithRendererOptions(html.WithUnsafe()),
	)
	var buf bytes.Buffer
	if err := md.Convert(raw, &buf); err != nil {
		return nil, err
	}
	page.Content = template.HTML(buf.String())

	return &Docs{tmpl: tmpl, page: page, version: version}, nil
}

// ServeIndex renders the help page.
func (d *Docs) ServeIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := d.tmpl.Execute(w, d.page); err != nil {
		http.Error(w, "Template error", http.StatusInternalServerError)
	}
}
