package server

import (
	"bytes"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/hazyhaar/litepub/store"
)

var listingTmpl = template.Must(template.New("listing").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8"/>
<title>Directory listing for /{{.Path}}</title>
<style>body { font-family: serif; margin: 2em; } li { margin: 0.2em 0; }</style>
</head>
<body>
<h1>Directory listing for /{{.Path}}</h1>
<hr/>
<ul>
{{- if .Parent}}
<li><a href="../">..</a></li>
{{- end}}
{{- range .Entries}}
<li><a href="{{.Href}}">{{.Name}}</a>{{if .EpubHref}} <a href="{{.EpubHref}}">[epub]</a>{{end}}</li>
{{- end}}
</ul>
<hr/>
</body>
</html>
`))

type listingEntry struct {
	Name     string
	Href     string
	EpubHref string
}

type listingData struct {
	Path    string
	Parent  bool
	Entries []listingEntry
}

// renderListing answers a directory request with a browsable index.
// Markup sources get a second link to their packaged form.
func (s *Server) renderListing(w http.ResponseWriter, r *http.Request, doc *store.Document) {
	// Relative hrefs in the listing resolve against the directory, not
	// its parent, only when the request path ends with a slash.
	if !strings.HasSuffix(r.URL.Path, "/") {
		http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
		return
	}

	entries, err := s.store.List(doc.RelPath)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data := listingData{
		Path:   displayPath(doc.RelPath),
		Parent: doc.RelPath != "",
	}
	for _, e := range entries {
		le := listingEntry{Name: e.Name, Href: url.PathEscape(e.Name)}
		if e.IsDir {
			le.Name += "/"
			le.Href += "/"
		} else if e.Markup {
			le.EpubHref = url.PathEscape(packagedName(e.Name))
		}
		data.Entries = append(data.Entries, le)
	}

	var buf bytes.Buffer
	if err := listingTmpl.Execute(&buf, data); err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func displayPath(rel string) string {
	if rel == "" {
		return ""
	}
	return rel + "/"
}

// packagedName maps a markup file name to its packaged alias.
func packagedName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		return name[:i] + ".epub"
	}
	return name + ".epub"
}
