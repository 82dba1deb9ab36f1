// Package e2e drives the assembled HTTP server against a real content
// tree: markup sources and asset files in a temp directory on one
// side, EPUB archives coming back over the wire on the other. Each
// test covers one delivery chain end to end, including the parts unit
// tests exercise in isolation (resolution, extraction, asset
// embedding, packaging, auth, event recording).
package e2e

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/litepub/server"
)

const articleHTML = `<!DOCTYPE html>
<html>
<head><title>Harbor Light</title></head>
<body>
<nav class="menu"><a href="/">home</a> <a href="/docs/">docs</a></nav>
<main>
<h1>Harbor Light</h1>
<p>The lamp room was rebuilt twice after storms took the glass.</p>
<img src="images/photo.jpg" alt="the lamp room"/>
<img src="https://mirror.example/photo.jpg" alt="mirror copy"/>
<img src="../outside.jpg" alt="leak"/>
</main>
<footer>maintained by the harbor board</footer>
</body>
</html>
`

const handbookXHTML = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE html>
<html xmlns="http://www.w3.org/1999/xhtml">
<head>
<title>Keeper Handbook</title>
<link rel="stylesheet" href="style.css"/>
</head>
<body>
<p>Trim the wick before each lighting.</p>
<img src="images/photo.jpg" alt="lamp"/>
</body>
</html>
`

const jpegBytes = "\xff\xd8\xff\xe0 not a real photograph"

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", name, err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func startServer(t *testing.T, cfg *server.Config) *httptest.Server {
	t.Helper()
	if cfg.RateRPS == 0 {
		cfg.RateRPS = 10000
		cfg.RateBurst = 10000
	}
	srv, err := server.New(cfg)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func fetch(t *testing.T, ts *httptest.Server, path, user, pass string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if user != "" {
		req.SetBasicAuth(user, pass)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, body
}

func unzip(t *testing.T, blob []byte) ([]string, map[string][]byte) {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	names := make([]string, 0, len(zr.File))
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("open %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("read %s: %v", f.Name, err)
		}
		names = append(names, f.Name)
		files[f.Name] = data
	}
	return names, files
}

// opfDoc mirrors the package descriptor closely enough for assertions.
type opfDoc struct {
	Version  string `xml:"version,attr"`
	Metadata struct {
		Identifier struct {
			ID    string `xml:"id,attr"`
			Value string `xml:",chardata"`
		} `xml:"identifier"`
		Title    string `xml:"title"`
		Language string `xml:"language"`
	} `xml:"metadata"`
	Manifest struct {
		Items []struct {
			ID        string `xml:"id,attr"`
			Href      string `xml:"href,attr"`
			MediaType string `xml:"media-type,attr"`
		} `xml:"item"`
	} `xml:"manifest"`
	Spine struct {
		Refs []struct {
			IDRef string `xml:"idref,attr"`
		} `xml:"itemref"`
	} `xml:"spine"`
}

func parseOPF(t *testing.T, data []byte) opfDoc {
	t.Helper()
	var doc opfDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse descriptor: %v", err)
	}
	return doc
}

func TestMarkupDelivery(t *testing.T) {
	root := writeTree(t, map[string]string{
		"article.html":     articleHTML,
		"images/photo.jpg": jpegBytes,
	})
	ts := startServer(t, &server.Config{Root: root})

	resp, body := fetch(t, ts, "/article.epub", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/epub+zip" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("response missing X-Request-ID")
	}

	names, files := unzip(t, body)
	want := []string{
		"mimetype",
		"META-INF/container.xml",
		"content.opf",
		"OEBPS/content.xhtml",
		"OEBPS/photo.jpg",
	}
	if len(names) != len(want) {
		t.Fatalf("entries = %v, want %v", names, want)
	}
	for i, name := range want {
		if names[i] != name {
			t.Fatalf("entry[%d] = %q, want %q", i, names[i], name)
		}
	}
	if got := string(files["mimetype"]); got != "application/epub+zip" {
		t.Fatalf("mimetype entry = %q", got)
	}
	if !strings.Contains(string(files["META-INF/container.xml"]), `full-path="content.opf"`) {
		t.Fatal("container does not point at content.opf")
	}

	opf := parseOPF(t, files["content.opf"])
	if opf.Metadata.Title != "Harbor Light" {
		t.Fatalf("title = %q", opf.Metadata.Title)
	}
	if opf.Metadata.Language != "en" {
		t.Fatalf("language = %q", opf.Metadata.Language)
	}
	if !strings.HasPrefix(opf.Metadata.Identifier.Value, "urn:uuid:") {
		t.Fatalf("identifier = %q", opf.Metadata.Identifier.Value)
	}
	if len(opf.Manifest.Items) != 2 {
		t.Fatalf("manifest items = %d, want 2", len(opf.Manifest.Items))
	}
	if opf.Manifest.Items[1].Href != "OEBPS/photo.jpg" || opf.Manifest.Items[1].MediaType != "image/jpeg" {
		t.Fatalf("asset item = %+v", opf.Manifest.Items[1])
	}
	if len(opf.Spine.Refs) != 1 || opf.Spine.Refs[0].IDRef != "content" {
		t.Fatalf("spine = %+v", opf.Spine.Refs)
	}

	doc := string(files["OEBPS/content.xhtml"])
	if !strings.Contains(doc, "lamp room was rebuilt") {
		t.Fatal("document lost body text")
	}
	if !strings.Contains(doc, `src="photo.jpg"`) {
		t.Fatal("asset reference not rewritten")
	}
	if !strings.Contains(doc, "https://mirror.example/photo.jpg") {
		t.Fatal("remote reference should be untouched")
	}
	if strings.Contains(doc, "outside.jpg") {
		t.Fatal("escaping reference should be removed")
	}
	if strings.Contains(doc, ">home<") || strings.Contains(doc, "harbor board") {
		t.Fatal("boilerplate survived extraction")
	}
	if !bytes.Equal(files["OEBPS/photo.jpg"], []byte(jpegBytes)) {
		t.Fatal("embedded asset bytes differ from source")
	}

	// Repeated and aliased requests deliver the identical archive.
	_, again := fetch(t, ts, "/article.epub", "", "")
	if !bytes.Equal(body, again) {
		t.Fatal("second delivery differs from first")
	}
	_, aliased := fetch(t, ts, "/article.html", "", "")
	if !bytes.Equal(body, aliased) {
		t.Fatal("markup path and package path deliver different archives")
	}
}

func TestPassthroughKeepsDocumentAssets(t *testing.T) {
	root := writeTree(t, map[string]string{
		"handbook.xhtml":   handbookXHTML,
		"style.css":        "body { margin: 2rem auto; }",
		"images/photo.jpg": jpegBytes,
	})
	ts := startServer(t, &server.Config{Root: root})

	resp, body := fetch(t, ts, "/handbook.epub", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	names, files := unzip(t, body)
	want := []string{
		"mimetype",
		"META-INF/container.xml",
		"content.opf",
		"OEBPS/content.xhtml",
		"OEBPS/style.css",
		"OEBPS/photo.jpg",
	}
	for i, name := range want {
		if i >= len(names) || names[i] != name {
			t.Fatalf("entries = %v, want %v", names, want)
		}
	}

	opf := parseOPF(t, files["content.opf"])
	if opf.Metadata.Title != "Keeper Handbook" {
		t.Fatalf("title = %q", opf.Metadata.Title)
	}
	if len(opf.Manifest.Items) != 3 {
		t.Fatalf("manifest items = %d, want 3", len(opf.Manifest.Items))
	}
	if opf.Manifest.Items[1].MediaType != "text/css" {
		t.Fatalf("stylesheet media type = %q", opf.Manifest.Items[1].MediaType)
	}

	doc := string(files["OEBPS/content.xhtml"])
	if !strings.Contains(doc, "Trim the wick") {
		t.Fatal("document body lost")
	}
	if !strings.Contains(doc, `href="style.css"`) {
		t.Fatal("stylesheet reference not rewritten")
	}
	if !strings.Contains(doc, `src="photo.jpg"`) {
		t.Fatal("image reference not rewritten")
	}
}

func TestAccessControl(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("lamp"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	root := writeTree(t, map[string]string{
		"locked/secret.html": "<html><head><title>Secret</title></head><body><main><p>shoal charts</p></main></body></html>",
		"locked/.auth":       "keeper:" + string(hash) + "\n",
	})
	ts := startServer(t, &server.Config{Root: root})

	resp, _ := fetch(t, ts, "/locked/secret.epub", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got != `Basic realm="Litepub"` {
		t.Fatalf("WWW-Authenticate = %q", got)
	}

	resp, _ = fetch(t, ts, "/locked/secret.epub", "keeper", "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong password status = %d, want 401", resp.StatusCode)
	}

	resp, body := fetch(t, ts, "/locked/secret.epub", "keeper", "lamp")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/epub+zip" {
		t.Fatalf("Content-Type = %q", ct)
	}
	_, files := unzip(t, body)
	if !strings.Contains(string(files["OEBPS/content.xhtml"]), "shoal charts") {
		t.Fatal("protected document not delivered after auth")
	}

	// Listings under the guard need the same credentials.
	resp, _ = fetch(t, ts, "/locked/", "", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated listing status = %d, want 401", resp.StatusCode)
	}
	resp, body = fetch(t, ts, "/locked/", "keeper", "lamp")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated listing status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "secret.html") {
		t.Fatal("listing missing guarded file")
	}
}

func TestListings(t *testing.T) {
	root := writeTree(t, map[string]string{
		"article.html":     articleHTML,
		"docs/index.html":  "<html><head><title>Docs</title></head><body><main><p>docs index</p></main></body></html>",
		"notes.txt":        "plain notes",
		"book.epub":        "PK\x03\x04 already packaged",
		"images/photo.jpg": jpegBytes,
		".hidden":          "never listed",
	})
	ts := startServer(t, &server.Config{Root: root})

	resp, body := fetch(t, ts, "/", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("root listing status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("Content-Type = %q", ct)
	}
	page := string(body)
	for _, want := range []string{"article.html", "article.epub", "book.epub", "notes.txt", "docs/"} {
		if !strings.Contains(page, want) {
			t.Fatalf("listing missing %q:\n%s", want, page)
		}
	}
	if strings.Contains(page, "notes.epub") {
		t.Fatal("non-markup file advertised with a package link")
	}
	if strings.Contains(page, ".hidden") {
		t.Fatal("dotfile leaked into listing")
	}

	// Index-less directory paths without the trailing slash redirect
	// before listing.
	noRedirect := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp2, err := noRedirect.Get(ts.URL + "/images")
	if err != nil {
		t.Fatalf("GET /images: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", resp2.StatusCode)
	}
	if loc := resp2.Header.Get("Location"); loc != "/images/" {
		t.Fatalf("Location = %q", loc)
	}

	// A directory with an index converts instead of listing, slash or
	// not.
	for _, path := range []string{"/docs", "/docs/"} {
		resp, _ = fetch(t, ts, path, "", "")
		if ct := resp.Header.Get("Content-Type"); ct != "application/epub+zip" {
			t.Fatalf("GET %s Content-Type = %q", path, ct)
		}
	}
}

func TestPackagedVerbatim(t *testing.T) {
	blob := "PK\x03\x04 pretend archive bytes"
	root := writeTree(t, map[string]string{"book.epub": blob})
	ts := startServer(t, &server.Config{Root: root})

	resp, body := fetch(t, ts, "/book.epub", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/epub+zip" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if string(body) != blob {
		t.Fatal("packaged file modified in transit")
	}

	resp, _ = fetch(t, ts, "/book.html", "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEventsAndStats(t *testing.T) {
	root := writeTree(t, map[string]string{
		"article.html":     articleHTML,
		"images/photo.jpg": jpegBytes,
	})
	ts := startServer(t, &server.Config{
		Root:     root,
		EventsDB: filepath.Join(t.TempDir(), "events.db"),
	})

	fetch(t, ts, "/article.epub", "", "")
	fetch(t, ts, "/article.epub", "", "")
	fetch(t, ts, "/missing.html", "", "")

	type statsBody struct {
		Cache struct {
			Entries int   `json:"entries"`
			Hits    int64 `json:"hits"`
			Misses  int64 `json:"misses"`
		} `json:"cache"`
		Events []struct {
			Outcome   string `json:"outcome"`
			Count     int64  `json:"count"`
			CacheHits int64  `json:"cache_hits"`
		} `json:"events"`
	}

	// Event persistence is async; poll until the flush ticker has run.
	deadline := time.Now().Add(5 * time.Second)
	var stats statsBody
	for {
		_, body := fetch(t, ts, "/-/stats", "", "")
		stats = statsBody{}
		if err := json.Unmarshal(body, &stats); err != nil {
			t.Fatalf("parse stats: %v", err)
		}
		if len(stats.Events) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("events never surfaced in stats: %+v", stats)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if stats.Cache.Entries != 1 || stats.Cache.Misses != 1 || stats.Cache.Hits < 1 {
		t.Fatalf("cache stats = %+v", stats.Cache)
	}
	byOutcome := map[string]int64{}
	for _, oc := range stats.Events {
		byOutcome[oc.Outcome] = oc.Count
	}
	if byOutcome["done"] < 2 {
		t.Fatalf("done events = %d, want >= 2", byOutcome["done"])
	}
	if byOutcome["not_found"] < 1 {
		t.Fatalf("not_found events = %d, want >= 1", byOutcome["not_found"])
	}
}
