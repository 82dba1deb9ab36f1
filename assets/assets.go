// Package assets resolves local resources referenced by a document,
// reads their bytes, and rewrites references to package-local names.
//
// Only embeddable references are touched: image and media sources and
// stylesheet links. Navigational hyperlinks are left as written so
// converted documents can still link to each other. A reference that
// cannot be embedded (escapes the content root, names a hidden file,
// or is unreadable) is removed from the document and counted; it never
// fails the request.
package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/litepub/extract"
)

// documentName is reserved for the package's main document entry;
// no asset may claim it.
const documentName = "content.xhtml"

// DefaultMaxAssetBytes caps how much of a single asset is read.
const DefaultMaxAssetBytes int64 = 32 << 20

// Asset is one embeddable resource, deduplicated by resolved path.
type Asset struct {
	Ref       string // reference as written in the document
	AbsPath   string // canonical absolute path
	LocalName string // package-local name, unique per document
	MediaType string
	Data      []byte
}

// Result carries the rewritten document and its assets in first-seen
// order.
type Result struct {
	XHTML   []byte
	Assets  []*Asset
	Dropped int // references removed because they could not be embedded
}

// Resolver resolves references against source directories while
// confining every asset to one content root.
type Resolver struct {
	root     string // canonical absolute content root
	maxBytes int64
	logger   *slog.Logger
}

// Option customises a Resolver.
type Option func(*Resolver)

// WithMaxAssetBytes overrides DefaultMaxAssetBytes.
func WithMaxAssetBytes(n int64) Option {
	return func(r *Resolver) { r.maxBytes = n }
}

// WithLogger sets the logger used for dropped-reference diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a Resolver confined to root, which must be a canonical
// absolute path.
func New(root string, opts ...Option) *Resolver {
	r := &Resolver{
		root:     root,
		maxBytes: DefaultMaxAssetBytes,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve scans the document for embeddable references, resolving each
// against baseDir (the source document's directory). References
// starting with a slash resolve against the content root instead,
// matching how the file would be addressed over the wire.
func (r *Resolver) Resolve(ctx context.Context, xhtml []byte, baseDir string) (*Result, error) {
	gdoc, err := goquery.NewDocumentFromReader(bytes.NewReader(xhtml))
	if err != nil {
		return nil, fmt.Errorf("assets: parse document: %w", err)
	}

	res := &Result{}
	byPath := make(map[string]*Asset)
	taken := map[string]bool{documentName: true}

	var ctxErr error
	gdoc.Find("[src], link[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if err := ctx.Err(); err != nil {
			ctxErr = err
			return false
		}

		attr := "src"
		if sel.Is("link") {
			if !isStylesheetLink(sel) {
				return true
			}
			attr = "href"
		}
		ref, ok := sel.Attr(attr)
		if !ok || strings.TrimSpace(ref) == "" {
			return true
		}

		local, drop := r.embed(ref, baseDir, byPath, taken, res)
		switch {
		case drop:
			sel.Remove()
			res.Dropped++
		case local != "":
			sel.SetAttr(attr, local)
		}
		return true
	})
	if ctxErr != nil {
		return nil, ctxErr
	}

	var buf bytes.Buffer
	if err := extract.WriteDocument(&buf, gdoc.Get(0)); err != nil {
		return nil, fmt.Errorf("assets: serialize document: %w", err)
	}
	res.XHTML = buf.Bytes()
	return res, nil
}

// embed resolves one reference. It returns the package-local name to
// rewrite to ("" leaves the reference untouched) or drop = true when
// the reference must be removed.
func (r *Resolver) embed(ref, baseDir string, byPath map[string]*Asset, taken map[string]bool, res *Result) (local string, drop bool) {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		r.dropped(ref, "unparseable reference")
		return "", true
	}
	if u.Scheme != "" || u.Host != "" {
		return "", false // remote or data URI, embedded readers fetch or inline it
	}
	rel := u.Path
	if rel == "" {
		return "", false // fragment or query only
	}
	for _, seg := range strings.Split(rel, "/") {
		if len(seg) > 1 && seg != ".." && strings.HasPrefix(seg, ".") {
			r.dropped(ref, "hidden path segment")
			return "", true
		}
	}

	anchor := baseDir
	if strings.HasPrefix(rel, "/") {
		anchor = r.root
	}
	abs := filepath.Join(anchor, filepath.FromSlash(rel))

	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.dropped(ref, "missing file")
		} else {
			r.dropped(ref, "unresolvable file")
		}
		return "", true
	}
	if canon != r.root && !strings.HasPrefix(canon, r.root+string(filepath.Separator)) {
		r.dropped(ref, "escapes content root")
		return "", true
	}

	if existing, ok := byPath[canon]; ok {
		return existing.LocalName, false
	}

	data, err := r.readCapped(canon)
	if err != nil {
		r.dropped(ref, err.Error())
		return "", true
	}

	asset := &Asset{
		Ref:       ref,
		AbsPath:   canon,
		LocalName: claimName(filepath.Base(canon), taken),
		MediaType: MediaType(canon, data),
		Data:      data,
	}
	byPath[canon] = asset
	res.Assets = append(res.Assets, asset)
	return asset.LocalName, false
}

func (r *Resolver) readCapped(abs string) ([]byte, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, fmt.Errorf("unreadable file")
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, r.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("unreadable file")
	}
	if int64(len(data)) > r.maxBytes {
		return nil, fmt.Errorf("exceeds size limit")
	}
	return data, nil
}

func (r *Resolver) dropped(ref, reason string) {
	r.logger.Warn("asset reference dropped", "ref", ref, "reason", reason)
}

// claimName derives a package-local name from base and reserves it.
// Colliding names take a numeric suffix in first-seen order, so
// repeated conversions of one source yield identical names.
func claimName(base string, taken map[string]bool) string {
	name := sanitizeName(base)
	if !taken[name] {
		taken[name] = true
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, i, ext)
		if !taken[candidate] {
			taken[candidate] = true
			return candidate
		}
	}
}

// sanitizeName confines a file name to portable archive-entry
// characters.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "asset"
	}
	return out
}

func isStylesheetLink(sel *goquery.Selection) bool {
	rel, _ := sel.Attr("rel")
	for _, token := range strings.Fields(rel) {
		if strings.EqualFold(token, "stylesheet") {
			return true
		}
	}
	return false
}
