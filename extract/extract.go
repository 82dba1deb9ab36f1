// Package extract converts raw HTML into sanitized, minimal XHTML
// documents ready for packaging.
//
// The pipeline: parse leniently → strip boilerplate and executable
// elements → select a content root (main landmark, article landmark,
// or the text-densest child of the body) → scrub attributes → wrap in
// a fixed document template. Input already in XHTML form passes
// through unchanged apart from title discovery.
//
// Extraction degrades instead of failing: malformed or empty input
// produces a minimal document shell. The only hard error is input that
// is not valid UTF-8.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// ErrEncoding reports source bytes that are not valid UTF-8.
var ErrEncoding = errors.New("extract: source is not valid UTF-8")

// Content is the output of one extraction, immutable once produced.
type Content struct {
	Title string
	XHTML []byte
}

// Options controls extraction behaviour.
type Options struct {
	Denylist    []string // class/id substrings treated as boilerplate
	Stylesheet  string   // CSS embedded in the document template
	MaxTitleLen int      // rune cap on derived titles (default: 200)
}

func (o *Options) defaults() {
	if o.Denylist == nil {
		o.Denylist = DefaultDenylist()
	}
	if o.Stylesheet == "" {
		o.Stylesheet = defaultStylesheet
	}
	if o.MaxTitleLen <= 0 {
		o.MaxTitleLen = 200
	}
}

// DefaultDenylist returns the stock class/id substrings stripped as
// advertising or chrome.
func DefaultDenylist() []string {
	return []string{
		"advert", "banner", "sponsor", "promo", "popup", "modal",
		"cookie", "sidebar", "menu", "breadcrumb", "social", "share",
		"widget",
	}
}

// Extractor runs the extraction pipeline with fixed options.
type Extractor struct {
	opts Options
}

// New creates an Extractor. Zero fields in opts take defaults.
func New(opts Options) *Extractor {
	opts.defaults()
	return &Extractor{opts: opts}
}

// Extract converts the document at sourceName (used for title
// derivation and form detection) into sanitized XHTML. A source whose
// name carries the .xhtml extension is returned verbatim.
func (e *Extractor) Extract(data []byte, sourceName string) (*Content, error) {
	if !utf8.Valid(data) {
		return nil, ErrEncoding
	}
	if strings.EqualFold(path.Ext(sourceName), ".xhtml") {
		return e.passthrough(data, sourceName)
	}

	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("extract: parse: %w", err)
	}
	title := e.title(doc, sourceName)

	stripBoilerplate(doc, e.opts.Denylist)
	root := selectContentRoot(doc)

	content, err := sanitizeSubtree(root)
	if err != nil {
		return nil, err
	}
	xhtml, err := buildDocument(title, e.opts.Stylesheet, content)
	if err != nil {
		return nil, err
	}
	return &Content{Title: title, XHTML: xhtml}, nil
}

// passthrough keeps XHTML input untouched, deriving only the title.
func (e *Extractor) passthrough(data []byte, sourceName string) (*Content, error) {
	title := stem(sourceName)
	if doc, err := html.Parse(bytes.NewReader(data)); err == nil {
		title = e.title(doc, sourceName)
	}
	return &Content{Title: title, XHTML: data}, nil
}

// title derives a document title: the <title> element, else the first
// heading, else the source file name stem.
func (e *Extractor) title(doc *html.Node, sourceName string) string {
	t := findTitle(doc)
	if t == "" {
		t = firstHeading(doc)
	}
	if t == "" {
		t = stem(sourceName)
	}
	return truncate(t, e.opts.MaxTitleLen)
}

// findTitle extracts the page <title> text.
func findTitle(doc *html.Node) string {
	n := findFirst(doc, atom.Title)
	if n == nil || n.FirstChild == nil {
		return ""
	}
	return strings.TrimSpace(n.FirstChild.Data)
}

// firstHeading returns the text of the first h1..h6 in document order.
func firstHeading(doc *html.Node) string {
	var found string
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				found = collectText(n)
				return true
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(doc)
	return found
}

// stem returns the base name of p without its extension.
func stem(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
