package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// contentPolicy scrubs event handlers, executable URL schemes and
// unknown attributes while keeping document structure and the
// references the asset stage rewrites. Safe for concurrent use.
var contentPolicy = newContentPolicy()

func newContentPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("article", "audio", "details", "div", "figure",
		"figcaption", "main", "picture", "section", "source", "span",
		"summary", "video")
	p.AllowAttrs("src").OnElements("audio", "video", "source")
	p.AllowAttrs("type").OnElements("source")
	p.AllowAttrs("controls").OnElements("audio", "video")
	p.AllowRelativeURLs(true)
	p.RequireNoFollowOnLinks(false)
	return p
}

// sanitizeSubtree scrubs the selected subtree and returns its nodes
// re-parsed in body context. The subtree's own tag is dropped by the
// policy when it is a wrapper like body; its children survive.
func sanitizeSubtree(root *html.Node) ([]*html.Node, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, root); err != nil {
		return nil, fmt.Errorf("extract: render subtree: %w", err)
	}
	clean := contentPolicy.Sanitize(buf.String())

	nodes, err := html.ParseFragment(strings.NewReader(clean), &html.Node{
		Type:     html.ElementNode,
		Data:     "body",
		DataAtom: atom.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("extract: reparse sanitized subtree: %w", err)
	}
	return nodes, nil
}
