package extract

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// stripTags are removed from the tree with their entire subtree:
// executable/embedded elements plus navigation, footer and header
// landmarks.
var stripTags = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Iframe:   true,
	atom.Frame:    true,
	atom.Frameset: true,
	atom.Object:   true,
	atom.Embed:    true,
	atom.Applet:   true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Header:   true,
	atom.Aside:    true,
}

// landmarkRoles mirror the stripped landmark elements for pages that
// mark chrome with ARIA roles instead of semantic tags.
var landmarkRoles = map[string]bool{
	"navigation":    true,
	"banner":        true,
	"contentinfo":   true,
	"complementary": true,
}

// stripBoilerplate removes stripTags elements, landmark-role elements
// and denylist-marked elements from the subtree rooted at n.
func stripBoilerplate(n *html.Node, denylist []string) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if isBoilerplate(c, denylist) {
			n.RemoveChild(c)
			continue
		}
		stripBoilerplate(c, denylist)
	}
}

// isBoilerplate checks if a node is chrome rather than content.
func isBoilerplate(n *html.Node, denylist []string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if stripTags[n.DataAtom] {
		return true
	}
	for _, attr := range n.Attr {
		switch attr.Key {
		case "class", "id":
			lower := strings.ToLower(attr.Val)
			for _, marker := range denylist {
				if strings.Contains(lower, marker) {
					return true
				}
			}
		case "role":
			if landmarkRoles[attr.Val] {
				return true
			}
		}
	}
	return false
}

// selectContentRoot picks the subtree to publish: a main landmark,
// else an article landmark, else the text-densest direct child of the
// body, else the body itself.
func selectContentRoot(doc *html.Node) *html.Node {
	if n := findFirst(doc, atom.Main); n != nil {
		return n
	}
	if n := findFirst(doc, atom.Article); n != nil {
		return n
	}
	body := findBody(doc)
	if body == nil {
		return doc
	}
	if n := densestChild(body); n != nil {
		return n
	}
	return body
}

// densestChild scores each direct element child of the body by the
// ratio of visible text length to subtree size. Strictly-greater
// comparison keeps the earliest child on ties.
func densestChild(body *html.Node) *html.Node {
	var best *html.Node
	var bestScore float64
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		textLen := len(collectText(c))
		if textLen == 0 {
			continue
		}
		score := float64(textLen) / float64(1+countElements(c))
		if score > bestScore {
			bestScore = score
			best = c
		}
	}
	return best
}

// countElements counts descendant element nodes of n, excluding n.
func countElements(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			count++
		}
		count += countElements(c)
	}
	return count
}

// collectText extracts all visible text from a node subtree.
func collectText(n *html.Node) string {
	var sb strings.Builder
	var f func(*html.Node)
	f = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript:
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			f(c)
		}
	}
	f(n)
	return sb.String()
}

// findFirst returns the earliest element with the given tag in
// document order.
func findFirst(root *html.Node, a atom.Atom) *html.Node {
	var found *html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.DataAtom == a {
			found = n
			return true
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(root)
	return found
}

// findBody returns the <body> element from a parsed document.
func findBody(doc *html.Node) *html.Node {
	return findFirst(doc, atom.Body)
}
