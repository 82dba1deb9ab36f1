package extract

import (
	"bytes"
	"fmt"
	"io"

	"golang.org/x/net/html"
)

const xmlDeclaration = `<?xml version="1.0" encoding="UTF-8"?>` + "\n"

// defaultStylesheet is the fixed reading style embedded in every
// generated document.
const defaultStylesheet = `        body { font-family: serif; line-height: 1.6; margin: 2em; }
        img  { max-width: 100%; height: auto; display: block; margin: 1em auto; }
        h1,h2,h3 { margin-top: 1.5em; }
        p   { margin: 1em 0; }
`

// voidElements have no content model and serialize self-closing.
var voidElements = map[string]bool{
	"area": true, "base": true, "br": true, "col": true, "embed": true,
	"hr": true, "img": true, "input": true, "link": true, "meta": true,
	"param": true, "source": true, "track": true, "wbr": true,
}

// buildDocument wraps content nodes in the fixed document template.
func buildDocument(title, stylesheet string, content []*html.Node) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString(xmlDeclaration)
	b.WriteString("<!DOCTYPE html>\n")
	b.WriteString("<html xmlns=\"http://www.w3.org/1999/xhtml\">\n")
	b.WriteString("<head>\n")
	b.WriteString("    <meta charset=\"UTF-8\"/>\n")
	b.WriteString("    <title>" + html.EscapeString(title) + "</title>\n")
	b.WriteString("    <style>\n")
	b.WriteString(stylesheet)
	b.WriteString("    </style>\n")
	b.WriteString("</head>\n")
	b.WriteString("<body>")
	for _, n := range content {
		if err := RenderXHTML(&b, n); err != nil {
			return nil, err
		}
	}
	b.WriteString("</body>\n")
	b.WriteString("</html>\n")
	return b.Bytes(), nil
}

// RenderXHTML writes n and its descendants as well-formed XHTML: void
// elements self-close, every attribute is value-quoted, text and
// attribute values are entity-escaped. Comments are dropped.
func RenderXHTML(w io.Writer, n *html.Node) error {
	switch n.Type {
	case html.TextNode:
		_, err := io.WriteString(w, html.EscapeString(n.Data))
		return err
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if err := RenderXHTML(w, c); err != nil {
				return err
			}
		}
		return nil
	case html.ElementNode:
	default:
		// comments, doctypes and raw nodes have no XHTML form
		return nil
	}

	if _, err := io.WriteString(w, "<"+n.Data); err != nil {
		return err
	}
	for _, a := range n.Attr {
		key := a.Key
		if a.Namespace != "" {
			key = a.Namespace + ":" + a.Key
		}
		if _, err := fmt.Fprintf(w, ` %s="%s"`, key, html.EscapeString(a.Val)); err != nil {
			return err
		}
	}
	if n.FirstChild == nil && voidElements[n.Data] {
		_, err := io.WriteString(w, "/>")
		return err
	}
	if _, err := io.WriteString(w, ">"); err != nil {
		return err
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := RenderXHTML(w, c); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "</"+n.Data+">")
	return err
}

// WriteDocument serializes a parsed document tree as XHTML, prefixed
// with an XML declaration and a normalized doctype.
func WriteDocument(w io.Writer, doc *html.Node) error {
	if _, err := io.WriteString(w, xmlDeclaration); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "<!DOCTYPE html>\n"); err != nil {
		return err
	}
	for c := doc.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			if err := RenderXHTML(w, c); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}
