package epub

import (
	"fmt"
	"strings"
)

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

// opf renders the package descriptor. Manifest ids follow asset order,
// so the descriptor is as stable as the asset list.
func opf(b *Book) []byte {
	title := b.Title
	if title == "" {
		title = "Untitled"
	}
	lang := b.Language
	if lang == "" {
		lang = "en"
	}

	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	sb.WriteString(`<package xmlns="http://www.idpf.org/2007/opf" version="3.0" unique-identifier="bookid">` + "\n")
	sb.WriteString("  <metadata xmlns:dc=\"http://purl.org/dc/elements/1.1/\">\n")
	fmt.Fprintf(&sb, "    <dc:identifier id=\"bookid\">%s</dc:identifier>\n", xmlEscaper.Replace(b.Identifier))
	fmt.Fprintf(&sb, "    <dc:title>%s</dc:title>\n", xmlEscaper.Replace(title))
	fmt.Fprintf(&sb, "    <dc:language>%s</dc:language>\n", xmlEscaper.Replace(lang))
	sb.WriteString("  </metadata>\n")
	sb.WriteString("  <manifest>\n")
	sb.WriteString(`    <item id="content" href="OEBPS/content.xhtml" media-type="application/xhtml+xml"/>` + "\n")
	for i, a := range b.Assets {
		fmt.Fprintf(&sb, "    <item id=\"asset_%d\" href=\"OEBPS/%s\" media-type=\"%s\"/>\n",
			i, xmlEscaper.Replace(a.Name), xmlEscaper.Replace(a.MediaType))
	}
	sb.WriteString("  </manifest>\n")
	sb.WriteString("  <spine>\n")
	sb.WriteString(`    <itemref idref="content"/>` + "\n")
	sb.WriteString("  </spine>\n")
	sb.WriteString("</package>\n")
	return []byte(sb.String())
}
