// Package epub assembles EPUB 3 archives around a single content
// document.
//
// The archive layout is fixed: an uncompressed mimetype entry first,
// then META-INF/container.xml, the package descriptor at content.opf,
// the document at OEBPS/content.xhtml, and finally the assets under
// OEBPS/. Identical input yields byte-identical archives; nothing
// time- or map-ordering-dependent goes into the output.
package epub

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MediaType is the media type of a packaged document, and the exact
// payload of the archive's mimetype entry.
const MediaType = "application/epub+zip"

// ErrPackagingFailure tags any error raised while assembling an
// archive.
var ErrPackagingFailure = errors.New("epub: packaging failure")

const containerXML = `<?xml version="1.0" encoding="UTF-8"?>
<container version="1.0"
           xmlns="urn:oasis:names:tc:opendocument:xmlns:container">
  <rootfiles>
    <rootfile full-path="content.opf"
              media-type="application/oebps-package+xml"/>
  </rootfiles>
</container>
`

// Asset is one embedded resource, stored under OEBPS/ next to the
// content document.
type Asset struct {
	Name      string
	MediaType string
	Data      []byte
}

// Book is the input to Build. Identifier should be a stable URN so
// rebuilding an unchanged source yields the same book; Language
// defaults to "en" and Title to "Untitled".
type Book struct {
	Title      string
	Language   string
	Identifier string
	Document   []byte
	Assets     []Asset
}

// Build assembles the archive in memory.
func Build(b *Book) ([]byte, error) {
	var buf bytes.Buffer
	if err := BuildTo(&buf, b); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildTo assembles the archive directly into w.
func BuildTo(w io.Writer, b *Book) error {
	zw := zip.NewWriter(w)

	// The mimetype entry must come first and stay uncompressed so
	// readers can identify the format from the leading bytes.
	if err := add(zw, "mimetype", zip.Store, []byte(MediaType)); err != nil {
		return err
	}
	if err := add(zw, "META-INF/container.xml", zip.Deflate, []byte(containerXML)); err != nil {
		return err
	}
	if err := add(zw, "content.opf", zip.Deflate, opf(b)); err != nil {
		return err
	}
	if err := add(zw, "OEBPS/content.xhtml", zip.Deflate, b.Document); err != nil {
		return err
	}
	for _, a := range b.Assets {
		if err := add(zw, "OEBPS/"+a.Name, zip.Deflate, a.Data); err != nil {
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: close archive: %w", ErrPackagingFailure, err)
	}
	return nil
}

// add writes one entry with a zeroed timestamp so archives stay
// reproducible.
func add(zw *zip.Writer, name string, method uint16, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: method})
	if err != nil {
		return fmt.Errorf("%w: create %s: %w", ErrPackagingFailure, name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrPackagingFailure, name, err)
	}
	return nil
}
