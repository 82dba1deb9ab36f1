// Package store resolves request paths to source documents beneath a
// single content root. Resolution is escape-proof: every returned
// document's canonical path is verified to be a descendant of the root,
// with symlinks resolved before the check.
//
// A request for a packaged-document path (*.epub) is mapped to the
// markup source of the same stem when one exists, so callers can
// request either form interchangeably.
package store

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

var (
	// ErrNotFound reports that no source exists at the resolved path.
	// Hidden paths (dot-prefixed segments) are indistinguishable from
	// absent ones.
	ErrNotFound = errors.New("store: source not found")

	// ErrPathEscapesRoot reports a request path whose resolution would
	// leave the content root. Never recoverable.
	ErrPathEscapesRoot = errors.New("store: path escapes content root")

	// ErrSourceTooLarge reports a source file over the configured cap.
	ErrSourceTooLarge = errors.New("store: source exceeds size limit")
)

// DefaultMaxSourceBytes caps how much of a single source file is read.
const DefaultMaxSourceBytes int64 = 32 << 20

// indexCandidates are tried in order when a directory is requested.
var indexCandidates = []string{"index.xhtml", "index.html", "index.htm"}

// epubSourceExts are tried in order when mapping a *.epub request to
// its markup source.
var epubSourceExts = []string{".xhtml", ".html", ".htm"}

// Kind classifies what a resolved path points at.
type Kind int

const (
	// KindMarkup is an HTML or XHTML source, convertible to a package.
	KindMarkup Kind = iota + 1
	// KindPackaged is a ready-made archive served verbatim.
	KindPackaged
	// KindStatic is any other file, served raw.
	KindStatic
	// KindDir is a directory with no index file.
	KindDir
)

func (k Kind) String() string {
	switch k {
	case KindMarkup:
		return "markup"
	case KindPackaged:
		return "packaged"
	case KindStatic:
		return "static"
	case KindDir:
		return "dir"
	}
	return "unknown"
}

// Fingerprint captures the change state of a source file. Two reads of
// an unchanged file produce equal fingerprints; any rewrite that alters
// size or modification time produces a different one.
type Fingerprint struct {
	Size    int64
	ModTime time.Time
}

// String renders the fingerprint as a stable cache-key component.
func (f Fingerprint) String() string {
	return fmt.Sprintf("%d-%d", f.Size, f.ModTime.UnixNano())
}

// Document is one resolved source. It is produced per request and
// never mutated.
type Document struct {
	RelPath     string // normalized slash-separated path under the root
	AbsPath     string // canonical absolute path
	Kind        Kind
	Data        []byte // nil for KindDir
	Fingerprint Fingerprint
}

// DirEntry is one visible row of a directory listing.
type DirEntry struct {
	Name   string
	IsDir  bool
	Markup bool // convertible source, advertised with a package link
}

// Store resolves request paths against a content root.
type Store struct {
	root     string // canonical absolute content root
	maxBytes int64
}

// Option customises a Store.
type Option func(*Store)

// WithMaxSourceBytes overrides DefaultMaxSourceBytes.
func WithMaxSourceBytes(n int64) Option {
	return func(s *Store) { s.maxBytes = n }
}

// New creates a Store rooted at dir, which must exist. Symlinks in dir
// itself are resolved once so later containment checks compare against
// the canonical root.
func New(dir string, opts ...Option) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("store: resolve root: %w", err)
	}
	canon, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("store: resolve root: %w", err)
	}
	s := &Store{root: canon, maxBytes: DefaultMaxSourceBytes}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Root returns the canonical absolute content root.
func (s *Store) Root() string { return s.root }

// Resolve maps a request path to a source document.
//
// A *.epub path resolves to the markup source of the same stem when one
// exists, else to a literal archive file at that path. A directory path
// resolves to its first index candidate, else to a KindDir document the
// caller may render as a listing.
func (s *Store) Resolve(rel string) (*Document, error) {
	if strings.EqualFold(path.Ext(rel), ".epub") {
		return s.resolvePackage(rel)
	}

	abs, clean, err := s.safePath(rel)
	if err != nil {
		return nil, err
	}
	canon, err := s.canonical(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, mapFSErr(err)
	}
	if !info.IsDir() {
		return s.read(clean, canon)
	}

	for _, name := range indexCandidates {
		doc, err := s.loadFile(path.Join(clean, name))
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	return &Document{RelPath: clean, AbsPath: canon, Kind: KindDir}, nil
}

// resolvePackage maps rel (*.epub) to its markup source, falling back
// to a literal archive file.
func (s *Store) resolvePackage(rel string) (*Document, error) {
	stem := strings.TrimSuffix(rel, path.Ext(rel))
	for _, ext := range epubSourceExts {
		doc, err := s.loadFile(stem + ext)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	doc, err := s.loadFile(rel)
	if err != nil {
		return nil, err
	}
	if doc.Kind != KindPackaged {
		return nil, ErrNotFound
	}
	return doc, nil
}

// loadFile resolves rel strictly as a regular file.
func (s *Store) loadFile(rel string) (*Document, error) {
	abs, clean, err := s.safePath(rel)
	if err != nil {
		return nil, err
	}
	canon, err := s.canonical(abs)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(canon)
	if err != nil {
		return nil, mapFSErr(err)
	}
	if info.IsDir() {
		return nil, ErrNotFound
	}
	return s.read(clean, canon)
}

// read loads a regular file's bytes and fingerprint from one open
// handle so they describe the same version of the file.
func (s *Store) read(rel, abs string) (*Document, error) {
	f, err := os.Open(abs)
	if err != nil {
		return nil, mapFSErr(err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, mapFSErr(err)
	}
	if info.Size() > s.maxBytes {
		return nil, ErrSourceTooLarge
	}
	data, err := readLimited(f, s.maxBytes)
	if err != nil {
		return nil, err
	}
	return &Document{
		RelPath:     rel,
		AbsPath:     abs,
		Kind:        classify(rel),
		Data:        data,
		Fingerprint: Fingerprint{Size: info.Size(), ModTime: info.ModTime()},
	}, nil
}

// List returns the visible entries of the directory at rel, sorted by
// name. Dotfiles are omitted.
func (s *Store) List(rel string) ([]DirEntry, error) {
	abs, _, err := s.safePath(rel)
	if err != nil {
		return nil, err
	}
	canon, err := s.canonical(abs)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(canon)
	if err != nil {
		return nil, mapFSErr(err)
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, DirEntry{
			Name:   name,
			IsDir:  e.IsDir(),
			Markup: !e.IsDir() && IsMarkup(name),
		})
	}
	return out, nil
}

// AuthFile reads the credential guard for the directory at rel. The
// guard is a file named ".auth" holding a single user:password line.
// ok is false when the directory carries no guard.
func (s *Store) AuthFile(rel string) (line string, ok bool, err error) {
	abs, _, err := s.safePath(rel)
	if err != nil {
		return "", false, err
	}
	canon, err := s.canonical(abs)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(filepath.Join(canon, ".auth"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: read auth guard: %w", err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// IsMarkup reports whether name has a convertible markup extension.
func IsMarkup(name string) bool {
	return classify(name) == KindMarkup
}

// classify maps a file extension to a content kind.
func classify(rel string) Kind {
	switch strings.ToLower(path.Ext(rel)) {
	case ".xhtml", ".html", ".htm":
		return KindMarkup
	case ".epub":
		return KindPackaged
	default:
		return KindStatic
	}
}

// safePath maps a request path to a lexically contained absolute path
// plus its normalized relative form. Traversal segments are rejected
// before cleaning so an attempt is never silently normalized away, and
// hidden segments resolve the same as absent paths.
func (s *Store) safePath(rel string) (abs, clean string, err error) {
	if strings.ContainsAny(rel, "\x00\\") {
		return "", "", ErrPathEscapesRoot
	}
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", "", ErrPathEscapesRoot
		}
		if len(seg) > 1 && strings.HasPrefix(seg, ".") {
			return "", "", ErrNotFound
		}
	}
	clean = strings.TrimPrefix(path.Clean("/"+rel), "/")
	abs = filepath.Join(s.root, filepath.FromSlash(clean))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return "", "", ErrPathEscapesRoot
	}
	return abs, clean, nil
}

// canonical resolves symlinks in a lexically contained path and
// verifies the target still lies beneath the root.
func (s *Store) canonical(abs string) (string, error) {
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", mapFSErr(err)
	}
	if resolved != s.root && !strings.HasPrefix(resolved, s.root+string(filepath.Separator)) {
		return "", ErrPathEscapesRoot
	}
	return resolved, nil
}

// readLimited reads at most maxBytes from r, failing rather than
// truncating when the source is larger.
func readLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	lr := io.LimitReader(r, maxBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("store: read source: %w", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrSourceTooLarge
	}
	return data, nil
}

func mapFSErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	return fmt.Errorf("store: %w", err)
}
