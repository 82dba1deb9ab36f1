// Package pubpipe drives the document delivery pipeline: resolve a
// source path, convert markup into a reader-ready XHTML document,
// embed the assets it references, and package everything as a single
// EPUB archive.
//
// Conversion results are cached per (path, fingerprint) and concurrent
// requests for the same pair share one conversion. Asset embedding and
// packaging run per request against the cached document.
package pubpipe

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/hazyhaar/litepub/assets"
	"github.com/hazyhaar/litepub/convcache"
	"github.com/hazyhaar/litepub/epub"
	"github.com/hazyhaar/litepub/events"
	"github.com/hazyhaar/litepub/extract"
	"github.com/hazyhaar/litepub/idgen"
	"github.com/hazyhaar/litepub/kit"
	"github.com/hazyhaar/litepub/store"
)

// ErrIsDirectory reports a path that resolved to a directory without
// an index document. Callers render a listing instead of a package.
var ErrIsDirectory = errors.New("pubpipe: path is a directory")

// Result is one delivered response.
type Result struct {
	Path      string // root-relative path of the resolved source
	Bytes     []byte
	MediaType string
	Title     string
	CacheHit  bool
	Assets    int
	Dropped   int
}

// Pipeline owns the conversion stages. All stages are safe for
// concurrent use.
type Pipeline struct {
	store     *store.Store
	extractor *extract.Extractor
	cache     *convcache.Cache
	resolver  *assets.Resolver
	events    *events.Store
	language  string
	logger    *slog.Logger
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithExtractor replaces the default extractor.
func WithExtractor(e *extract.Extractor) Option {
	return func(p *Pipeline) { p.extractor = e }
}

// WithEvents enables conversion event recording.
func WithEvents(s *events.Store) Option {
	return func(p *Pipeline) { p.events = s }
}

// WithLanguage sets the dc:language of packaged documents.
func WithLanguage(lang string) Option {
	return func(p *Pipeline) { p.language = lang }
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// New wires a Pipeline around one source store.
func New(st *store.Store, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     st,
		extractor: extract.New(extract.Options{}),
		cache:     convcache.New(),
		language:  "en",
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	p.resolver = assets.New(st.Root(), assets.WithLogger(p.logger))
	return p
}

// Convert resolves rel and packages the response for it.
func (p *Pipeline) Convert(ctx context.Context, rel string) (*Result, error) {
	doc, err := p.Resolve(ctx, rel)
	if err != nil {
		return nil, err
	}
	return p.Package(ctx, doc)
}

// Resolve looks up rel in the source store, recording failed lookups.
// Callers that need the resolved source before packaging (for access
// control or listings) use this and then Package.
func (p *Pipeline) Resolve(ctx context.Context, rel string) (*store.Document, error) {
	start := time.Now()
	doc, err := p.store.Resolve(rel)
	if err != nil {
		p.record(ctx, rel, start, nil, err)
		return nil, err
	}
	return doc, nil
}

// Package produces the response for an already resolved source.
//
// Markup sources are converted and packaged; sources already in
// packaged form are returned verbatim; anything else is served raw
// with a sniffed media type. Directories yield ErrIsDirectory.
func (p *Pipeline) Package(ctx context.Context, doc *store.Document) (*Result, error) {
	start := time.Now()

	switch doc.Kind {
	case store.KindDir:
		return nil, ErrIsDirectory

	case store.KindPackaged:
		res := &Result{
			Path:      doc.RelPath,
			Bytes:     doc.Data,
			MediaType: epub.MediaType,
		}
		p.record(ctx, doc.RelPath, start, res, nil)
		return res, nil

	case store.KindMarkup:
		res, err := p.convertMarkup(ctx, doc)
		p.record(ctx, doc.RelPath, start, res, err)
		return res, err

	default:
		res := &Result{
			Path:      doc.RelPath,
			Bytes:     doc.Data,
			MediaType: assets.MediaType(doc.AbsPath, doc.Data),
		}
		p.record(ctx, doc.RelPath, start, res, nil)
		return res, nil
	}
}

func (p *Pipeline) convertMarkup(ctx context.Context, doc *store.Document) (*Result, error) {
	fp := doc.Fingerprint.String()

	content, hit, err := p.cache.GetOrConvert(ctx, doc.RelPath, fp, func() (*extract.Content, error) {
		return p.extractor.Extract(doc.Data, doc.RelPath)
	})
	if err != nil {
		return nil, err
	}

	embedded, err := p.resolver.Resolve(ctx, content.XHTML, filepath.Dir(doc.AbsPath))
	if err != nil {
		return nil, err
	}

	book := &epub.Book{
		Title:      content.Title,
		Language:   p.language,
		Identifier: idgen.DocumentID(doc.RelPath, fp),
		Document:   embedded.XHTML,
		Assets:     make([]epub.Asset, 0, len(embedded.Assets)),
	}
	for _, a := range embedded.Assets {
		book.Assets = append(book.Assets, epub.Asset{
			Name:      a.LocalName,
			MediaType: a.MediaType,
			Data:      a.Data,
		})
	}

	raw, err := epub.Build(book)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("converted document",
		"path", doc.RelPath,
		"title", content.Title,
		"cache_hit", hit,
		"assets", len(embedded.Assets),
		"dropped", embedded.Dropped,
		"bytes", len(raw))

	return &Result{
		Path:      doc.RelPath,
		Bytes:     raw,
		MediaType: epub.MediaType,
		Title:     content.Title,
		CacheHit:  hit,
		Assets:    len(embedded.Assets),
		Dropped:   embedded.Dropped,
	}, nil
}

// CacheStats reports conversion cache counters.
func (p *Pipeline) CacheStats() convcache.Stats {
	return p.cache.Stats()
}

func (p *Pipeline) record(ctx context.Context, path string, start time.Time, res *Result, err error) {
	if p.events == nil {
		return
	}
	ev := &events.Event{
		RequestID: kit.GetRequestID(ctx),
		Path:      path,
		Outcome:   outcomeFor(err),
		Duration:  time.Since(start),
	}
	if res != nil {
		ev.CacheHit = res.CacheHit
		ev.Assets = res.Assets
		ev.Dropped = res.Dropped
		ev.Bytes = int64(len(res.Bytes))
	}
	p.events.RecordAsync(ev)
}

// outcomeFor maps pipeline errors onto recorded outcomes. Unrecognized
// errors count as internal faults.
func outcomeFor(err error) string {
	switch {
	case err == nil:
		return events.OutcomeDone
	case errors.Is(err, store.ErrNotFound):
		return events.OutcomeNotFound
	case errors.Is(err, store.ErrPathEscapesRoot):
		return events.OutcomePathEscape
	case errors.Is(err, store.ErrSourceTooLarge):
		return events.OutcomeTooLarge
	case errors.Is(err, epub.ErrPackagingFailure):
		return events.OutcomePackagingFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return events.OutcomeCanceled
	default:
		return events.OutcomeInternalError
	}
}
