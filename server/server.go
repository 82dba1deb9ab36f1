// Package server exposes the delivery pipeline over HTTP: any readable
// source under the content root is served as an EPUB archive, with
// directory listings, per-directory Basic auth, and a small stats
// endpoint on the side.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/litepub/convcache"
	"github.com/hazyhaar/litepub/epub"
	"github.com/hazyhaar/litepub/events"
	"github.com/hazyhaar/litepub/pubpipe"
	"github.com/hazyhaar/litepub/shield"
	"github.com/hazyhaar/litepub/store"
)

// Server wires the store, pipeline, and middleware behind one handler.
type Server struct {
	cfg     *Config
	store   *store.Store
	pipe    *pubpipe.Pipeline
	events  *events.Store
	limiter *shield.RateLimiter
	logger  *slog.Logger
	handler http.Handler
}

// New builds a Server from cfg, opening the content root and, when
// configured, the event database.
func New(cfg *Config) (*Server, error) {
	cfg.defaults()

	st, err := store.New(cfg.Root, store.WithMaxSourceBytes(int64(cfg.MaxSourceMB)<<20))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		store:  st,
		logger: slog.Default(),
	}

	pipeOpts := []pubpipe.Option{
		pubpipe.WithLanguage(cfg.Language),
		pubpipe.WithLogger(s.logger),
	}
	if cfg.EventsDB != "" {
		db, err := events.Open(cfg.EventsDB)
		if err != nil {
			return nil, err
		}
		s.events = events.NewStore(db)
		pipeOpts = append(pipeOpts, pubpipe.WithEvents(s.events))
	}
	s.pipe = pubpipe.New(st, pipeOpts...)

	stack, rl := shield.DefaultStack(cfg.RateRPS, cfg.RateBurst)
	s.limiter = rl

	r := chi.NewRouter()
	for _, mw := range stack {
		r.Use(mw)
	}
	r.Get("/-/healthz", s.handleHealth)
	r.Get("/-/stats", s.handleStats)
	r.Get("/*", s.handleGet)
	s.handler = r

	return s, nil
}

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Close flushes and closes the event store, if any.
func (s *Server) Close() error {
	if s.events != nil {
		return s.events.Close()
	}
	return nil
}

// Run serves until ctx is canceled, then drains connections for up to
// ten seconds.
func (s *Server) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	s.limiter.StartSweeper(done)

	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
			s.logger.Info("server starting", "listen", s.cfg.Listen, "tls", true, "root", s.store.Root())
			err = srv.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			s.logger.Info("server starting", "listen", s.cfg.Listen, "tls", false, "root", s.store.Root())
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("shutdown", "error", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/")

	doc, err := s.pipe.Resolve(r.Context(), rel)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	r, authorized := s.authorize(w, r, doc)
	if !authorized {
		return
	}

	if doc.Kind == store.KindDir {
		s.renderListing(w, r, doc)
		return
	}

	res, err := s.pipe.Package(r.Context(), doc)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", res.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Bytes)))
	w.Write(res.Bytes)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Cache  convcache.Stats       `json:"cache"`
	Events []events.OutcomeCount `json:"events,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Cache: s.pipe.CacheStats()}
	if s.events != nil {
		summary, err := s.events.Summary(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Events = summary
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps pipeline errors onto responses. Bodies carry canned
// messages only; the underlying error goes to the log. Traversal
// attempts are answered like missing files so probes learn nothing.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	logger := shield.GetLogger(r.Context())

	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrPathEscapesRoot):
		logger.Info("request rejected", "error", err)
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "not found", "kind": "not_found",
		})
	case errors.Is(err, store.ErrSourceTooLarge):
		logger.Warn("request rejected", "error", err)
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": "source too large", "kind": "too_large",
		})
	case errors.Is(err, epub.ErrPackagingFailure):
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "packaging failure", "kind": "packaging_failure",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		logger.Info("request canceled", "error", err)
	default:
		logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal error", "kind": "internal",
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
