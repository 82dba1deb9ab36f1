// Package events records conversion outcomes to a SQLite table.
//
// Persistence is async and non-blocking: buffer overflow drops events
// rather than applying backpressure to request handling. The table is
// an operational log, not a billing record; occasional drops under
// burst load are acceptable and are counted nowhere.
package events

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/litepub/dbopen"
	"github.com/hazyhaar/litepub/idgen"
)

// Schema for the conversion_events table. Open applies it; callers
// managing their own connection can apply it manually.
const Schema = `
CREATE TABLE IF NOT EXISTS conversion_events (
	id TEXT PRIMARY KEY,
	ts INTEGER NOT NULL,
	request_id TEXT,
	path TEXT NOT NULL,
	outcome TEXT NOT NULL,
	cache_hit INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	assets INTEGER NOT NULL,
	dropped INTEGER NOT NULL,
	bytes INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversion_events_ts ON conversion_events(ts);
CREATE INDEX IF NOT EXISTS idx_conversion_events_path ON conversion_events(path);
`

// Outcome values for Event.Outcome.
const (
	OutcomeDone             = "done"
	OutcomeNotFound         = "not_found"
	OutcomePathEscape       = "path_escape"
	OutcomeTooLarge         = "too_large"
	OutcomePackagingFailure = "packaging_failure"
	OutcomeInternalError    = "internal_error"
	OutcomeCanceled         = "canceled"
)

// Event is one conversion attempt, successful or not.
type Event struct {
	ID        string
	Time      time.Time
	RequestID string
	Path      string // store-relative source path
	Outcome   string
	CacheHit  bool
	Duration  time.Duration
	Assets    int   // assets embedded in the archive
	Dropped   int   // referenced assets that could not be embedded
	Bytes     int64 // archive size, 0 unless OutcomeDone
}

// Open opens (and if needed creates) the events database at path,
// applying Schema. Parent directories are created.
func Open(path string) (*sql.DB, error) {
	return dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
}

// Store persists events to a SQLite table asynchronously.
type Store struct {
	db   *sql.DB
	ch   chan *Event
	done chan struct{}
	once sync.Once
}

// NewStore creates an event store backed by the given database
// connection and starts its flush goroutine.
func NewStore(db *sql.DB) *Store {
	s := &Store{
		db:   db,
		ch:   make(chan *Event, 1024),
		done: make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// RecordAsync queues an event for async persistence. Non-blocking;
// drops if the buffer is full. Zero ID and Time fields are filled in.
func (s *Store) RecordAsync(e *Event) {
	if e.ID == "" {
		e.ID = idgen.New()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case s.ch <- e:
	default:
		// buffer full; drop silently to avoid backpressure on requests
	}
}

// Close drains the buffer and stops the flush goroutine. The database
// connection itself is the caller's to close.
func (s *Store) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

func (s *Store) flushLoop() {
	defer close(s.done)

	batch := make([]*Event, 0, 64)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-s.ch:
			if !ok {
				s.flushBatch(batch)
				return
			}
			batch = append(batch, e)
			if len(batch) >= 64 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flushBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

// flushBatch writes one batch atomically. Flushes compete with stats
// reads on the same file; BUSY is retried rather than dropped.
func (s *Store) flushBatch(batch []*Event) {
	if len(batch) == 0 {
		return
	}

	err := dbopen.RunTx(context.Background(), s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO conversion_events
			(id, ts, request_id, path, outcome, cache_hit, duration_ms, assets, dropped, bytes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range batch {
			if _, err := stmt.Exec(e.ID, e.Time.UnixMilli(), e.RequestID, e.Path, e.Outcome,
				boolToInt(e.CacheHit), e.Duration.Milliseconds(), e.Assets, e.Dropped, e.Bytes); err != nil {
				return fmt.Errorf("insert event for %s: %w", e.Path, err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("event store: flush batch", "error", err, "events", len(batch))
	}
}

// Filter narrows a Query. Zero fields are unbounded.
type Filter struct {
	Path    string
	Outcome string
	Since   time.Time
	Limit   int
}

// Query retrieves events newest-first.
func (s *Store) Query(ctx context.Context, f Filter) ([]*Event, error) {
	q := `SELECT id, ts, request_id, path, outcome, cache_hit, duration_ms, assets, dropped, bytes
		FROM conversion_events WHERE 1=1`
	args := make([]interface{}, 0, 4)

	if f.Path != "" {
		q += " AND path = ?"
		args = append(args, f.Path)
	}
	if f.Outcome != "" {
		q += " AND outcome = ?"
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		q += " AND ts >= ?"
		args = append(args, f.Since.UnixMilli())
	}
	q += " ORDER BY ts DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var ts, durationMs int64
		var cacheHit int
		if err := rows.Scan(&e.ID, &ts, &e.RequestID, &e.Path, &e.Outcome,
			&cacheHit, &durationMs, &e.Assets, &e.Dropped, &e.Bytes); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Time = time.UnixMilli(ts)
		e.CacheHit = cacheHit != 0
		e.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, &e)
	}
	return out, rows.Err()
}

// OutcomeCount aggregates events sharing an outcome.
type OutcomeCount struct {
	Outcome   string  `json:"outcome"`
	Count     int64   `json:"count"`
	CacheHits int64   `json:"cache_hits"`
	AvgMs     float64 `json:"avg_ms"`
}

// Summary rolls recorded events up per outcome, alphabetically.
func (s *Store) Summary(ctx context.Context) ([]OutcomeCount, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*), SUM(cache_hit), AVG(duration_ms)
		FROM conversion_events GROUP BY outcome ORDER BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("summarize events: %w", err)
	}
	defer rows.Close()

	var out []OutcomeCount
	for rows.Next() {
		var oc OutcomeCount
		if err := rows.Scan(&oc.Outcome, &oc.Count, &oc.CacheHits, &oc.AvgMs); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, oc)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
