package events

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/litepub/dbopen"
)

func setupEventDB(t *testing.T) *Store {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	s := NewStore(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "sub", "events.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='conversion_events'").Scan(&count)
	if count != 1 {
		t.Fatal("conversion_events table not created")
	}
}

func TestStore_RecordAsync_And_Close(t *testing.T) {
	s := setupEventDB(t)

	for i := 0; i < 10; i++ {
		s.RecordAsync(&Event{
			Path:     "docs/guide.html",
			Outcome:  OutcomeDone,
			CacheHit: i > 0,
			Duration: 42 * time.Millisecond,
			Assets:   3,
			Bytes:    2048,
		})
	}

	// Close flushes.
	s.Close()

	got, err := s.Query(context.Background(), Filter{Path: "docs/guide.html"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("event count: got %d, want 10", len(got))
	}
	for _, e := range got {
		if e.ID == "" {
			t.Fatal("event ID not filled in")
		}
		if e.Time.IsZero() {
			t.Fatal("event time not filled in")
		}
		if e.Duration != 42*time.Millisecond {
			t.Fatalf("duration: got %v", e.Duration)
		}
	}
}

func TestStore_BatchFlush(t *testing.T) {
	s := setupEventDB(t)

	// Fill beyond batch threshold (64).
	for i := 0; i < 100; i++ {
		s.RecordAsync(&Event{Path: "a.html", Outcome: OutcomeDone})
	}

	// Wait for batch flush.
	time.Sleep(200 * time.Millisecond)
	s.Close()

	got, err := s.Query(context.Background(), Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Fatalf("total events: got %d, want 100", len(got))
	}
}

func TestStore_Query_Filters(t *testing.T) {
	s := setupEventDB(t)

	s.RecordAsync(&Event{Path: "a.html", Outcome: OutcomeDone})
	s.RecordAsync(&Event{Path: "a.html", Outcome: OutcomeNotFound})
	s.RecordAsync(&Event{Path: "b.html", Outcome: OutcomeDone})
	s.Close()

	ctx := context.Background()

	byPath, err := s.Query(ctx, Filter{Path: "a.html"})
	if err != nil {
		t.Fatal(err)
	}
	if len(byPath) != 2 {
		t.Fatalf("path filter: got %d, want 2", len(byPath))
	}

	byOutcome, err := s.Query(ctx, Filter{Outcome: OutcomeDone})
	if err != nil {
		t.Fatal(err)
	}
	if len(byOutcome) != 2 {
		t.Fatalf("outcome filter: got %d, want 2", len(byOutcome))
	}

	limited, err := s.Query(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 {
		t.Fatalf("limit: got %d, want 1", len(limited))
	}

	none, err := s.Query(ctx, Filter{Since: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Fatalf("future since: got %d, want 0", len(none))
	}
}

func TestStore_Summary(t *testing.T) {
	s := setupEventDB(t)

	s.RecordAsync(&Event{Path: "a.html", Outcome: OutcomeDone, CacheHit: false, Duration: 100 * time.Millisecond})
	s.RecordAsync(&Event{Path: "a.html", Outcome: OutcomeDone, CacheHit: true, Duration: 2 * time.Millisecond})
	s.RecordAsync(&Event{Path: "missing.html", Outcome: OutcomeNotFound})
	s.Close()

	sum, err := s.Summary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(sum) != 2 {
		t.Fatalf("summary rows: got %d, want 2", len(sum))
	}

	// Alphabetical: done before not_found.
	if sum[0].Outcome != OutcomeDone || sum[0].Count != 2 || sum[0].CacheHits != 1 {
		t.Fatalf("done summary: %+v", sum[0])
	}
	if sum[1].Outcome != OutcomeNotFound || sum[1].Count != 1 {
		t.Fatalf("not_found summary: %+v", sum[1])
	}
}

func TestStore_CloseIdempotent(t *testing.T) {
	s := setupEventDB(t)
	s.RecordAsync(&Event{Path: "a.html", Outcome: OutcomeDone})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
