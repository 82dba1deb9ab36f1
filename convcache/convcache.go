// Package convcache memoizes extraction results keyed by source path
// and fingerprint, coalescing concurrent conversions of the same
// source into a single execution.
//
// Entries are superseded by a new fingerprint for the same path and
// never otherwise evicted: the map is bounded by the number of
// distinct source paths in the content tree.
package convcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/litepub/extract"
)

// ConvertFunc produces extracted content for a source. It runs at most
// once per in-flight (path, fingerprint) pair.
type ConvertFunc func() (*extract.Content, error)

type entry struct {
	fingerprint string
	content     *extract.Content
	producedAt  time.Time
}

// Cache is safe for concurrent use. Conversions for unrelated paths
// proceed fully in parallel; only identical (path, fingerprint) work
// is serialized.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry // keyed by source path

	flights singleflight.Group // keyed by path + fingerprint

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[string]*entry)}
}

// GetOrConvert returns the cached content for (path, fingerprint) or
// runs convert exactly once, sharing the result among concurrent
// callers of the same pair. hit reports whether a stored entry was
// served without conversion.
//
// A caller whose ctx ends while waiting detaches with ctx.Err(); the
// conversion itself keeps running and its result is stored for later
// requests.
func (c *Cache) GetOrConvert(ctx context.Context, path, fingerprint string, convert ConvertFunc) (content *extract.Content, hit bool, err error) {
	if content, ok := c.lookup(path, fingerprint); ok {
		c.hits.Add(1)
		return content, true, nil
	}
	c.misses.Add(1)

	key := path + "\x00" + fingerprint
	ch := c.flights.DoChan(key, func() (interface{}, error) {
		// A flight finishing between the lookup above and here may
		// already have stored this exact pair.
		if content, ok := c.lookup(path, fingerprint); ok {
			return content, nil
		}
		content, err := convert()
		if err != nil {
			return nil, err
		}
		c.store(path, fingerprint, content)
		return content, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*extract.Content), false, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Len returns the number of cached paths.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Info returns the stored fingerprint and production time for path.
func (c *Cache) Info(path string) (fingerprint string, producedAt time.Time, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	if !ok {
		return "", time.Time{}, false
	}
	return e.fingerprint, e.producedAt, true
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Stats returns current cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries: c.Len(),
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

func (c *Cache) lookup(path, fingerprint string) (*extract.Content, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[path]
	if !ok || e.fingerprint != fingerprint {
		return nil, false
	}
	return e.content, true
}

// store replaces any prior entry for path.
func (c *Cache) store(path, fingerprint string, content *extract.Content) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[path] = &entry{
		fingerprint: fingerprint,
		content:     content,
		producedAt:  time.Now(),
	}
}
