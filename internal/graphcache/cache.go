// Package graphcache memoizes pipeline graphs of finished runs.
package graphcache

import (
	"container/list"
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/number0/blueocean-plugin/internal/graph"
)

// BuildFunc produces the graph for a run on a cache miss. The ctx it gets
// carries the first caller's values but none of its cancellation.
type BuildFunc func(ctx context.Context) (*graph.PipelineGraph, error)

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// Cache holds graphs keyed by (runID, finished). Graphs of running runs are
// never stored; their builds are only deduplicated while in flight.
// Cached graphs are shared and must be treated as read-only.
type Cache struct {
	max int

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List

	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	runID string
	g     *graph.PipelineGraph
}

// New returns a cache holding at most maxEntries finished graphs. A
// non-positive maxEntries defaults to 256.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &Cache{
		max:     maxEntries,
		entries: make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Get returns the graph for runID, calling build on a miss. cached reports
// whether the graph came from a stored entry. Concurrent misses share one
// build; each caller stops waiting when its own ctx is done.
func (c *Cache) Get(ctx context.Context, runID string, finished bool, build BuildFunc) (g *graph.PipelineGraph, cached bool, err error) {
	if finished {
		if g, ok := c.lookup(runID); ok {
			c.hits.Add(1)
			return g, true, nil
		}
	}
	c.misses.Add(1)

	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key(runID, finished), func() (any, error) {
		g, err := build(shared)
		if err != nil {
			return nil, err
		}
		if finished {
			c.store(runID, g)
		}
		return g, nil
	})
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*graph.PipelineGraph), false, nil
	}
}

// Invalidate drops the stored graph for runID, if any.
func (c *Cache) Invalidate(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[runID]; ok {
		c.lru.Remove(el)
		delete(c.entries, runID)
	}
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{Entries: n, Hits: c.hits.Load(), Misses: c.misses.Load()}
}

func (c *Cache) lookup(runID string) (*graph.PipelineGraph, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[runID]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(el)
	return el.Value.(*entry).g, true
}

func (c *Cache) store(runID string, g *graph.PipelineGraph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[runID]; ok {
		el.Value.(*entry).g = g
		c.lru.MoveToFront(el)
		return
	}
	c.entries[runID] = c.lru.PushFront(&entry{runID: runID, g: g})
	for c.lru.Len() > c.max {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry).runID)
	}
}

func key(runID string, finished bool) string {
	return runID + "|" + strconv.FormatBool(finished)
}
