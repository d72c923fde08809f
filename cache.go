package embedkv

import (
	"container/list"
	"sync"

	"github.com/jsteemann/embedkv/internal/metrics"
)

// PageCache is a bounded, thread-safe LRU cache of decoded Logical Pages
// keyed by their root Page-IO offset (spec section 4.8). Unlike the
// teacher's BufMgr hash table, entries here need no pin/unpin or latch
// protocol: once a page is published at an offset it is never mutated
// again (copy-on-write), so a cached entry stays valid until its offset
// is returned to the free list (see Invalidate), regardless of how many
// readers hold it concurrently.
type PageCache struct {
	mu       sync.Mutex
	capacity int
	items    map[int64]*list.Element
	order    *list.List // front = most recently used
	metrics  *metrics.Metrics
}

type cacheEntry struct {
	offset int64
	page   any // *Leaf or *Node
}

// NewPageCache creates a cache holding up to capacity decoded pages.
// capacity <= 0 disables caching (every Get misses).
func NewPageCache(capacity int, m *metrics.Metrics) *PageCache {
	return &PageCache{
		capacity: capacity,
		items:    make(map[int64]*list.Element),
		order:    list.New(),
		metrics:  m,
	}
}

// Get returns the decoded page published at offset, if cached.
func (c *PageCache) Get(offset int64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[offset]
	if !ok {
		c.metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	c.order.MoveToFront(el)
	c.metrics.CacheHitsTotal.Inc()
	return el.Value.(*cacheEntry).page, true
}

// Put inserts or refreshes the decoded page for offset, evicting the
// least recently used entry if the cache is at capacity. page is never
// mutated after insertion: callers must treat it as read-only, matching
// the write-once nature of a published Logical Page.
func (c *PageCache) Put(offset int64, page any) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[offset]; ok {
		el.Value.(*cacheEntry).page = page
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&cacheEntry{offset: offset, page: page})
	c.items[offset] = el

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).offset)
	}
}

// Invalidate drops offset from the cache, if present. Needed the moment
// a page's offset is returned to the free list: once that offset is
// handed back out by the allocator it will carry a different Logical
// Page, and the eternal-cache policy (spec section 4.5) only holds for
// offsets that are still published.
func (c *PageCache) Invalidate(offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[offset]; ok {
		c.order.Remove(el)
		delete(c.items, offset)
	}
}

// Len reports the number of pages currently cached.
func (c *PageCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
