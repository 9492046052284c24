// Package cache implements the fingerprint-keyed response cache: a
// TTL-bounded store of wire-format DNS answers with at-most-one-inflight
// deduplication per fingerprint and oldest-expiry-first eviction once the
// entry cap is reached.
//
// This is grounded on the teacher's internal/resolvers.TTLCache and its
// ForwardingResolver singleflight pattern, generalized from an LRU cache
// keyed on (question, upstream) to a fingerprint-keyed cache with
// expiry-ordered eviction and an explicit Entry type exposed to callers.
package cache

import (
	"container/heap"
	"sync"
	"time"
)

// Fingerprint identifies a cached response. It folds together everything
// that must match for two queries to safely share one cached answer:
// the normalized question name, type, class, and the client-subnet scope
// (if EDNS CLIENT-SUBNET was present) so that geo-varying answers don't
// collide.
type Fingerprint struct {
	QName   string
	QType   uint16
	QClass  uint16
	Subnet  string // CIDR string of the ECS scope, or "" if none
}

// Entry is a cached DNS response together with its bookkeeping.
type Entry struct {
	ResponseBytes []byte
	CachedAt      time.Time
	ExpiresAt     time.Time
	Negative      bool // true for NXDOMAIN/NODATA/SERVFAIL entries
}

// expired reports whether the entry's TTL has elapsed as of now.
func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// inflightCall tracks a query that is being resolved on behalf of every
// waiter sharing its fingerprint; only one upstream round trip happens
// per fingerprint at a time regardless of how many callers ask for it
// concurrently.
type inflightCall struct {
	done  chan struct{}
	entry Entry
	err   error
}

// heapItem is the container/heap element: an (expiry, fingerprint) pair
// ordered by ExpiresAt so the earliest-to-expire entry surfaces first,
// giving O(log n) oldest-expiry-first eviction instead of an LRU list.
type heapItem struct {
	fp        Fingerprint
	expiresAt time.Time
	index     int
}

type expiryHeap []*heapItem

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index, h[j].index = i, j }
func (h *expiryHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Cache is a thread-safe fingerprint-keyed response cache with
// at-most-one-inflight-per-fingerprint query deduplication.
type Cache struct {
	mu         sync.Mutex
	maxEntries int
	data       map[Fingerprint]*Entry
	index      map[Fingerprint]*heapItem
	order      expiryHeap

	inflightMu sync.Mutex
	inflight   map[Fingerprint]*inflightCall

	hits, misses int
}

// New returns a Cache bounded to at most maxEntries live entries.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Cache{
		maxEntries: maxEntries,
		data:       make(map[Fingerprint]*Entry),
		index:      make(map[Fingerprint]*heapItem),
		inflight:   make(map[Fingerprint]*inflightCall),
	}
}

// Get returns the cached entry for fp, if present and unexpired.
func (c *Cache) Get(fp Fingerprint) (Entry, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[fp]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	if e.expired(now) {
		c.removeLocked(fp)
		c.misses++
		return Entry{}, false
	}
	c.hits++
	return *e, true
}

// Set stores entry under fp, evicting the entry closest to expiry if the
// cache is at capacity. Entries with a non-positive remaining TTL are
// not stored.
func (c *Cache) Set(fp Fingerprint, entry Entry) {
	if !entry.ExpiresAt.After(time.Now()) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[fp]; exists {
		c.removeLocked(fp)
	}

	e := entry
	c.data[fp] = &e
	item := &heapItem{fp: fp, expiresAt: entry.ExpiresAt}
	c.index[fp] = item
	heap.Push(&c.order, item)

	for len(c.data) > c.maxEntries {
		c.evictOldestLocked()
	}
}

// removeLocked deletes fp from both the data map and the expiry heap.
// Caller must hold c.mu.
func (c *Cache) removeLocked(fp Fingerprint) {
	delete(c.data, fp)
	if item, ok := c.index[fp]; ok {
		if item.index >= 0 {
			heap.Remove(&c.order, item.index)
		}
		delete(c.index, fp)
	}
}

// evictOldestLocked removes the entry with the nearest expiry time.
// Caller must hold c.mu.
func (c *Cache) evictOldestLocked() {
	if c.order.Len() == 0 {
		return
	}
	item := heap.Pop(&c.order).(*heapItem)
	delete(c.data, item.fp)
	delete(c.index, item.fp)
}

// Resolve returns a cached entry if one exists; otherwise it calls fetch
// exactly once even if multiple goroutines call Resolve concurrently for
// the same fingerprint (at-most-one-inflight-per-fingerprint), and
// caches the result fetch returns before returning it to every waiter.
func (c *Cache) Resolve(fp Fingerprint, fetch func() (Entry, error)) (Entry, error) {
	if e, ok := c.Get(fp); ok {
		return e, nil
	}

	c.inflightMu.Lock()
	if call, ok := c.inflight[fp]; ok {
		c.inflightMu.Unlock()
		<-call.done
		return call.entry, call.err
	}
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[fp] = call
	c.inflightMu.Unlock()

	entry, err := fetch()
	if err == nil {
		c.Set(fp, entry)
	}
	call.entry, call.err = entry, err
	close(call.done)

	c.inflightMu.Lock()
	delete(c.inflight, fp)
	c.inflightMu.Unlock()

	return entry, err
}

// Size returns the number of live (not necessarily unexpired) entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Stats reports cumulative hit/miss counts.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Flush removes every entry from the cache. With a non-empty name, only
// entries whose QName equals name (case-sensitive; callers normalize) are
// removed — this backs the IPC "flush [name?]" command.
func (c *Cache) Flush(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if name == "" {
		n := len(c.data)
		c.data = make(map[Fingerprint]*Entry)
		c.index = make(map[Fingerprint]*heapItem)
		c.order = nil
		return n
	}

	removed := 0
	for fp := range c.data {
		if fp.QName == name {
			c.removeLocked(fp)
			removed++
		}
	}
	return removed
}
