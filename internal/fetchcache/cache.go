// Package fetchcache provides the fragment cache and the read-through fetcher
// that fills it. Entries expire lazily: a stale entry is deleted when it is
// read, never served, and there is no background sweep.
package fetchcache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultMaxEntries bounds the cache when no size is configured.
const DefaultMaxEntries = 256

// Fragment is a fetched page fragment.
type Fragment struct {
	Key         string    `msgpack:"key"`
	HTML        string    `msgpack:"html"`
	HeaderTitle string    `msgpack:"header_title,omitempty"`
	InsertedAt  time.Time `msgpack:"inserted_at"`
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Entries   int   `json:"entries" yaml:"entries"`
	Hits      int64 `json:"hits" yaml:"hits"`
	Misses    int64 `json:"misses" yaml:"misses"`
	Sets      int64 `json:"sets" yaml:"sets"`
	Expired   int64 `json:"expired" yaml:"expired"`
	Evictions int64 `json:"evictions" yaml:"evictions"`
}

// HitRate returns hits / lookups, or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// entry is an LRU list node.
type entry struct {
	frag Fragment
	prev *entry
	next *entry
}

// Cache maps a target key to its fragment with a TTL and LRU eviction.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	ttl        time.Duration
	maxEntries int
	clock      clockwork.Clock

	// LRU list with sentinel head and tail
	head *entry
	tail *entry

	hits      int64
	misses    int64
	sets      int64
	expired   int64
	evictions int64
}

// NewCache creates a cache. A maxEntries of zero or less uses
// DefaultMaxEntries; a nil clock uses the real clock.
func NewCache(ttl time.Duration, maxEntries int, clock clockwork.Clock) *Cache {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &Cache{
		entries:    make(map[string]*entry),
		ttl:        ttl,
		maxEntries: maxEntries,
		clock:      clock,
		head:       &entry{},
		tail:       &entry{},
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Get returns the fragment for key while now - insertedAt < TTL. An expired
// entry is removed and reported as a miss.
func (c *Cache) Get(key string) (Fragment, bool) {
	return c.lookup(key, true)
}

// peek is Get without touching the hit and miss counters.
func (c *Cache) peek(key string) (Fragment, bool) {
	return c.lookup(key, false)
}

func (c *Cache) lookup(key string, count bool) (Fragment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		if count {
			atomic.AddInt64(&c.misses, 1)
		}
		return Fragment{}, false
	}

	if c.clock.Since(e.frag.InsertedAt) >= c.ttl {
		c.removeFromList(e)
		delete(c.entries, key)
		atomic.AddInt64(&c.expired, 1)
		if count {
			atomic.AddInt64(&c.misses, 1)
		}
		return Fragment{}, false
	}

	c.moveToFront(e)
	if count {
		atomic.AddInt64(&c.hits, 1)
	}
	return e.frag, true
}

// Set stores frag under key, stamping InsertedAt with the current time, and
// returns the stored fragment.
func (c *Cache) Set(key string, frag Fragment) Fragment {
	frag.Key = key
	frag.InsertedAt = c.clock.Now()
	c.put(frag)
	return frag
}

// put stores frag keeping its InsertedAt, as Restore needs.
func (c *Cache) put(frag Fragment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	atomic.AddInt64(&c.sets, 1)
	if e, ok := c.entries[frag.Key]; ok {
		e.frag = frag
		c.moveToFront(e)
		return
	}

	for len(c.entries) >= c.maxEntries && c.tail.prev != c.head {
		lru := c.tail.prev
		c.removeFromList(lru)
		delete(c.entries, lru.frag.Key)
		atomic.AddInt64(&c.evictions, 1)
	}

	e := &entry{frag: frag}
	c.entries[frag.Key] = e
	c.addToFront(e)
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeFromList(e)
		delete(c.entries, key)
	}
}

// Clear removes every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.head.next = c.tail
	c.tail.prev = c.head
}

// Len counts stored entries, expired ones included until they are read.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return Stats{
		Entries:   n,
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Sets:      atomic.LoadInt64(&c.sets),
		Expired:   atomic.LoadInt64(&c.expired),
		Evictions: atomic.LoadInt64(&c.evictions),
	}
}

// fresh lists unexpired entries from most to least recently used.
func (c *Cache) fresh() []Fragment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Fragment, 0, len(c.entries))
	for e := c.head.next; e != c.tail; e = e.next {
		if c.clock.Since(e.frag.InsertedAt) < c.ttl {
			out = append(out, e.frag)
		}
	}
	return out
}

// LRU doubly-linked list operations
func (c *Cache) addToFront(e *entry) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *Cache) removeFromList(e *entry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *Cache) moveToFront(e *entry) {
	c.removeFromList(e)
	c.addToFront(e)
}
