// Package resultcache holds rendered artifacts in memory with a TTL and a
// fixed entry limit. Eviction is by insertion order (FIFO): reading an entry
// does not extend its life or protect it from eviction.
package resultcache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key       string
	payload   []byte
	createdAt time.Time
}

// Cache is safe for concurrent use
type Cache struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	order   *list.List // front is oldest inserted
	entries map[string]*list.Element
}

// New creates a cache. A non-positive maxEntries means unbounded.
func New(ttl time.Duration, maxEntries int) *Cache {
	return NewWithClock(ttl, maxEntries, time.Now)
}

// NewWithClock creates a cache reading time from now
func NewWithClock(ttl time.Duration, maxEntries int, now func() time.Time) *Cache {
	return &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        now,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

// Get returns the payload for key if it is younger than the TTL. A stale
// entry is removed. The returned slice must not be modified.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	e := el.Value.(*entry)
	if c.now().Sub(e.createdAt) >= c.ttl {
		c.remove(el)
		return nil, false
	}
	return e.payload, true
}

// Put stores a copy of payload under key with a fresh timestamp. An existing
// key is re-inserted as the newest entry. When a new key would exceed the
// limit, the single oldest-inserted entry is evicted first.
func (c *Cache) Put(key string, payload []byte) {
	stored := make([]byte, len(payload))
	copy(stored, payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	} else if c.maxEntries > 0 && c.order.Len() >= c.maxEntries {
		c.remove(c.order.Front())
	}

	c.entries[key] = c.order.PushBack(&entry{
		key:       key,
		payload:   stored,
		createdAt: c.now(),
	})
}

// Len returns the number of stored entries, stale ones included
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*entry).key)
}
