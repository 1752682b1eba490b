// Package cache holds validated query results keyed by question and catalog
// fingerprint. A hit bypasses generation and validation entirely, which is
// the main lever reducing load on the external model service.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

// Entry is a previously validated query and its result set.
type Entry struct {
	SQL     string
	Columns []string
	Rows    [][]any
}

type Stats struct {
	Size     int
	Capacity int
	TTL      time.Duration
}

type item struct {
	key      string
	entry    Entry
	storedAt time.Time
}

// Cache is a TTL + LRU bounded map. Gets promote entries; expired entries
// count as misses and are dropped on the spot.
type Cache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	entries  map[string]*list.Element
	order    *list.List

	now func() time.Time
}

func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = 100
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
		now:      time.Now,
	}
}

// Key derives the cache key from the normalized question and the catalog
// fingerprint, so a cached answer can never be served against the wrong
// catalog even when two sessions ask textually identical questions.
func Key(normalizedQuestion, catalogFingerprint string) string {
	hasher := sha256.New()
	hasher.Write([]byte(normalizedQuestion))
	hasher.Write([]byte{0})
	hasher.Write([]byte(catalogFingerprint))
	return hex.EncodeToString(hasher.Sum(nil))
}

func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	cached := element.Value.(*item)
	if c.now().Sub(cached.storedAt) >= c.ttl {
		c.removeLocked(element)
		return Entry{}, false
	}
	c.order.MoveToFront(element)
	return cached.entry, true
}

func (c *Cache) Put(key string, entry Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[key]; ok {
		cached := element.Value.(*item)
		cached.entry = entry
		cached.storedAt = c.now()
		c.order.MoveToFront(element)
		return
	}
	element := c.order.PushFront(&item{key: key, entry: entry, storedAt: c.now()})
	c.entries[key] = element
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest)
	}
}

// Invalidate drops entries whose key starts with prefix; an empty prefix
// clears the cache. Returns the number of entries removed.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for element := c.order.Front(); element != nil; {
		next := element.Next()
		if strings.HasPrefix(element.Value.(*item).key, prefix) {
			c.removeLocked(element)
			removed++
		}
		element = next
	}
	return removed
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.order.Len(), Capacity: c.capacity, TTL: c.ttl}
}

func (c *Cache) removeLocked(element *list.Element) {
	cached := element.Value.(*item)
	c.order.Remove(element)
	delete(c.entries, cached.key)
}
