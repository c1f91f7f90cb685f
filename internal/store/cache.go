// Package store contains the in-memory cache of a node.
//
// The cache is bounded: the sum of key and value lengths never exceeds the
// configured maximum. When space runs out the entries with the oldest write
// timestamp are dropped first. Writes carry the timestamp of the original
// client operation so that replicas converge on the last writer, no matter
// in which order the copies arrive.
package store

import (
	"time"
)

// Error is the outcome of a Set.
type Error int

const (
	// OK means the operation was applied, or was a no-op (stale write,
	// delete of an unknown key).
	OK Error = iota

	// TooBig means a single entry would not fit into an empty cache.
	TooBig
)

// Entry is one cached record. The hash index is remembered alongside the
// value so rebalancing after a membership change does not re-hash every key.
type Entry struct {
	Value      string
	LastUpdate time.Time
	Index      float64
}

// Item is a snapshot of one entry, as returned by Items.
type Item struct {
	Key string
	Entry
}

// Cache is a bounded key/value store with last-writer-wins semantics.
// Not safe for concurrent use; the event loop is the only caller.
type Cache struct {
	maxSize int
	size    int // sum of len(key)+len(value) over all entries
	entries map[string]Entry
}

// NewCache creates an empty cache with the given byte budget. Timestamps
// and hash indices do not count against the budget, keys and values do.
func NewCache(maxSize int) *Cache {
	return &Cache{
		maxSize: maxSize,
		entries: make(map[string]Entry),
	}
}

// Set stores value under key. An empty value deletes the key and always
// succeeds. A timestamp older than the stored one leaves the entry
// untouched; the same timestamp or a newer one overwrites. Older entries
// are evicted until the new one fits.
func (c *Cache) Set(key, value string, timestamp time.Time, index float64) Error {
	if value == "" {
		c.Delete(key)
		return OK
	}
	size := len(key) + len(value)
	if size > c.maxSize {
		return TooBig
	}
	current, exists := c.entries[key]
	if exists && timestamp.Before(current.LastUpdate) {
		return OK // stale write, keep what we have
	}
	currentSize := 0
	if exists {
		currentSize = len(key) + len(current.Value)
	}
	for c.size-currentSize+size > c.maxSize {
		c.evictOldest(key)
	}
	c.entries[key] = Entry{Value: value, LastUpdate: timestamp, Index: index}
	c.size += size - currentSize
	return OK
}

// Get returns the write timestamp and value of a key.
func (c *Cache) Get(key string) (time.Time, string, bool) {
	entry, ok := c.entries[key]
	if !ok {
		return time.Time{}, "", false
	}
	return entry.LastUpdate, entry.Value, true
}

// IndexFor returns the memoized hash index of a cached key.
func (c *Cache) IndexFor(key string) (float64, bool) {
	entry, ok := c.entries[key]
	return entry.Index, ok
}

// Delete removes a key, adjusting the size bookkeeping.
func (c *Cache) Delete(key string) {
	entry, ok := c.entries[key]
	if !ok {
		return
	}
	c.size -= len(key) + len(entry.Value)
	delete(c.entries, key)
}

// Items returns a snapshot of all entries. Mutating the cache while
// iterating the snapshot is safe.
func (c *Cache) Items() []Item {
	items := make([]Item, 0, len(c.entries))
	for key, entry := range c.entries {
		items = append(items, Item{Key: key, Entry: entry})
	}
	return items
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Usage returns how much of the byte budget is in use, in percent.
func (c *Cache) Usage() float64 {
	return 100 * float64(c.size) / float64(c.maxSize)
}

// evictOldest removes the entry with the oldest timestamp, never touching
// except. Ties fall to the smaller key, which keeps eviction deterministic.
func (c *Cache) evictOldest(except string) {
	victim := ""
	var oldest time.Time
	found := false
	for key, entry := range c.entries {
		if key == except {
			continue
		}
		switch {
		case !found,
			entry.LastUpdate.Before(oldest),
			entry.LastUpdate.Equal(oldest) && key < victim:
			victim = key
			oldest = entry.LastUpdate
			found = true
		}
	}
	if found {
		c.Delete(victim)
	}
}
