// Package cache implements the bounded key->value store described in
// SPEC_FULL.md §4.2: last-writer-wins by timestamp, oldest-first eviction
// under a byte-size budget. No disk persistence — that is an explicit
// Non-goal (spec.md §1).
package cache

import (
	"sync"
	"time"
)

// SetResult is the outcome of a Set call.
type SetResult int

const (
	OK SetResult = iota
	TooBig
)

// DefaultMaxSize is MAX_SIZE from spec.md §6 (1 MiB).
const DefaultMaxSize = 1 << 20

// entry is one resident key's value.
type entry struct {
	value      []byte
	lastUpdate time.Time
	hashIndex  float64
}

// Cache is a bounded, in-memory key->value store.
//
// Size accounting only counts len(key)+len(value) for resident entries;
// timestamps and the memoized hash index are not charged against MaxSize
// (spec.md §3, Invariant 3).
type Cache struct {
	mu       sync.Mutex
	MaxSize  int
	entries  map[string]*entry
	size     int
}

// New creates an empty Cache with the given byte budget. maxSize<=0 uses
// DefaultMaxSize.
func New(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Cache{MaxSize: maxSize, entries: make(map[string]*entry)}
}

// Set stores value under key with the given timestamp and memoized
// hashIndex. An empty value deletes the key and always returns OK
// (spec.md §4.2, "Deletion of an empty value").
func (c *Cache) Set(key string, value []byte, ts time.Time, hashIndex float64) SetResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(value) == 0 {
		c.deleteLocked(key)
		return OK
	}

	cost := len(key) + len(value)
	if cost > c.MaxSize {
		return TooBig
	}

	if existing, ok := c.entries[key]; ok {
		if ts.Before(existing.lastUpdate) {
			// Stale write: keep the stored entry unchanged.
			return OK
		}
		delta := cost - (len(key) + len(existing.value))
		existing.value = value
		existing.lastUpdate = ts
		existing.hashIndex = hashIndex
		c.size += delta
		return OK
	}

	c.evictUntilFitsLocked(key, cost)
	c.entries[key] = &entry{value: value, lastUpdate: ts, hashIndex: hashIndex}
	c.size += cost
	return OK
}

// Get returns the stored timestamp and value for key, or (zero, nil) if the
// key is unknown.
func (c *Cache) Get(key string) (time.Time, []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return time.Time{}, nil
	}
	return e.lastUpdate, e.value
}

// IndexFor returns the memoized hash index for key, and whether key exists.
func (c *Cache) IndexFor(key string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return 0, false
	}
	return e.hashIndex, true
}

// Delete removes key unconditionally. Always returns OK, even if key was
// absent (same contract as Set with an empty value).
func (c *Cache) Delete(key string) SetResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(key)
	return OK
}

// Item is one (key, value, timestamp, hashIndex) tuple yielded by Items.
type Item struct {
	Key        string
	Value      []byte
	LastUpdate time.Time
	HashIndex  float64
}

// Items returns a snapshot of every resident entry.
func (c *Cache) Items() []Item {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Item, 0, len(c.entries))
	for k, e := range c.entries {
		out = append(out, Item{Key: k, Value: e.value, LastUpdate: e.lastUpdate, HashIndex: e.hashIndex})
	}
	return out
}

// Len returns the number of resident keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns current byte usage (sum of len(key)+len(value)).
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Cache) deleteLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	c.size -= len(key) + len(e.value)
	delete(c.entries, key)
}

// evictUntilFitsLocked removes the oldest entries (by lastUpdate), never the
// incoming key itself, until room for `cost` more bytes exists.
func (c *Cache) evictUntilFitsLocked(incomingKey string, cost int) {
	for c.size+cost > c.MaxSize {
		oldestKey, oldestEntry, found := c.oldestLocked(incomingKey)
		if !found {
			return
		}
		c.size -= len(oldestKey) + len(oldestEntry.value)
		delete(c.entries, oldestKey)
	}
}

func (c *Cache) oldestLocked(excludeKey string) (string, *entry, bool) {
	var (
		bestKey   string
		bestEntry *entry
	)
	for k, e := range c.entries {
		if k == excludeKey {
			continue
		}
		if bestEntry == nil || e.lastUpdate.Before(bestEntry.lastUpdate) {
			bestKey, bestEntry = k, e
		}
	}
	return bestKey, bestEntry, bestEntry != nil
}
