package revocation

import (
	"sync"

	"github.com/jonboulle/clockwork"
)

// Cache holds revocation records keyed by issuer and serial number. It is
// safe for concurrent use; concurrent inserts for the same key keep the
// last one written.
type Cache struct {
	mu      sync.RWMutex
	entries map[Key]*Record
	clock   clockwork.Clock
}

// NewCache creates an empty cache. A nil clock uses the real clock.
func NewCache(clock clockwork.Clock) *Cache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache{
		entries: make(map[Key]*Record),
		clock:   clock,
	}
}

// Get returns a copy of the record for key if it has not expired.
func (c *Cache) Get(key Key) (*Record, bool) {
	c.mu.RLock()
	r, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || !c.clock.Now().Before(r.CacheExpiry) {
		return nil, false
	}
	return r.clone(), true
}

// Put stores a copy of r under r.Key.
func (c *Cache) Put(r *Record) {
	c.mu.Lock()
	c.entries[r.Key] = r.clone()
	c.mu.Unlock()
}

// Purge removes expired records and returns how many were removed.
func (c *Cache) Purge() int {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, r := range c.entries {
		if !now.Before(r.CacheExpiry) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored records, expired or not.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
