/*
Copyright 2024 Meridian Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package respcache is a process-local TTL cache for blockchain provider
// responses. Entries are evicted by time only, never by size: every cached
// operation is an idempotent read whose value is either still fresh or
// cheap to refetch. Values may be briefly stale relative to the provider,
// which is acceptable for these reads.
package respcache

import (
	"sync"
	"time"
)

type entry struct {
	value    interface{}
	expireAt time.Time
}

// Cache stores provider responses keyed by operation + arguments.
// Safe for concurrent readers and writers.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	// now is replaceable in tests for deterministic expiry.
	now func() time.Time
}

// NewCache creates an empty response cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Set stores a value under key with an absolute expiry of now+ttl.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{
		value:    value,
		expireAt: c.now().Add(ttl),
	}
}

// Get returns the value for key and true if present and unexpired.
// Expired entries are evicted lazily on access.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if c.now().After(e.expireAt) {
		c.mu.Lock()
		// Re-check under the write lock; a concurrent Set may have
		// refreshed the entry.
		if cur, ok := c.entries[key]; ok && c.now().After(cur.expireAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return e.value, true
}

// Delete removes the entry for key, if any.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Cleanup proactively sweeps expired entries.
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for key, e := range c.entries {
		if now.After(e.expireAt) {
			delete(c.entries, key)
		}
	}
}

// Len reports the number of live entries, counting not-yet-swept expired
// ones. Used for sweep scheduling and tests.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
