// Copyright 2025 IntentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// CacheConfig bounds the cache by entry count and total serialized
// byte size.
type CacheConfig struct {
	MaxEntries    int
	MaxBytes      int64
	SweepInterval time.Duration
}

// DefaultCacheConfig returns the stock bounds: 1000 entries, 100 MiB.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MaxEntries:    1000,
		MaxBytes:      100 << 20,
		SweepInterval: time.Minute,
	}
}

// CacheStats is a point-in-time snapshot of cache counters. Hits and
// misses are monotonic for the process lifetime until Clear.
type CacheStats struct {
	Entries int   `json:"entries"`
	Size    int64 `json:"size_bytes"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// cacheEntry holds one stored value with its expiry and access stats.
type cacheEntry struct {
	value       interface{}
	size        int64
	cachedAt    time.Time
	ttl         time.Duration // 0 means no expiry
	accessCount int64
}

// expired reports whether the entry has passed its TTL at time now.
func (e *cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.cachedAt) > e.ttl
}

// Cache is a string-keyed TTL store with at-most-one entry per key.
// Expired entries are removed lazily on access and by a background
// sweeper. On overflow the entry with the lowest access count is
// evicted (ties broken by oldest cachedAt); when the byte bound is
// exceeded, roughly 10% of the lowest-scored entries go in one pass.
type Cache struct {
	mu        sync.RWMutex
	entries   map[string]*cacheEntry
	config    CacheConfig
	totalSize int64

	hits   atomic.Int64
	misses atomic.Int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewCache creates a cache and starts its background sweeper.
func NewCache(config CacheConfig) *Cache {
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = 100 << 20
	}
	c := &Cache{
		entries:   make(map[string]*cacheEntry),
		config:    config,
		stopSweep: make(chan struct{}),
	}
	if config.SweepInterval > 0 {
		go c.sweepLoop(config.SweepInterval)
	}
	return c
}

// Get returns the value for key, or (nil, false) for missing or
// expired entries. An expired entry is removed on first access.
func (c *Cache) Get(key string) (interface{}, bool) {
	now := time.Now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	if entry.expired(now) {
		c.mu.Lock()
		// Re-check under the write lock; another writer may have replaced it.
		if current, still := c.entries[key]; still && current.expired(now) {
			c.totalSize -= current.size
			delete(c.entries, key)
		}
		c.mu.Unlock()
		c.misses.Add(1)
		return nil, false
	}

	atomic.AddInt64(&entry.accessCount, 1)
	c.hits.Add(1)
	return entry.value, true
}

// Set stores value under key with an optional TTL (0 disables expiry),
// replacing any previous entry, and evicts on overflow.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	size := serializedSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.totalSize -= old.size
	}
	c.entries[key] = &cacheEntry{
		value:    value,
		size:     size,
		cachedAt: time.Now(),
		ttl:      ttl,
	}
	c.totalSize += size

	c.evictLocked()
}

// Remove deletes the entry for key, if any.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries[key]; ok {
		c.totalSize -= entry.size
		delete(c.entries, key)
	}
}

// Clear drops all entries and resets the hit/miss counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.totalSize = 0
	c.mu.Unlock()

	c.hits.Store(0)
	c.misses.Store(0)
}

// Stats returns current cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.RLock()
	entries := len(c.entries)
	size := c.totalSize
	c.mu.RUnlock()

	return CacheStats{
		Entries: entries,
		Size:    size,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}
}

// Close stops the background sweeper.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

// evictLocked enforces the entry-count and byte bounds. Caller holds
// the write lock.
func (c *Cache) evictLocked() {
	if len(c.entries) <= c.config.MaxEntries && c.totalSize <= c.config.MaxBytes {
		return
	}

	type scored struct {
		key      string
		access   int64
		cachedAt time.Time
		size     int64
	}
	candidates := make([]scored, 0, len(c.entries))
	for key, entry := range c.entries {
		candidates = append(candidates, scored{
			key:      key,
			access:   atomic.LoadInt64(&entry.accessCount),
			cachedAt: entry.cachedAt,
			size:     entry.size,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].access != candidates[j].access {
			return candidates[i].access < candidates[j].access
		}
		return candidates[i].cachedAt.Before(candidates[j].cachedAt)
	})

	// Count bound: drop lowest-scored entries one at a time.
	idx := 0
	for len(c.entries) > c.config.MaxEntries && idx < len(candidates) {
		c.removeScoredLocked(candidates[idx].key, candidates[idx].size)
		idx++
	}

	// Byte bound: drop ~10% of the lowest-scored entries in one pass,
	// continuing past that if the bound is still exceeded.
	if c.totalSize > c.config.MaxBytes {
		batch := len(candidates) / 10
		if batch < 1 {
			batch = 1
		}
		dropped := 0
		for idx < len(candidates) && (dropped < batch || c.totalSize > c.config.MaxBytes) {
			c.removeScoredLocked(candidates[idx].key, candidates[idx].size)
			idx++
			dropped++
		}
	}
}

// removeScoredLocked removes one eviction candidate if still present.
func (c *Cache) removeScoredLocked(key string, size int64) {
	if _, ok := c.entries[key]; ok {
		c.totalSize -= size
		delete(c.entries, key)
	}
}

// sweepLoop periodically removes expired entries.
func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for key, entry := range c.entries {
				if entry.expired(now) {
					c.totalSize -= entry.size
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		case <-c.stopSweep:
			return
		}
	}
}

// serializedSize estimates an entry's footprint as its JSON length.
func serializedSize(value interface{}) int64 {
	data, err := json.Marshal(value)
	if err != nil {
		return 64
	}
	return int64(len(data))
}
