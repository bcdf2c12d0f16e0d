// Copyright Project Relay Authors
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

// Package ttlcache provides the eviction/TTL store underneath the
// request-level interceptors: per-entry expiry, LRU eviction at a
// configurable capacity, tag-based invalidation, and a periodic reaper.
package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// Options configures a Cache. The zero value means no capacity limit,
// no default TTL, and a one minute reap interval.
type Options struct {
	// MaxEntries caps the number of live entries; the least recently
	// used entry is evicted when the cap is exceeded. Zero means
	// unbounded.
	MaxEntries int

	// DefaultTTL applies to entries stored via Set. Zero means entries
	// never expire unless a TTL is given explicitly.
	DefaultTTL time.Duration

	// ReapInterval controls how often expired entries are removed in
	// the background. Zero defaults to one minute; negative disables
	// the reaper.
	ReapInterval time.Duration

	// Grace retains expired entries for this additional window so
	// GetStale can still serve them; the reaper and expiry-on-access
	// discard an entry only once it is past TTL plus Grace. Zero
	// removes entries as soon as they expire.
	Grace time.Duration
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries   int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Expired   uint64
}

type entry struct {
	key       string
	value     any
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
	tags      []string
	elem      *list.Element
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a mutex-guarded TTL + LRU store. All methods are safe for
// concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front is most recently used
	opts    Options
	stats   Stats
	stop    chan struct{}
	once    sync.Once
}

// New returns a Cache and starts its reaper unless disabled.
func New(opts Options) *Cache {
	if opts.ReapInterval == 0 {
		opts.ReapInterval = time.Minute
	}
	c := &Cache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		opts:    opts,
		stop:    make(chan struct{}),
	}
	if opts.ReapInterval > 0 {
		go c.reap()
	}
	return c
}

// Close stops the background reaper. The cache remains usable.
func (c *Cache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Cache) reap() {
	ticker := time.NewTicker(c.opts.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.RemoveExpired()
		}
	}
}

// RemoveExpired drops every entry past its expiry plus the grace
// window and returns how many were removed.
func (c *Cache) RemoveExpired() int {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, e := range c.entries {
		if c.reapable(e, now) {
			c.remove(e)
			c.stats.Expired++
			n++
		}
	}
	return n
}

// reapable reports whether an entry is past expiry and outside the
// grace window. Must be called with the lock held.
func (c *Cache) reapable(e *entry, now time.Time) bool {
	return e.expired(now) && now.After(e.expiresAt.Add(c.opts.Grace))
}

// remove must be called with the lock held.
func (c *Cache) remove(e *entry) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
}

// Set stores value under key with the default TTL.
func (c *Cache) Set(key string, value any) {
	c.SetTTL(key, value, c.opts.DefaultTTL)
}

// SetTTL stores value under key with an explicit TTL and optional
// invalidation tags. A zero ttl means no expiry.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration, tags ...string) {
	now := time.Now()
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.createdAt = now
		e.expiresAt = expires
		e.tags = tags
		c.lru.MoveToFront(e.elem)
		return
	}

	e := &entry{
		key:       key,
		value:     value,
		createdAt: now,
		expiresAt: expires,
		tags:      tags,
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e

	if c.opts.MaxEntries > 0 && len(c.entries) > c.opts.MaxEntries {
		if back := c.lru.Back(); back != nil {
			c.remove(back.Value.(*entry))
			c.stats.Evictions++
		}
	}
}

// Get returns the live value for key. An expired entry is a miss; it
// is removed on access once outside the grace window, and retained
// within it for GetStale callers.
func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if e.expired(now) {
		if c.reapable(e, now) {
			c.remove(e)
			c.stats.Expired++
		}
		c.stats.Misses++
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	c.stats.Hits++
	return e.value, true
}

// GetStale returns the value for key even when expired, reporting
// staleness and the entry's age. Stale entries are retained so a
// stale-while-revalidate caller can serve them during refresh.
func (c *Cache) GetStale(key string) (value any, stale bool, age time.Duration, ok bool) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false, 0, false
	}
	c.lru.MoveToFront(e.elem)
	if e.expired(now) {
		return e.value, true, now.Sub(e.expiresAt), true
	}
	c.stats.Hits++
	return e.value, false, 0, true
}

// Delete removes key if present and reports whether it existed.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if ok {
		c.remove(e)
	}
	return ok
}

// DeleteTag removes every entry carrying tag and returns the count.
func (c *Cache) DeleteTag(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, e := range c.entries {
		for _, t := range e.tags {
			if t == tag {
				c.remove(e)
				n++
				break
			}
		}
	}
	return n
}

// Len returns the number of entries, including not-yet-reaped expired
// ones.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}
