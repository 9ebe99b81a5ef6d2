// Herald - Media Library Notification Router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/herald

// Package cache provides a bounded LRU with per-entry TTL.
//
// It backs two things: short-window suppression of duplicate inbound events
// and the rating lookup cache used by enrichment.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	key       string
	value     V
	prev      *entry[V]
	next      *entry[V]
	expiresAt time.Time
}

// LRU is a thread-safe least recently used cache with lazy TTL expiry.
// Get, Add and Remove are O(1); the list head is the most recently used.
type LRU[V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	items    map[string]*entry[V]
	head     *entry[V] // sentinel
	tail     *entry[V] // sentinel
	now      func() time.Time

	hits      int64
	misses    int64
	evictions int64
}

// New creates an LRU holding at most capacity entries for ttl each.
func New[V any](capacity int, ttl time.Duration) *LRU[V] {
	if capacity <= 0 {
		capacity = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := &LRU[V]{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*entry[V], capacity),
		head:     &entry[V]{},
		tail:     &entry[V]{},
		now:      time.Now,
	}
	c.head.next = c.tail
	c.tail.prev = c.head
	return c
}

// Get returns the value for key if present and unexpired.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.items[key]
	if !ok {
		c.misses++
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.unlink(e)
		c.misses++
		return zero, false
	}
	c.moveToFront(e)
	c.hits++
	return e.value, true
}

// Add inserts or replaces key, resetting its TTL.
func (c *LRU[V]) Add(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(key, value)
}

// AddIfAbsent stores value unless an unexpired entry for key exists.
// It reports whether the key was already present, which makes it a
// single-call duplicate check.
func (c *LRU[V]) AddIfAbsent(key string, value V) (present bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok {
		if !c.now().After(e.expiresAt) {
			c.moveToFront(e)
			c.hits++
			return true
		}
		c.unlink(e)
	}
	c.misses++
	c.put(key, value)
	return false
}

// Remove deletes key and reports whether it was present.
func (c *LRU[V]) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if ok {
		c.unlink(e)
	}
	return ok
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// CleanupExpired removes expired entries and returns how many were removed.
func (c *LRU[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for e := c.tail.prev; e != c.head; {
		prev := e.prev
		if now.After(e.expiresAt) {
			c.unlink(e)
			removed++
		}
		e = prev
	}
	return removed
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
	Capacity  int   `json:"capacity"`
}

// Stats returns hit, miss and eviction counters.
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Evictions: c.evictions, Size: len(c.items), Capacity: c.capacity}
}

// put must be called with mu held.
func (c *LRU[V]) put(key string, value V) {
	expiresAt := c.now().Add(c.ttl)
	if e, ok := c.items[key]; ok {
		e.value = value
		e.expiresAt = expiresAt
		c.moveToFront(e)
		return
	}
	e := &entry[V]{key: key, value: value, expiresAt: expiresAt}
	c.pushFront(e)
	c.items[key] = e
	for len(c.items) > c.capacity {
		oldest := c.tail.prev
		if oldest == c.head {
			break
		}
		c.unlink(oldest)
		c.evictions++
	}
}

func (c *LRU[V]) pushFront(e *entry[V]) {
	e.prev = c.head
	e.next = c.head.next
	c.head.next.prev = e
	c.head.next = e
}

func (c *LRU[V]) moveToFront(e *entry[V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	c.pushFront(e)
}

func (c *LRU[V]) unlink(e *entry[V]) {
	e.prev.next = e.next
	e.next.prev = e.prev
	delete(c.items, e.key)
}
