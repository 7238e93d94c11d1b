// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overline

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// CacheStatus is derived from an entry's persisted fields, never stored.
type CacheStatus string

// CacheEntry is one cached query result
type CacheEntry struct {
	Signature  Signature       `json:"signature"`
	Data       json.RawMessage `json:"data,omitempty"`
	FetchedAt  time.Time       `json:"fetched_at"`
	StaleAfter time.Duration   `json:"stale_after"`
	Invalid    bool            `json:"invalid,omitempty"`
	Entities   []string        `json:"entities,omitempty"` // target entities this result depends on
}

// Status reports fresh/stale/invalid at the given instant.
func (e CacheEntry) Status(now time.Time) CacheStatus {
	if e.Invalid {
		return StatusInvalid
	}
	if now.Before(e.FetchedAt.Add(e.StaleAfter)) {
		return StatusFresh
	}
	return StatusStale
}

// Usable reports whether the entry carries data that may be shown.
func (e CacheEntry) Usable() bool {
	return !e.Invalid && len(e.Data) > 0
}

// CacheEvent is delivered to subscribers of a signature.
type CacheEvent struct {
	Signature Signature
	Entry     CacheEntry
}

type cacheItem struct {
	entry CacheEntry
	elem  *list.Element // position in recency list; front = most recently read
}

type subscriber struct {
	id int64
	cb func(CacheEvent)
}

// QueryCache is the in-memory map of query results. It never performs I/O.
type QueryCache struct {
	mu         sync.Mutex
	items      map[Signature]*cacheItem
	recency    *list.List
	subs       map[Signature][]subscriber
	nextSubID  int64
	maxEntries int
	version    uint64
	now        func() time.Time
	logger     *slog.Logger
}

// NewQueryCache creates an empty cache bounded to maxEntries.
func NewQueryCache(maxEntries int, logger *slog.Logger) *QueryCache {
	if logger == nil {
		logger = slog.Default()
	}
	if maxEntries <= 0 {
		maxEntries = DefaultConfig().CacheMaxEntries
	}
	return &QueryCache{
		items:      make(map[Signature]*cacheItem),
		recency:    list.New(),
		subs:       make(map[Signature][]subscriber),
		maxEntries: maxEntries,
		now:        time.Now,
		logger:     logger,
	}
}

// Read returns the entry for sig and marks it as recently read.
func (c *QueryCache) Read(sig Signature) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[sig]
	if !ok {
		return CacheEntry{}, false
	}
	c.recency.MoveToFront(item.elem)
	return cloneEntry(item.entry), true
}

// Write upserts an entry and resets its fetch time.
func (c *QueryCache) Write(sig Signature, data json.RawMessage, staleAfter time.Duration, entities ...string) {
	c.mu.Lock()
	entry := CacheEntry{
		Signature:  sig,
		Data:       slices.Clone(data),
		FetchedAt:  c.now(),
		StaleAfter: staleAfter,
		Entities:   mergeEntities(nil, entities),
	}
	if item, ok := c.items[sig]; ok {
		entry.Entities = mergeEntities(item.entry.Entities, entities)
		item.entry = entry
		c.recency.MoveToFront(item.elem)
	} else {
		c.items[sig] = &cacheItem{entry: entry, elem: c.recency.PushFront(sig)}
	}
	c.version++
	evicted := c.evictLocked(sig)
	notify := c.collectLocked(sig, entry)
	c.mu.Unlock()

	notify()
	c.notifyEvicted(evicted)
}

// Invalidate forces the entry's status to invalid so the next read path refetches.
func (c *QueryCache) Invalidate(sig Signature) {
	c.mu.Lock()
	item, ok := c.items[sig]
	if !ok {
		c.mu.Unlock()
		return
	}
	item.entry.Invalid = true
	c.version++
	notify := c.collectLocked(sig, item.entry)
	c.mu.Unlock()

	notify()
}

// InvalidateEntity invalidates every entry tagged with entity.
func (c *QueryCache) InvalidateEntity(entity string) {
	for _, sig := range c.SignaturesForEntity(entity) {
		c.Invalidate(sig)
	}
}

// SignaturesForEntity lists the signatures whose results depend on entity.
func (c *QueryCache) SignaturesForEntity(entity string) []Signature {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Signature
	for sig, item := range c.items {
		if slices.Contains(item.entry.Entities, entity) {
			out = append(out, sig)
		}
	}
	slices.Sort(out)
	return out
}

// Subscribe registers cb for writes and invalidations affecting sig.
// The returned function removes the subscription.
func (c *QueryCache) Subscribe(sig Signature, cb func(CacheEvent)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs[sig] = append(c.subs[sig], subscriber{id: id, cb: cb})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			subs := c.subs[sig]
			for i, s := range subs {
				if s.id == id {
					subs = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(subs) == 0 {
				delete(c.subs, sig)
			} else {
				c.subs[sig] = subs
			}
		})
	}
}

// Prune drops unsubscribed entries that have been stale for longer than maxAge.
func (c *QueryCache) Prune(now time.Time, maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	c.mu.Lock()
	var pruned []Signature
	for sig, item := range c.items {
		if len(c.subs[sig]) > 0 {
			continue
		}
		if now.After(item.entry.FetchedAt.Add(item.entry.StaleAfter).Add(maxAge)) {
			c.removeLocked(sig)
			pruned = append(pruned, sig)
		}
	}
	if len(pruned) > 0 {
		c.version++
	}
	c.mu.Unlock()
	return len(pruned)
}

// Len returns the number of cached entries.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Version increases on every change; the persister uses it to skip clean snapshots.
func (c *QueryCache) Version() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Entries returns every entry ordered from least to most recently read.
func (c *QueryCache) Entries() []CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheEntry, 0, len(c.items))
	for e := c.recency.Back(); e != nil; e = e.Prev() {
		out = append(out, cloneEntry(c.items[e.Value.(Signature)].entry))
	}
	return out
}

// Load replaces the cache content with entries ordered least to most recently read.
// A snapshot that repeats a signature is rejected.
func (c *QueryCache) Load(entries []CacheEntry) error {
	seen := make(map[Signature]struct{}, len(entries))
	for _, e := range entries {
		if _, dup := seen[e.Signature]; dup {
			return fmt.Errorf("%w: duplicate signature %q in cache snapshot", ErrInvariant, e.Signature)
		}
		seen[e.Signature] = struct{}{}
	}

	c.mu.Lock()
	c.items = make(map[Signature]*cacheItem, len(entries))
	c.recency.Init()
	for _, e := range entries {
		c.items[e.Signature] = &cacheItem{entry: cloneEntry(e), elem: c.recency.PushFront(e.Signature)}
	}
	c.version++
	evicted := c.evictLocked("")
	c.mu.Unlock()

	c.notifyEvicted(evicted)
	return nil
}

// Reset drops every entry and subscription.
func (c *QueryCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[Signature]*cacheItem)
	c.recency.Init()
	c.subs = make(map[Signature][]subscriber)
	c.version++
}

// evictLocked removes least-recently-read unsubscribed entries above the bound. The
// entry for keep is never evicted, so a write is always readable until the next one.
func (c *QueryCache) evictLocked(keep Signature) []Signature {
	var evicted []Signature
	for e := c.recency.Back(); e != nil && len(c.items) > c.maxEntries; {
		prev := e.Prev()
		sig := e.Value.(Signature)
		if sig != keep && len(c.subs[sig]) == 0 {
			c.removeLocked(sig)
			evicted = append(evicted, sig)
		}
		e = prev
	}
	if len(c.items) > c.maxEntries {
		c.logger.Warn("Query cache above bound; remaining entries are subscribed",
			"entries", len(c.items), "max_entries", c.maxEntries)
	}
	return evicted
}

func (c *QueryCache) removeLocked(sig Signature) {
	if item, ok := c.items[sig]; ok {
		c.recency.Remove(item.elem)
		delete(c.items, sig)
	}
}

// collectLocked snapshots the subscriber list so callbacks run without the lock held.
func (c *QueryCache) collectLocked(sig Signature, entry CacheEntry) func() {
	subs := slices.Clone(c.subs[sig])
	if len(subs) == 0 {
		return func() {}
	}
	ev := CacheEvent{Signature: sig, Entry: cloneEntry(entry)}
	return func() {
		for _, s := range subs {
			s.cb(ev)
		}
	}
}

func (c *QueryCache) notifyEvicted(evicted []Signature) {
	if len(evicted) > 0 {
		c.logger.Debug("Evicted query cache entries", "count", len(evicted))
	}
}

func cloneEntry(e CacheEntry) CacheEntry {
	e.Data = slices.Clone(e.Data)
	e.Entities = slices.Clone(e.Entities)
	return e
}

func mergeEntities(existing, add []string) []string {
	out := slices.Clone(existing)
	for _, e := range add {
		if e != "" && !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}
