// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package querycache provides the TTL result cache for executed query
// plans. Keys are deterministic digests of the normalized query
// parameters, so semantically identical queries share a slot regardless
// of how the caller assembled them.
package querycache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine/backends"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/stats"
)

// DefaultTTL is the entry lifetime when none is configured.
const DefaultTTL = 5 * time.Minute

// DefaultCapacity is the entry cap when none is configured.
const DefaultCapacity = 1000

// entry is one cached result set.
type entry struct {
	results   []backends.SearchResult
	expiresAt time.Time
	seq       uint64 // insertion order, identifies the eviction victim
}

// Cache is a capacity-bounded TTL cache of query results.
//
// Expiry is lazy: an expired entry is dropped on the Get that finds it.
// When full, Put evicts the entry inserted longest ago. Safe for
// concurrent use.
type Cache struct {
	mu       sync.Mutex
	entries  map[string]*entry
	seq      uint64
	ttl      time.Duration
	capacity int

	collector *stats.Collector // optional hit reporting
}

// Option configures a Cache.
type Option func(*Cache)

// WithTTL overrides the entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCapacity overrides the entry cap.
func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

// WithCollector reports cache hits into the given stats collector.
func WithCollector(collector *stats.Collector) Option {
	return func(c *Cache) {
		c.collector = collector
	}
}

// New creates an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:  make(map[string]*entry),
		ttl:      DefaultTTL,
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// KeyFor derives the cache key for the given params: a SHA-256 digest
// over the canonical JSON of the params with the embedding folded in as
// raw bytes. Two params values that are semantically equal produce the
// same key; the embedding participates so that different vectors with
// identical filters do not collide.
func KeyFor(params datatypes.QueryParams) string {
	// The vector is hashed separately as raw bytes; JSON float
	// formatting is not a stable identity for embeddings.
	vector := params.Vector
	params.Vector = nil

	h := sha256.New()
	encoded, err := json.Marshal(params)
	if err != nil {
		// Marshal of QueryParams cannot fail; keep a defined key anyway.
		encoded = []byte(fmt.Sprintf("%+v", params))
	}
	h.Write(encoded)

	var buf [4]byte
	for _, v := range vector {
		binary.LittleEndian.PutUint32(buf[:], uint32(int32(v*1e6)))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached results for key, or ok=false on a miss or an
// expired entry. Hits are reported to the stats collector and the
// package metrics.
func (c *Cache) Get(ctx context.Context, key string) ([]backends.SearchResult, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok && time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		ok = false
	}
	var results []backends.SearchResult
	if ok {
		results = e.results
	}
	size := len(c.entries)
	c.mu.Unlock()

	if ok {
		if c.collector != nil {
			c.collector.RecordCacheHit()
		}
		recordHit(ctx, size)
		return results, true
	}
	recordMiss(ctx, size)
	return nil, false
}

// Put stores results under key with the cache-wide TTL. A full cache
// evicts the entry inserted longest ago before inserting.
func (c *Cache) Put(ctx context.Context, key string, results []backends.SearchResult) {
	c.PutTTL(ctx, key, results, 0)
}

// PutTTL is Put with a per-entry lifetime. Non-positive ttl uses the
// cache-wide default.
func (c *Cache) PutTTL(ctx context.Context, key string, results []backends.SearchResult, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	now := time.Now()

	c.mu.Lock()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.capacity {
		c.evictOldestLocked(ctx)
	}
	c.seq++
	c.entries[key] = &entry{
		results:   results,
		expiresAt: now.Add(ttl),
		seq:       c.seq,
	}
	size := len(c.entries)
	c.mu.Unlock()

	recordPut(ctx, size)
}

// Delete removes one entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}

// Len returns the current entry count, counting not-yet-collected
// expired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldestLocked removes the entry with the smallest insertion
// sequence. Caller must hold c.mu.
func (c *Cache) evictOldestLocked(ctx context.Context) {
	var victim string
	var victimSeq uint64
	for key, e := range c.entries {
		if victim == "" || e.seq < victimSeq {
			victim = key
			victimSeq = e.seq
		}
	}
	if victim != "" {
		delete(c.entries, victim)
		recordEviction(ctx)
	}
}
