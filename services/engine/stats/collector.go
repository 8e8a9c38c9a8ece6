// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats collects per-query statistics for the GraphRAG engine:
// latencies, cache hit accounting, and recurring parameter patterns.
//
// The Collector is the only statistics owner in the engine; the cache
// and the optimizers all report into one shared instance. All
// operations are infallible and safe for concurrent use.
package stats

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// defaultMaxHistory caps the query-time ring buffer.
const defaultMaxHistory = 1000

// statsEntry is one recorded query execution.
type statsEntry struct {
	duration  time.Duration
	timestamp time.Time
}

// patternEntry counts occurrences of one canonical parameter pattern.
type patternEntry struct {
	count     int
	firstSeen int // insertion sequence, breaks frequency ties
}

// Summary is a point-in-time snapshot of collected statistics.
type Summary struct {
	// Count is the total number of recorded queries.
	Count int `json:"count"`

	// CacheHitRate is hits / Count, 0 when no queries were recorded.
	CacheHitRate float64 `json:"cache_hit_rate"`

	// Avg, Min, Max summarize all recorded query durations.
	Avg time.Duration `json:"avg"`
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`

	// RecentAvg averages durations inside the recent window (5 min).
	RecentAvg time.Duration `json:"recent_avg"`

	// TopPatterns lists the most frequent parameter patterns,
	// descending by frequency, ties broken by first-seen order.
	TopPatterns []Pattern `json:"top_patterns,omitempty"`
}

// Pattern is one recurring parameter pattern with its frequency.
type Pattern struct {
	// Key is the canonical serialization of the parameter subset.
	Key string `json:"key"`

	// Count is the number of times the pattern was recorded.
	Count int `json:"count"`
}

// Collector accumulates query statistics.
//
// The duration history is an append-only ring capped at maxHistory
// entries; pattern counts are unbounded (keys are small and the
// parameter space is, in practice, narrow).
type Collector struct {
	mu         sync.Mutex
	entries    []statsEntry // ring buffer
	next       int          // ring write position
	filled     bool         // ring has wrapped
	maxHistory int

	queryCount int
	cacheHits  int

	totalDuration time.Duration
	minDuration   time.Duration
	maxDuration   time.Duration

	patterns   map[string]*patternEntry
	patternSeq int

	// Optional exported metrics.
	queriesTotal  prometheus.Counter
	hitsTotal     prometheus.Counter
	queryDuration prometheus.Histogram
}

// Option configures a Collector.
type Option func(*Collector)

// WithMaxHistory overrides the duration history cap.
func WithMaxHistory(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.maxHistory = n
		}
	}
}

// WithRegisterer exports query metrics (graphrag_queries_total,
// graphrag_cache_hits_total, graphrag_query_duration_seconds) to the
// given Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Collector) {
		c.queriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphrag_queries_total",
			Help: "Total number of executed queries",
		})
		c.hitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphrag_cache_hits_total",
			Help: "Total number of query cache hits",
		})
		c.queryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "graphrag_query_duration_seconds",
			Help:    "Query execution duration",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.queriesTotal, c.hitsTotal, c.queryDuration)
	}
}

// NewCollector creates an empty Collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		maxHistory: defaultMaxHistory,
		patterns:   make(map[string]*patternEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.entries = make([]statsEntry, c.maxHistory)
	return c
}

// RecordQueryTime records the duration of one executed query.
func (c *Collector) RecordQueryTime(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[c.next] = statsEntry{duration: duration, timestamp: time.Now()}
	c.next = (c.next + 1) % c.maxHistory
	if c.next == 0 {
		c.filled = true
	}

	c.queryCount++
	c.totalDuration += duration
	if c.queryCount == 1 || duration < c.minDuration {
		c.minDuration = duration
	}
	if duration > c.maxDuration {
		c.maxDuration = duration
	}

	if c.queriesTotal != nil {
		c.queriesTotal.Inc()
		c.queryDuration.Observe(duration.Seconds())
	}
}

// RecordCacheHit records one query served from the cache.
func (c *Collector) RecordCacheHit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHits++
	if c.hitsTotal != nil {
		c.hitsTotal.Inc()
	}
}

// RecordPattern records an occurrence of the given parameter subset.
// The subset is reduced to a canonical order-independent key, so two
// maps with the same entries in different insertion orders count as
// the same pattern.
func (c *Collector) RecordPattern(subset map[string]any) {
	key := CanonicalKey(subset)

	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.patterns[key]; ok {
		entry.count++
		return
	}
	c.patterns[key] = &patternEntry{count: 1, firstSeen: c.patternSeq}
	c.patternSeq++
}

// RecentTimes returns the durations of queries recorded within the
// given window, oldest first.
func (c *Collector) RecentTimes(window time.Duration) []time.Duration {
	cutoff := time.Now().Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	var out []time.Duration
	for _, entry := range c.ordered() {
		if entry.timestamp.After(cutoff) {
			out = append(out, entry.duration)
		}
	}
	return out
}

// QueryCount returns the total number of recorded queries.
func (c *Collector) QueryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queryCount
}

// CacheHitRate returns hits / queries, 0 when nothing was recorded.
func (c *Collector) CacheHitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hitRateLocked()
}

// AvgQueryTime returns the mean recorded duration, 0 when empty.
func (c *Collector) AvgQueryTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queryCount == 0 {
		return 0
	}
	return c.totalDuration / time.Duration(c.queryCount)
}

// TopPatterns returns up to n patterns sorted by descending frequency,
// ties broken by first-seen order.
func (c *Collector) TopPatterns(n int) []Pattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topPatternsLocked(n)
}

// Summary returns a snapshot of all aggregate statistics. The recent
// window is fixed at five minutes.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Summary{
		Count:        c.queryCount,
		CacheHitRate: c.hitRateLocked(),
		Min:          c.minDuration,
		Max:          c.maxDuration,
		TopPatterns:  c.topPatternsLocked(5),
	}
	if c.queryCount > 0 {
		s.Avg = c.totalDuration / time.Duration(c.queryCount)
	}

	cutoff := time.Now().Add(-5 * time.Minute)
	var recentTotal time.Duration
	var recentCount int
	for _, entry := range c.ordered() {
		if entry.timestamp.After(cutoff) {
			recentTotal += entry.duration
			recentCount++
		}
	}
	if recentCount > 0 {
		s.RecentAvg = recentTotal / time.Duration(recentCount)
	}
	return s
}

// hitRateLocked computes the cache hit rate. Caller must hold c.mu.
func (c *Collector) hitRateLocked() float64 {
	if c.queryCount == 0 {
		return 0
	}
	rate := float64(c.cacheHits) / float64(c.queryCount)
	if rate > 1 {
		rate = 1
	}
	return rate
}

// topPatternsLocked sorts patterns by count desc, firstSeen asc.
// Caller must hold c.mu.
func (c *Collector) topPatternsLocked(n int) []Pattern {
	type kv struct {
		key   string
		entry *patternEntry
	}
	all := make([]kv, 0, len(c.patterns))
	for key, entry := range c.patterns {
		all = append(all, kv{key, entry})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].entry.count != all[j].entry.count {
			return all[i].entry.count > all[j].entry.count
		}
		return all[i].entry.firstSeen < all[j].entry.firstSeen
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	out := make([]Pattern, len(all))
	for i, p := range all {
		out[i] = Pattern{Key: p.key, Count: p.entry.count}
	}
	return out
}

// ordered returns ring entries oldest first. Caller must hold c.mu.
func (c *Collector) ordered() []statsEntry {
	if !c.filled {
		return c.entries[:c.next]
	}
	out := make([]statsEntry, 0, c.maxHistory)
	out = append(out, c.entries[c.next:]...)
	out = append(out, c.entries[:c.next]...)
	return out
}

// CanonicalKey serializes a parameter subset into a deterministic,
// order-independent key: keys are sorted, values JSON-encoded.
func CanonicalKey(subset map[string]any) string {
	if len(subset) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(subset))
	for k := range subset {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 64)
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, '"')
		buf = append(buf, k...)
		buf = append(buf, '"', ':')
		val, err := json.Marshal(subset[k])
		if err != nil {
			val = []byte(fmt.Sprintf("%q", fmt.Sprint(subset[k])))
		}
		buf = append(buf, val...)
	}
	buf = append(buf, '}')
	return string(buf)
}
