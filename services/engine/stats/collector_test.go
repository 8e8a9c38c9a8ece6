// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestCollectorDurations(t *testing.T) {
	c := NewCollector()

	c.RecordQueryTime(100 * time.Millisecond)
	c.RecordQueryTime(300 * time.Millisecond)
	c.RecordQueryTime(200 * time.Millisecond)

	t.Run("aggregates avg min max", func(t *testing.T) {
		s := c.Summary()
		if s.Count != 3 {
			t.Fatalf("Count = %d, want 3", s.Count)
		}
		if s.Avg != 200*time.Millisecond {
			t.Errorf("Avg = %v, want 200ms", s.Avg)
		}
		if s.Min != 100*time.Millisecond || s.Max != 300*time.Millisecond {
			t.Errorf("Min/Max = %v/%v, want 100ms/300ms", s.Min, s.Max)
		}
	})

	t.Run("recent times include fresh entries", func(t *testing.T) {
		times := c.RecentTimes(time.Minute)
		if len(times) != 3 {
			t.Fatalf("got %d recent times, want 3", len(times))
		}
		if times[0] != 100*time.Millisecond {
			t.Errorf("oldest first expected, got %v", times[0])
		}
	})

	t.Run("zero window excludes everything", func(t *testing.T) {
		if times := c.RecentTimes(-time.Second); len(times) != 0 {
			t.Errorf("negative window returned %d entries", len(times))
		}
	})
}

func TestCollectorHistoryCap(t *testing.T) {
	c := NewCollector(WithMaxHistory(5))
	for i := 0; i < 12; i++ {
		c.RecordQueryTime(time.Duration(i) * time.Millisecond)
	}

	times := c.RecentTimes(time.Minute)
	if len(times) != 5 {
		t.Fatalf("ring returned %d entries, want 5", len(times))
	}
	// Entries 7..11 survive, oldest first.
	if times[0] != 7*time.Millisecond || times[4] != 11*time.Millisecond {
		t.Errorf("unexpected ring contents: %v", times)
	}
	if c.QueryCount() != 12 {
		t.Errorf("QueryCount = %d, want 12 (counts survive eviction)", c.QueryCount())
	}
}

func TestCollectorHitRate(t *testing.T) {
	c := NewCollector()

	if rate := c.CacheHitRate(); rate != 0 {
		t.Fatalf("empty collector hit rate = %f, want 0", rate)
	}

	c.RecordQueryTime(time.Millisecond)
	c.RecordQueryTime(time.Millisecond)
	c.RecordQueryTime(time.Millisecond)
	c.RecordQueryTime(time.Millisecond)
	c.RecordCacheHit()

	if rate := c.CacheHitRate(); rate != 0.25 {
		t.Errorf("hit rate = %f, want 0.25", rate)
	}
}

func TestCollectorPatterns(t *testing.T) {
	c := NewCollector()

	t.Run("key order does not matter", func(t *testing.T) {
		c.RecordPattern(map[string]any{"top_k": 5, "max_depth": 2})
		c.RecordPattern(map[string]any{"max_depth": 2, "top_k": 5})

		top := c.TopPatterns(10)
		if len(top) != 1 {
			t.Fatalf("got %d patterns, want 1 (canonical key collision expected)", len(top))
		}
		if top[0].Count != 2 {
			t.Errorf("count = %d, want 2", top[0].Count)
		}
	})

	t.Run("frequency ties break by first seen", func(t *testing.T) {
		c2 := NewCollector()
		c2.RecordPattern(map[string]any{"a": 1})
		c2.RecordPattern(map[string]any{"b": 1})
		c2.RecordPattern(map[string]any{"c": 1})
		c2.RecordPattern(map[string]any{"c": 1})

		top := c2.TopPatterns(3)
		if top[0].Key != `{"c":1}` {
			t.Fatalf("most frequent first, got %s", top[0].Key)
		}
		if top[1].Key != `{"a":1}` || top[2].Key != `{"b":1}` {
			t.Errorf("first-seen tie break violated: %v", top)
		}
	})
}

func TestCanonicalKey(t *testing.T) {
	key := CanonicalKey(map[string]any{"depth": 3, "strategy": "default"})
	want := `{"depth":3,"strategy":"default"}`
	if key != want {
		t.Errorf("CanonicalKey = %s, want %s", key, want)
	}
	if CanonicalKey(nil) != "{}" {
		t.Errorf("nil subset should yield {}")
	}
}

func TestCollectorConcurrentAccess(t *testing.T) {
	c := NewCollector(WithMaxHistory(64))
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordQueryTime(time.Millisecond)
				c.RecordCacheHit()
				c.RecordPattern(map[string]any{"top_k": j % 3})
				_ = c.Summary()
			}
		}()
	}
	wg.Wait()

	if c.QueryCount() != 800 {
		t.Errorf("QueryCount = %d, want 800", c.QueryCount())
	}
}

func TestCollectorPrometheusExport(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(WithRegisterer(reg))

	c.RecordQueryTime(50 * time.Millisecond)
	c.RecordCacheHit()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{"graphrag_queries_total", "graphrag_cache_hits_total", "graphrag_query_duration_seconds"} {
		if !found[name] {
			t.Errorf("metric %s not exported", name)
		}
	}
}
