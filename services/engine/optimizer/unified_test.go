// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package optimizer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine/backends"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/budget"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/stats"
)

// newTestUnified wires a Unified optimizer over in-memory backends with
// a small document graph: doc-a near the probe vector, linked to doc-b,
// which links on to doc-c.
func newTestUnified(t *testing.T) *Unified {
	t.Helper()

	vector := backends.NewMemoryVector()
	vector.Add(backends.MemoryItem{ID: "doc-a", Vector: []float32{1, 0, 0}, Metadata: map[string]any{"content": "a"}})
	vector.Add(backends.MemoryItem{ID: "doc-b", Vector: []float32{0, 1, 0}, Metadata: map[string]any{"content": "b"}})

	graph := backends.NewMemoryGraph()
	graph.AddNode("doc-a", nil)
	graph.AddNode("doc-b", nil)
	graph.AddNode("doc-c", nil)
	graph.AddEdge(backends.MemoryEdge{Source: "doc-a", Target: "doc-b", Type: "cites"})
	graph.AddEdge(backends.MemoryEdge{Source: "doc-b", Target: "doc-c", Type: "cites"})

	return NewUnified(UnifiedConfig{
		Backends: Backends{
			Vector: vector,
			Graph:  graph,
			Ranker: backends.NewWeightedRank(),
		},
	})
}

func TestDetectGraphType(t *testing.T) {
	cases := []struct {
		name   string
		params datatypes.QueryParams
		graph  *datatypes.GraphInfo
		want   GraphType
	}{
		{"explicit type wins", datatypes.QueryParams{GraphType: "ipld", Text: "wikipedia"}, nil, GraphTypeIPLD},
		{"graph metadata second", datatypes.QueryParams{Text: "plain"}, &datatypes.GraphInfo{Type: "wikipedia"}, GraphTypeWikipedia},
		{"wikipedia keyword", datatypes.QueryParams{Text: "according to wikipedia who founded rome"}, nil, GraphTypeWikipedia},
		{"ipld keyword", datatypes.QueryParams{Text: "resolve this CID through the merkle dag"}, nil, GraphTypeIPLD},
		{"default general", datatypes.QueryParams{Text: "anything else"}, nil, GraphTypeGeneral},
		{"unknown explicit maps to general", datatypes.QueryParams{GraphType: "neo4j"}, nil, GraphTypeGeneral},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DetectGraphType(tc.params, tc.graph); got != tc.want {
				t.Errorf("DetectGraphType = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestOptimizeNeverNil(t *testing.T) {
	u := newTestUnified(t)
	ctx := context.Background()

	t.Run("normal query gets a cacheable plan", func(t *testing.T) {
		plan := u.Optimize(ctx, datatypes.QueryParams{
			Text:   "what cites doc a",
			Vector: []float32{1, 0, 0},
			VectorSearch: datatypes.VectorSpec{TopK: 5},
		}, nil)
		if plan == nil {
			t.Fatal("Optimize returned nil")
		}
		if plan.Fallback {
			t.Fatalf("unexpected fallback: %s", plan.FallbackReason)
		}
		if !plan.UseCache || plan.CacheKey == "" {
			t.Error("normal plan should be cacheable")
		}
		if plan.ID == "" {
			t.Error("plan must carry an ID")
		}
	})

	t.Run("empty query falls back", func(t *testing.T) {
		plan := u.Optimize(ctx, datatypes.QueryParams{}, nil)
		if plan == nil {
			t.Fatal("Optimize returned nil")
		}
		if !plan.Fallback || plan.FallbackReason == "" {
			t.Fatal("empty query should produce a fallback plan with a reason")
		}
		if plan.UseCache {
			t.Error("fallback plans must not cache")
		}
		if plan.Params.Traversal.MaxDepth != 2 || plan.Params.VectorSearch.TopK != 5 {
			t.Errorf("fallback shape = depth %d topK %d, want 2/5",
				plan.Params.Traversal.MaxDepth, plan.Params.VectorSearch.TopK)
		}
		if plan.Params.VectorSearch.MinSimilarity != 0.6 {
			t.Errorf("fallback MinSimilarity = %f, want 0.6", plan.Params.VectorSearch.MinSimilarity)
		}
	})
}

func TestOptimizeWeightsPerGraphType(t *testing.T) {
	u := newTestUnified(t)
	ctx := context.Background()

	cases := []struct {
		graphType    string
		vectorWeight float64
		graphWeight  float64
	}{
		{"general", 0.7, 0.3},
		{"wikipedia", 0.6, 0.4},
		{"ipld", 0.75, 0.25},
	}
	for _, tc := range cases {
		t.Run(tc.graphType, func(t *testing.T) {
			plan := u.Optimize(ctx, datatypes.QueryParams{
				Text:      "q",
				GraphType: tc.graphType,
				Vector:    []float32{1, 0, 0},
			}, nil)
			if plan.VectorWeight != tc.vectorWeight || plan.GraphWeight != tc.graphWeight {
				t.Errorf("weights = %f/%f, want %f/%f",
					plan.VectorWeight, plan.GraphWeight, tc.vectorWeight, tc.graphWeight)
			}
		})
	}
}

func TestExecutePhases(t *testing.T) {
	u := newTestUnified(t)
	ctx := context.Background()

	plan := u.Optimize(ctx, datatypes.QueryParams{
		Text:   "what cites doc a",
		Vector: []float32{1, 0, 0},
		VectorSearch: datatypes.VectorSpec{TopK: 2, MinSimilarity: 0.9},
		Traversal:    datatypes.TraversalSpec{MaxDepth: 2},
	}, nil)

	results, err := u.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results")
	}

	found := map[string]bool{}
	for _, r := range results {
		found[r.ID] = true
	}
	if !found["doc-a"] {
		t.Error("vector phase result doc-a missing")
	}
	if !found["doc-b"] {
		t.Error("graph expansion result doc-b missing")
	}

	t.Run("second execution hits the cache", func(t *testing.T) {
		before := u.collector.CacheHitRate()
		again, err := u.Execute(ctx, plan)
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if len(again) != len(results) {
			t.Errorf("cached results differ: %d vs %d", len(again), len(results))
		}
		if u.collector.CacheHitRate() <= before {
			t.Error("cache hit not recorded")
		}
	})
}

func TestExecuteEntityLookupSkipsVector(t *testing.T) {
	u := newTestUnified(t)
	ctx := context.Background()

	plan := u.Optimize(ctx, datatypes.QueryParams{
		EntityID:  "doc-a",
		Traversal: datatypes.TraversalSpec{MaxDepth: 1},
	}, nil)
	if !plan.Params.VectorSearch.SkipVector {
		t.Fatal("entity lookup should skip the vector phase")
	}

	results, err := u.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	found := map[string]bool{}
	for _, r := range results {
		found[r.ID] = true
	}
	if !found["doc-a"] || !found["doc-b"] {
		t.Errorf("expected seed doc-a and neighbour doc-b, got %v", found)
	}
}

func TestExecuteDegradesOnNilBackends(t *testing.T) {
	u := NewUnified(UnifiedConfig{})
	ctx := context.Background()

	plan := u.Optimize(ctx, datatypes.QueryParams{
		Text:   "q",
		Vector: []float32{1, 0, 0},
	}, nil)
	results, err := u.Execute(ctx, plan)
	if err != nil {
		t.Fatalf("Execute with nil backends should not error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %v", results)
	}
}

// fixedVector returns a canned result set, burning delay wall time per
// call.
type fixedVector struct {
	results []backends.SearchResult
	delay   time.Duration
	calls   int
}

func (v *fixedVector) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]backends.SearchResult, error) {
	v.calls++
	if v.delay > 0 {
		time.Sleep(v.delay)
	}
	return v.results, nil
}

// slowGraph counts expansions, burning delay wall time per call.
type slowGraph struct {
	delay time.Duration
	calls int
}

func (g *slowGraph) Expand(ctx context.Context, seeds []backends.SearchResult, maxDepth int, edgeTypes []string) ([]backends.SearchResult, error) {
	g.calls++
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	return []backends.SearchResult{{ID: "doc-x", Score: 0.4}}, nil
}

// countingRanker counts Rank calls and returns items unchanged.
type countingRanker struct{ calls int }

func (r *countingRanker) Rank(ctx context.Context, items []backends.SearchResult, vectorWeight, graphWeight float64) ([]backends.SearchResult, error) {
	r.calls++
	return items, nil
}

func TestExecuteSkipsPhasesOverBudget(t *testing.T) {
	ctx := context.Background()

	uncachedPlan := func(b budget.Budget) *Plan {
		return &Plan{
			ID: newPlanID(),
			Params: datatypes.QueryParams{
				Vector:       []float32{1, 0, 0},
				VectorSearch: datatypes.VectorSpec{TopK: 5},
				Traversal:    datatypes.TraversalSpec{MaxDepth: 2},
			},
			VectorWeight: 0.7,
			GraphWeight:  0.3,
			Budget:       b,
			GraphType:    GraphTypeGeneral,
		}
	}

	t.Run("spent traversal budget forfeits ranking", func(t *testing.T) {
		graph := &slowGraph{delay: 20 * time.Millisecond}
		ranker := &countingRanker{}
		u := NewUnified(UnifiedConfig{Backends: Backends{
			Vector: &fixedVector{results: []backends.SearchResult{{ID: "doc-a", Score: 0.9}}},
			Graph:  graph,
			Ranker: ranker,
		}})

		results, err := u.Execute(ctx, uncachedPlan(budget.Budget{
			VectorSearch:   time.Second,
			GraphTraversal: time.Nanosecond,
			Ranking:        time.Second,
			Timeout:        time.Second,
		}))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if graph.calls != 1 {
			t.Fatalf("graph phase ran %d times, want 1", graph.calls)
		}
		if ranker.calls != 0 {
			t.Error("ranking ran after the traversal budget was spent")
		}
		if len(results) != 2 || results[0].ID != "doc-a" {
			t.Errorf("expected the merged, unranked results, got %v", results)
		}
	})

	t.Run("spent vector budget forfeits expansion", func(t *testing.T) {
		graph := &slowGraph{}
		u := NewUnified(UnifiedConfig{Backends: Backends{
			Vector: &fixedVector{
				results: []backends.SearchResult{{ID: "doc-a", Score: 0.9}},
				delay:   20 * time.Millisecond,
			},
			Graph:  graph,
			Ranker: backends.NewWeightedRank(),
		}})

		results, err := u.Execute(ctx, uncachedPlan(budget.Budget{
			VectorSearch:   time.Nanosecond,
			GraphTraversal: time.Second,
			Ranking:        time.Second,
			Timeout:        time.Second,
		}))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if graph.calls != 0 {
			t.Error("graph expansion ran after the vector budget was spent")
		}
		if len(results) != 1 || results[0].ID != "doc-a" {
			t.Errorf("expected the vector seeds alone, got %v", results)
		}
	})

	t.Run("decisive seed scores stop before expansion", func(t *testing.T) {
		graph := &slowGraph{}
		ranker := &countingRanker{}
		u := NewUnified(UnifiedConfig{Backends: Backends{
			Vector: &fixedVector{results: []backends.SearchResult{
				{ID: "s1", Score: 0.95},
				{ID: "s2", Score: 0.9},
				{ID: "s3", Score: 0.85},
				{ID: "s4", Score: 0.8},
				{ID: "s5", Score: 0.5},
			}},
			Graph:  graph,
			Ranker: ranker,
		}})

		results, err := u.Execute(ctx, uncachedPlan(budget.DefaultBudget()))
		if err != nil {
			t.Fatalf("Execute failed: %v", err)
		}
		if graph.calls != 0 {
			t.Error("graph expansion ran despite a decisive seed score gap")
		}
		if ranker.calls != 0 {
			t.Error("ranking ran despite a decisive seed score gap")
		}
		if len(results) != 5 {
			t.Errorf("got %d results, want the 5 seeds", len(results))
		}
	})
}

func TestPlanCacheTTLPerGraphType(t *testing.T) {
	u := newTestUnified(t)
	ctx := context.Background()

	cases := []struct {
		graphType string
		ttl       time.Duration
	}{
		{"general", 5 * time.Minute},
		{"wikipedia", 10 * time.Minute},
		{"ipld", 15 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.graphType, func(t *testing.T) {
			plan := u.Optimize(ctx, datatypes.QueryParams{
				Text:      "q",
				GraphType: tc.graphType,
				Vector:    []float32{1, 0, 0},
			}, nil)
			if plan.CacheTTL != tc.ttl {
				t.Errorf("CacheTTL = %v, want %v", plan.CacheTTL, tc.ttl)
			}
		})
	}
}

func TestTuningOnlyAppliesToVectorQueries(t *testing.T) {
	u := newTestUnified(t)
	ctx := context.Background()

	// Enough slow queries to trip the TopK narrowing.
	for i := 0; i < 20; i++ {
		u.collector.RecordQueryTime(2 * time.Second)
	}

	withVector := u.Optimize(ctx, datatypes.QueryParams{
		Text:         "q",
		Vector:       []float32{1, 0, 0},
		VectorSearch: datatypes.VectorSpec{TopK: 5, MinSimilarity: 0.7},
	}, nil)
	if withVector.Params.VectorSearch.TopK != 3 {
		t.Errorf("TopK = %d, want 3 after slow-query narrowing", withVector.Params.VectorSearch.TopK)
	}

	textOnly := u.Optimize(ctx, datatypes.QueryParams{
		Text:         "q",
		VectorSearch: datatypes.VectorSpec{TopK: 5, MinSimilarity: 0.7},
	}, nil)
	if textOnly.Params.VectorSearch.TopK != 5 {
		t.Errorf("TopK = %d, want 5: tuning applies only to vector queries", textOnly.Params.VectorSearch.TopK)
	}
}

func TestAdjustParams(t *testing.T) {
	opt := newOptimizer(GraphTypeGeneral)
	base := datatypes.QueryParams{
		VectorSearch: datatypes.VectorSpec{TopK: 5, MinSimilarity: 0.7},
	}

	t.Run("insufficient history leaves params alone", func(t *testing.T) {
		out := opt.AdjustParams(base, stats.Summary{Count: 5, Avg: 2 * time.Second})
		if out.VectorSearch.TopK != 5 {
			t.Errorf("TopK = %d, want unchanged 5", out.VectorSearch.TopK)
		}
	})

	t.Run("slow queries narrow TopK", func(t *testing.T) {
		out := opt.AdjustParams(base, stats.Summary{Count: 20, Avg: 2 * time.Second, CacheHitRate: 0.5})
		if out.VectorSearch.TopK != 3 {
			t.Errorf("TopK = %d, want 3", out.VectorSearch.TopK)
		}
	})

	t.Run("TopK never drops below the floor", func(t *testing.T) {
		narrow := base
		narrow.VectorSearch.TopK = 3
		out := opt.AdjustParams(narrow, stats.Summary{Count: 20, Avg: 2 * time.Second, CacheHitRate: 0.5})
		if out.VectorSearch.TopK != 3 {
			t.Errorf("TopK = %d, want floor 3", out.VectorSearch.TopK)
		}
	})

	t.Run("fast queries widen TopK up to the cap", func(t *testing.T) {
		out := opt.AdjustParams(base, stats.Summary{Count: 20, Avg: 50 * time.Millisecond, CacheHitRate: 0.5})
		if out.VectorSearch.TopK != 7 {
			t.Errorf("TopK = %d, want 7", out.VectorSearch.TopK)
		}
		wide := base
		wide.VectorSearch.TopK = 9
		out = opt.AdjustParams(wide, stats.Summary{Count: 20, Avg: 50 * time.Millisecond, CacheHitRate: 0.5})
		if out.VectorSearch.TopK != 10 {
			t.Errorf("TopK = %d, want cap 10", out.VectorSearch.TopK)
		}
	})

	t.Run("depth follows the most frequent recorded pattern", func(t *testing.T) {
		deep := base
		deep.Traversal.MaxDepth = 4
		out := opt.AdjustParams(deep, stats.Summary{
			Count:        20,
			Avg:          500 * time.Millisecond,
			CacheHitRate: 0.5,
			TopPatterns: []stats.Pattern{
				{Key: `{"max_depth":2,"top_k":5}`, Count: 8},
				{Key: `{"max_depth":3,"top_k":5}`, Count: 3},
				{Key: `{"max_depth":2,"top_k":7}`, Count: 2},
			},
		})
		if out.Traversal.MaxDepth != 2 {
			t.Errorf("MaxDepth = %d, want 2 (10 of 13 pattern hits)", out.Traversal.MaxDepth)
		}

		out = opt.AdjustParams(deep, stats.Summary{Count: 20, Avg: 500 * time.Millisecond, CacheHitRate: 0.5})
		if out.Traversal.MaxDepth != 4 {
			t.Errorf("MaxDepth = %d, want unchanged 4 with no recorded patterns", out.Traversal.MaxDepth)
		}
	})

	t.Run("cold cache relaxes the similarity floor", func(t *testing.T) {
		out := opt.AdjustParams(base, stats.Summary{Count: 20, Avg: 500 * time.Millisecond, CacheHitRate: 0.1})
		if out.VectorSearch.MinSimilarity != 0.6 {
			t.Errorf("MinSimilarity = %f, want 0.6", out.VectorSearch.MinSimilarity)
		}
		low := base
		low.VectorSearch.MinSimilarity = 0.35
		out = opt.AdjustParams(low, stats.Summary{Count: 20, Avg: 500 * time.Millisecond, CacheHitRate: 0.1})
		if out.VectorSearch.MinSimilarity != 0.3 {
			t.Errorf("MinSimilarity = %f, want floor 0.3", out.VectorSearch.MinSimilarity)
		}
	})
}

func TestLearningBounds(t *testing.T) {
	u := newTestUnified(t)

	before := u.LearnedDefaults(GraphTypeGeneral)

	// Fast queries with a warm cache: depth should grow one step and the
	// similarity floor should rise at most 0.05.
	u.learnFromStats(GraphTypeGeneral, stats.Summary{
		Count:        100,
		Avg:          10 * time.Millisecond,
		CacheHitRate: 0.9,
	})
	after := u.LearnedDefaults(GraphTypeGeneral)

	if after.MaxDepth != before.MaxDepth+1 {
		t.Errorf("MaxDepth = %d, want %d (one step per cycle)", after.MaxDepth, before.MaxDepth+1)
	}
	if diff := after.MinSimilarity - before.MinSimilarity; diff > 0.051 {
		t.Errorf("MinSimilarity moved %f in one cycle, cap is 0.05", diff)
	}

	// Repeated slow cycles bottom out at the depth floor.
	for i := 0; i < 10; i++ {
		u.learnFromStats(GraphTypeGeneral, stats.Summary{Count: 100, Avg: 5 * time.Second, CacheHitRate: 0.5})
	}
	if d := u.LearnedDefaults(GraphTypeGeneral); d.MaxDepth != 1 {
		t.Errorf("MaxDepth = %d, want floor 1", d.MaxDepth)
	}
}

func TestPlanJSONRoundTrip(t *testing.T) {
	u := newTestUnified(t)
	plan := u.Optimize(context.Background(), datatypes.QueryParams{
		Text:      "q",
		GraphType: "wikipedia",
		Vector:    []float32{1, 0, 0},
	}, nil)

	encoded, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded Plan
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.GraphType != GraphTypeWikipedia {
		t.Errorf("GraphType = %s, want wikipedia", decoded.GraphType)
	}
	if decoded.ID != plan.ID {
		t.Errorf("ID = %s, want %s", decoded.ID, plan.ID)
	}
}
