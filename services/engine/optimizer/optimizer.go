// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optimizer builds and executes query plans. A per-graph-type
// optimizer supplies score weights and statistics-driven parameter
// tuning; the Unified front door dispatches queries to the right one,
// executes the resulting plan through the backends, and periodically
// folds observed behavior back into its starting defaults.
package optimizer

import (
	"encoding/json"
	"time"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/stats"
)

// Tuning thresholds for statistics-driven parameter adjustment.
const (
	// minQueriesForTuning is the query count below which AdjustParams
	// leaves params untouched.
	minQueriesForTuning = 10

	// slowAvgThreshold narrows retrieval when the recent average query
	// time exceeds it.
	slowAvgThreshold = 1 * time.Second

	// fastAvgThreshold widens retrieval when the recent average query
	// time is below it.
	fastAvgThreshold = 100 * time.Millisecond

	// topKStep is how far TopK moves per adjustment.
	topKStep = 2

	// topKFloor and topKCap bound tuned TopK.
	topKFloor = 3
	topKCap   = 10

	// lowHitRateThreshold relaxes the similarity floor when the cache
	// hit rate falls below it.
	lowHitRateThreshold = 0.3

	// minSimilarityStep is how far MinSimilarity relaxes per adjustment.
	minSimilarityStep = 0.1

	// minSimilarityFloor bounds tuned MinSimilarity.
	minSimilarityFloor = 0.3
)

// Optimizer tunes queries for one graph family.
//
// Stateless; the same instance serves all calls for its type.
type Optimizer struct {
	graphType    GraphType
	vectorWeight float64
	graphWeight  float64
	cacheTTL     time.Duration
}

// newOptimizer builds the family-specific optimizer. Wikipedia graphs
// lean harder on graph structure; IPLD graphs lean harder on vector
// recall. Cache lifetimes follow how quickly each family's content
// moves: IPLD content is addressed by hash and never changes under a
// key, Wikipedia-style graphs drift slowly, general corpora fastest.
func newOptimizer(t GraphType) *Optimizer {
	o := &Optimizer{graphType: t}
	switch t {
	case GraphTypeWikipedia:
		o.vectorWeight, o.graphWeight = 0.6, 0.4
		o.cacheTTL = 10 * time.Minute
	case GraphTypeIPLD:
		o.vectorWeight, o.graphWeight = 0.75, 0.25
		o.cacheTTL = 15 * time.Minute
	default:
		o.vectorWeight, o.graphWeight = 0.7, 0.3
		o.cacheTTL = 5 * time.Minute
	}
	return o
}

// Weights returns the (vector, graph) score fusion weights.
func (o *Optimizer) Weights() (float64, float64) {
	return o.vectorWeight, o.graphWeight
}

// GraphType returns the family this optimizer serves.
func (o *Optimizer) GraphType() GraphType {
	return o.graphType
}

// CacheTTL returns the result cache lifetime for this family.
func (o *Optimizer) CacheTTL() time.Duration {
	return o.cacheTTL
}

// AdjustParams tunes params against observed engine behavior:
//
//   - slow recent queries narrow TopK (floor topKFloor)
//   - fast recent queries widen TopK (cap topKCap)
//   - traversal depth follows the most frequent depth among the top
//     recorded patterns
//   - a cold cache relaxes MinSimilarity (floor minSimilarityFloor)
//
// Nothing moves until minQueriesForTuning queries have been observed.
// The input is not mutated.
func (o *Optimizer) AdjustParams(params datatypes.QueryParams, summary stats.Summary) datatypes.QueryParams {
	if summary.Count < minQueriesForTuning {
		return params
	}
	out := params.Clone()

	avg := summary.RecentAvg
	if avg == 0 {
		avg = summary.Avg
	}
	switch {
	case avg > slowAvgThreshold:
		out.VectorSearch.TopK -= topKStep
		if out.VectorSearch.TopK < topKFloor {
			out.VectorSearch.TopK = topKFloor
		}
	case avg > 0 && avg < fastAvgThreshold:
		out.VectorSearch.TopK += topKStep
		if out.VectorSearch.TopK > topKCap {
			out.VectorSearch.TopK = topKCap
		}
	}

	if depth, ok := frequentDepth(summary.TopPatterns); ok {
		out.Traversal.MaxDepth = depth
	}

	if summary.CacheHitRate < lowHitRateThreshold && out.VectorSearch.MinSimilarity > minSimilarityFloor {
		out.VectorSearch.MinSimilarity -= minSimilarityStep
		if out.VectorSearch.MinSimilarity < minSimilarityFloor {
			out.VectorSearch.MinSimilarity = minSimilarityFloor
		}
	}
	return out
}

// frequentDepth extracts the most frequent max_depth value across the
// recorded top patterns, summing occurrence counts for patterns that
// share a depth. Reports false when no pattern carries a depth.
func frequentDepth(patterns []stats.Pattern) (int, bool) {
	counts := make(map[int]int)
	for _, p := range patterns {
		var fields map[string]any
		if err := json.Unmarshal([]byte(p.Key), &fields); err != nil {
			continue
		}
		raw, ok := fields["max_depth"].(float64)
		if !ok {
			continue
		}
		counts[int(raw)] += p.Count
	}

	best, bestCount := 0, 0
	for depth, count := range counts {
		if count > bestCount || (count == bestCount && depth < best) {
			best, bestCount = depth, count
		}
	}
	return best, bestCount > 0
}
