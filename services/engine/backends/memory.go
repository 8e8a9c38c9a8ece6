// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package backends

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// =============================================================================
// In-Memory Backends
// =============================================================================
//
// The in-memory backends implement every backend contract against plain
// Go maps. They back the package tests and the CLI's fixture mode, and
// double as reference implementations of the interface semantics.

// MemoryItem is a document stored in the in-memory vector backend.
type MemoryItem struct {
	ID       string
	Vector   []float32
	Metadata map[string]any
}

// MemoryVector is an exact-scan vector backend over an in-memory set.
//
// Scores are cosine similarity mapped to [0,1]. Safe for concurrent use.
type MemoryVector struct {
	mu    sync.RWMutex
	items []MemoryItem
}

// NewMemoryVector creates an empty in-memory vector backend.
func NewMemoryVector() *MemoryVector {
	return &MemoryVector{}
}

// Add stores an item. Items with nil vectors are ignored by Search.
func (m *MemoryVector) Add(item MemoryItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
}

// Search implements VectorBackend by exact cosine scan.
func (m *MemoryVector) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewBackendError("memory", "search", err)
	}
	if topK <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var results []SearchResult
	for _, item := range m.items {
		if len(item.Vector) == 0 {
			continue
		}
		score := cosineSimilarity(vector, item.Vector)
		if score < minScore {
			continue
		}
		results = append(results, SearchResult{
			ID:       item.ID,
			Score:    score,
			Metadata: item.Metadata,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// cosineSimilarity returns the cosine of the angle between a and b,
// mapped from [-1,1] to [0,1]. Mismatched dimensions score 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (cos + 1) / 2
}

// MemoryEdge is a typed edge in the in-memory graph backend.
type MemoryEdge struct {
	Source string
	Target string
	Type   string
	Weight float64
}

// MemoryGraph is an adjacency-list graph backend.
//
// Safe for concurrent use.
type MemoryGraph struct {
	mu       sync.RWMutex
	outEdges map[string][]MemoryEdge
	nodes    map[string]map[string]any
}

// NewMemoryGraph creates an empty in-memory graph backend.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		outEdges: make(map[string][]MemoryEdge),
		nodes:    make(map[string]map[string]any),
	}
}

// AddNode registers node metadata.
func (g *MemoryGraph) AddNode(id string, metadata map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[id] = metadata
}

// AddEdge registers a directed edge. Traversal follows edges in both
// directions.
func (g *MemoryGraph) AddEdge(edge MemoryEdge) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outEdges[edge.Source] = append(g.outEdges[edge.Source], edge)
	reverse := MemoryEdge{Source: edge.Target, Target: edge.Source, Type: edge.Type, Weight: edge.Weight}
	g.outEdges[edge.Target] = append(g.outEdges[edge.Target], reverse)
}

// Expand implements GraphBackend with breadth-first traversal. Scores
// decay by depth: a node found at depth d scores 0.8/d relative to its
// seed.
func (g *MemoryGraph) Expand(ctx context.Context, seeds []SearchResult, maxDepth int, edgeTypes []string) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewBackendError("memory", "expand", err)
	}
	if maxDepth <= 0 || len(seeds) == 0 {
		return nil, nil
	}

	allowed := make(map[string]bool, len(edgeTypes))
	for _, t := range edgeTypes {
		allowed[t] = true
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	visited := make(map[string]bool, len(seeds))
	type frame struct {
		id    string
		depth int
		base  float64
	}
	var queue []frame
	for _, s := range seeds {
		visited[s.ID] = true
		queue = append(queue, frame{id: s.ID, depth: 0, base: s.Score})
	}

	var results []SearchResult
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= maxDepth {
			continue
		}
		for _, edge := range g.outEdges[cur.id] {
			if len(edgeTypes) > 0 && !allowed[edge.Type] {
				continue
			}
			if visited[edge.Target] {
				continue
			}
			visited[edge.Target] = true
			depth := cur.depth + 1
			score := cur.base * 0.8 / float64(depth)
			results = append(results, SearchResult{
				ID:       edge.Target,
				Score:    score,
				Metadata: g.nodes[edge.Target],
			})
			queue = append(queue, frame{id: edge.Target, depth: depth, base: cur.base})
		}
	}
	return results, nil
}

// WeightedRank fuses vector and graph scores with a weighted sum.
//
// Items carry their phase scores in metadata under "vector_score" and
// "graph_score"; items missing both fall back to their Score field as
// the vector contribution.
type WeightedRank struct{}

// NewWeightedRank creates the standard weighted-fusion ranker.
func NewWeightedRank() *WeightedRank {
	return &WeightedRank{}
}

// Rank implements RankBackend.
func (r *WeightedRank) Rank(ctx context.Context, items []SearchResult, vectorWeight, graphWeight float64) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewBackendError("memory", "rank", err)
	}

	ranked := make([]SearchResult, len(items))
	for i, item := range items {
		vecScore, hasVec := metadataScore(item.Metadata, "vector_score")
		graphScore, hasGraph := metadataScore(item.Metadata, "graph_score")
		if !hasVec && !hasGraph {
			vecScore = item.Score
		}
		item.Score = vecScore*vectorWeight + graphScore*graphWeight
		ranked[i] = item
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked, nil
}

// metadataScore reads a float64 score from metadata, tolerating int.
func metadataScore(metadata map[string]any, key string) (float64, bool) {
	if metadata == nil {
		return 0, false
	}
	switch v := metadata[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// MemoryKG is a map-backed knowledge graph.
//
// Safe for concurrent use.
type MemoryKG struct {
	mu       sync.RWMutex
	entities map[string]Entity
}

// NewMemoryKG creates an empty in-memory knowledge graph.
func NewMemoryKG() *MemoryKG {
	return &MemoryKG{entities: make(map[string]Entity)}
}

// AddEntity registers an entity by its ID.
func (kg *MemoryKG) AddEntity(entity Entity) {
	kg.mu.Lock()
	defer kg.mu.Unlock()
	kg.entities[entity.ID] = entity
}

// GetEntity implements KnowledgeGraph.
func (kg *MemoryKG) GetEntity(ctx context.Context, id string) (*Entity, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, NewBackendError("memory", "get_entity", err)
	}
	kg.mu.RLock()
	defer kg.mu.RUnlock()
	entity, ok := kg.entities[id]
	if !ok {
		return nil, false, nil
	}
	return &entity, true, nil
}

// StaticGeneration returns a canned response with the prompt length
// appended, making generation deterministic for tests and fixtures.
type StaticGeneration struct {
	// Response is the fixed text to return. Empty means a summary line.
	Response string
}

// Generate implements GenerationBackend.
func (g *StaticGeneration) Generate(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", NewBackendError("memory", "generate", err)
	}
	if g.Response != "" {
		return g.Response, nil
	}
	return fmt.Sprintf("synthesized answer from %d prompt characters", len(prompt)), nil
}

// HashEmbedder produces deterministic pseudo-embeddings from text using
// a rolling hash. Useful for fixtures where a real embedding model is
// unavailable; similar strings do NOT produce similar vectors.
type HashEmbedder struct {
	// Dim is the embedding dimension. Default 8 when zero.
	Dim int
}

// Embed implements EmbeddingBackend.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewBackendError("memory", "embed", err)
	}
	dim := h.Dim
	if dim <= 0 {
		dim = 8
	}
	vec := make([]float32, dim)
	var hash uint32 = 2166136261
	for i := 0; i < len(text); i++ {
		hash ^= uint32(text[i])
		hash *= 16777619
		vec[i%dim] += float32(hash%1000)/1000.0 - 0.5
	}
	return vec, nil
}
