// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared query data model for the GraphRAG
// engine: normalized query parameters, traversal and vector search
// specs, priorities, and graph metadata.
//
// QueryParams is owned by the caller and borrowed by the engine for the
// duration of one call. Engine components that need to modify params
// (the rewriter, the optimizer) work on a Clone.
package datatypes

import (
	"slices"
	"strings"
)

// Priority tags a query with the caller's urgency. It scales the
// resource budget allocated to the call.
type Priority string

const (
	// PriorityLow halves the resource budget. Background work.
	PriorityLow Priority = "low"

	// PriorityNormal is the default budget multiplier (1.0).
	PriorityNormal Priority = "normal"

	// PriorityHigh doubles the resource budget. Interactive queries.
	PriorityHigh Priority = "high"

	// PriorityCritical grants 5x the resource budget.
	PriorityCritical Priority = "critical"
)

// Normalize maps unknown or empty priorities to PriorityNormal.
func (p Priority) Normalize() Priority {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return p
	default:
		return PriorityNormal
	}
}

// Strategy selects the graph traversal algorithm for a query.
type Strategy string

const (
	// StrategyDefault lets the graph backend choose.
	StrategyDefault Strategy = "default"

	// StrategyBreadthLimited caps per-level expansion during traversal.
	// Selected for deep queries (depth > 2).
	StrategyBreadthLimited Strategy = "breadth_limited"

	// StrategyEdgeSampling samples a fixed ratio of edges per node.
	// Selected for dense graphs; takes precedence over breadth limiting.
	StrategyEdgeSampling Strategy = "edge_sampling"

	// StrategyShortestPath finds shortest paths between two entities.
	// Selected for fact-verification queries.
	StrategyShortestPath Strategy = "shortest_path"
)

// TraversalSpec describes how the graph phase of a query should run.
type TraversalSpec struct {
	// MaxDepth is the traversal depth ceiling.
	MaxDepth int `json:"max_depth"`

	// EdgeTypes is the ordered set of edge types to follow. Order is
	// significant: earlier types are expanded first.
	EdgeTypes []string `json:"edge_types,omitempty"`

	// Strategy selects the traversal algorithm.
	Strategy Strategy `json:"strategy,omitempty"`

	// MaxBreadthPerLevel caps expansion per level when Strategy is
	// StrategyBreadthLimited. Zero means no cap.
	MaxBreadthPerLevel int `json:"max_breadth_per_level,omitempty"`

	// SampleRatio is the edge sample ratio when Strategy is
	// StrategyEdgeSampling. Zero means no sampling.
	SampleRatio float64 `json:"sample_ratio,omitempty"`

	// PrioritizeRelationships hints the backend to expand relationship
	// edges before attribute edges. Set for relation-centric queries.
	PrioritizeRelationships bool `json:"prioritize_relationships,omitempty"`

	// HierarchicalWeight boosts hierarchical edges (instance_of,
	// subclass_of, ...). 0 means backend default.
	HierarchicalWeight float64 `json:"hierarchical_weight,omitempty"`
}

// VectorSpec describes the vector search phase of a query.
type VectorSpec struct {
	// TopK is the number of nearest neighbours requested.
	TopK int `json:"top_k"`

	// MinSimilarity filters out results below this score.
	MinSimilarity float64 `json:"min_similarity"`

	// EntityTypes restricts results to these entity types. Populated by
	// predicate pushdown from the top-level filter fields.
	EntityTypes []string `json:"entity_types,omitempty"`

	// SkipVector disables the vector phase entirely. Set for pure
	// entity-lookup queries where the seed is already known.
	SkipVector bool `json:"skip_vector,omitempty"`
}

// QueryParams is the normalized request handed to the engine.
//
// It is immutable once built for a given call: the engine clones before
// rewriting. The zero value is a valid (if useless) empty query.
type QueryParams struct {
	// Text is the free-text query, if any.
	Text string `json:"text,omitempty"`

	// Vector is the query embedding, if any. Fixed dimension per
	// deployment; the engine treats it as opaque.
	Vector []float32 `json:"vector,omitempty"`

	// EntityID, when set, marks the query as an entity lookup seeded at
	// this node.
	EntityID string `json:"entity_id,omitempty"`

	// RelationType, when set, marks the query as relation-centric.
	RelationType string `json:"relation_type,omitempty"`

	// Fact is a statement to verify. Together with SourceEntity and
	// TargetEntity it marks the query as fact verification.
	Fact         string `json:"fact,omitempty"`
	SourceEntity string `json:"source_entity,omitempty"`
	TargetEntity string `json:"target_entity,omitempty"`

	// GraphType explicitly names the target graph family ("general",
	// "wikipedia", "ipld"). Empty means auto-detect.
	GraphType string `json:"graph_type,omitempty"`

	// MinSimilarity and EntityTypes are caller-level filters. The
	// rewriter pushes them down into VectorSearch and clears them.
	MinSimilarity float64  `json:"min_similarity,omitempty"`
	EntityTypes   []string `json:"entity_types,omitempty"`

	// Traversal configures the graph expansion phase.
	Traversal TraversalSpec `json:"traversal"`

	// VectorSearch configures the vector phase.
	VectorSearch VectorSpec `json:"vector_search"`

	// Priority scales the resource budget for this call.
	Priority Priority `json:"priority,omitempty"`
}

// Clone returns a deep copy of the params. Slices are copied so the
// caller's value is never aliased by engine-side mutation.
func (p QueryParams) Clone() QueryParams {
	out := p
	out.Vector = slices.Clone(p.Vector)
	out.EntityTypes = slices.Clone(p.EntityTypes)
	out.Traversal.EdgeTypes = slices.Clone(p.Traversal.EdgeTypes)
	out.VectorSearch.EntityTypes = slices.Clone(p.VectorSearch.EntityTypes)
	return out
}

// HasVector reports whether the query carries an embedding.
func (p QueryParams) HasVector() bool {
	return len(p.Vector) > 0
}

// ContainsKeyword reports whether any of the query's textual fields
// contain the given keyword (case-insensitive). Used by graph-type
// detection.
func (p QueryParams) ContainsKeyword(keyword string) bool {
	kw := strings.ToLower(keyword)
	for _, field := range []string{p.Text, p.GraphType, p.EntityID, p.Fact} {
		if strings.Contains(strings.ToLower(field), kw) {
			return true
		}
	}
	return false
}

// GraphInfo carries graph-level metadata used by the rewriter to
// specialize a query for the target graph.
type GraphInfo struct {
	// Type is the graph family ("general", "wikipedia", "ipld").
	Type string `json:"type"`

	// Density is edges / possible edges, in [0,1]. Dense graphs switch
	// traversal to edge sampling.
	Density float64 `json:"density"`

	// EdgeSelectivity maps edge type to its selectivity (fraction of
	// edges carrying that type). Lower is more selective.
	EdgeSelectivity map[string]float64 `json:"edge_selectivity,omitempty"`

	// NodeCount and EdgeCount are optional sizing hints.
	NodeCount int `json:"node_count,omitempty"`
	EdgeCount int `json:"edge_count,omitempty"`
}
