// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rewrite transforms query parameters before planning: filter
// pushdown, edge reordering by selectivity, traversal strategy
// selection, query pattern classification, and graph-specific tuning.
//
// Every rule is a pure function on a params copy and the whole pipeline
// is idempotent: rewriting an already-rewritten query changes nothing.
package rewrite

import (
	"context"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
)

var tracer = otel.Tracer("graphrag.rewrite")

// QueryPattern classifies the shape of a query. The classification
// drives phase skipping and strategy choices downstream.
type QueryPattern string

const (
	// PatternEntityLookup is a query seeded at a known entity. The
	// vector phase is skipped entirely.
	PatternEntityLookup QueryPattern = "entity_lookup"

	// PatternRelationCentric asks about a specific relationship type.
	PatternRelationCentric QueryPattern = "relation_centric"

	// PatternFactVerification checks a statement between two entities
	// via shortest-path traversal.
	PatternFactVerification QueryPattern = "fact_verification"

	// PatternComplexQuestion is a long free-text question needing a
	// wider retrieval net.
	PatternComplexQuestion QueryPattern = "complex_question"

	// PatternGeneral is everything else.
	PatternGeneral QueryPattern = "general"
)

// complexQuestionMinLen is the free-text length above which a query is
// classified as a complex question.
const complexQuestionMinLen = 120

// complexQuestionTopK is the minimum retrieval width for complex
// questions.
const complexQuestionTopK = 8

// denseGraphThreshold is the density above which traversal switches to
// edge sampling.
const denseGraphThreshold = 0.5

// edgeSampleRatio is the sampling ratio applied to dense graphs.
const edgeSampleRatio = 0.25

// deepQueryDepth is the depth above which traversal is breadth-limited.
const deepQueryDepth = 2

// breadthCap is the per-level cap for breadth-limited traversal.
const breadthCap = 10

// hierarchicalWeight boosts hierarchy edges on Wikipedia-style graphs.
const hierarchicalWeight = 1.5

// wikipediaPriorityEdges are moved to the front of the edge order on
// Wikipedia-style graphs, listed in reverse priority: the last element
// ends up first.
var wikipediaPriorityEdges = []string{"located_in", "part_of", "subclass_of", "instance_of"}

// Rewriter runs the rewrite pipeline over query parameters.
//
// The zero value is not usable; construct with New. Safe for concurrent
// use: the rewriter is stateless between calls.
type Rewriter struct {
	logger *slog.Logger
}

// New creates a Rewriter.
func New(logger *slog.Logger) *Rewriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{logger: logger.With("component", "rewriter")}
}

// Classify returns the query pattern for the given params without
// rewriting them.
func Classify(params datatypes.QueryParams) QueryPattern {
	switch {
	case params.EntityID != "":
		return PatternEntityLookup
	case params.RelationType != "":
		return PatternRelationCentric
	case params.Fact != "" && params.SourceEntity != "" && params.TargetEntity != "":
		return PatternFactVerification
	case len(params.Text) > complexQuestionMinLen:
		return PatternComplexQuestion
	default:
		return PatternGeneral
	}
}

// Rewrite applies the full rule pipeline to a copy of params and
// returns the rewritten copy. The input is never mutated. graph may be
// nil when no graph metadata is available; metadata-dependent rules
// then no-op.
func (r *Rewriter) Rewrite(params datatypes.QueryParams, graph *datatypes.GraphInfo) datatypes.QueryParams {
	out := params.Clone()

	pattern := Classify(out)
	r.pushDownFilters(&out)
	r.reorderEdgeTypes(&out, graph)
	r.selectStrategy(&out, graph)
	r.applyPattern(&out, pattern)
	r.specializeForGraph(&out, graph)

	r.logger.Debug("rewrote query",
		"pattern", string(pattern),
		"strategy", string(out.Traversal.Strategy),
		"top_k", out.VectorSearch.TopK,
		"max_depth", out.Traversal.MaxDepth)
	return out
}

// RewritePattern is Rewrite plus the detected pattern, for callers that
// record pattern statistics. It also emits a span.
func (r *Rewriter) RewritePattern(ctx context.Context, params datatypes.QueryParams, graph *datatypes.GraphInfo) (datatypes.QueryParams, QueryPattern) {
	_, span := tracer.Start(ctx, "Rewriter.Rewrite")
	defer span.End()

	pattern := Classify(params)
	out := r.Rewrite(params, graph)
	span.SetAttributes(attribute.String("rewrite.pattern", string(pattern)))
	return out, pattern
}

// pushDownFilters moves the caller-level MinSimilarity and EntityTypes
// filters into the vector phase and clears the originals. Clearing is
// what makes the rule idempotent: a second pass finds nothing to push.
func (r *Rewriter) pushDownFilters(params *datatypes.QueryParams) {
	if params.MinSimilarity > 0 {
		params.VectorSearch.MinSimilarity = params.MinSimilarity
		params.MinSimilarity = 0
	}
	if len(params.EntityTypes) > 0 {
		params.VectorSearch.EntityTypes = params.EntityTypes
		params.EntityTypes = nil
	}
}

// reorderEdgeTypes stably sorts traversal edge types ascending by
// selectivity so the most selective types are expanded first. Types
// with no recorded selectivity sort last, keeping their relative order.
func (r *Rewriter) reorderEdgeTypes(params *datatypes.QueryParams, graph *datatypes.GraphInfo) {
	if graph == nil || len(graph.EdgeSelectivity) == 0 || len(params.Traversal.EdgeTypes) < 2 {
		return
	}
	selectivity := func(edgeType string) float64 {
		if s, ok := graph.EdgeSelectivity[edgeType]; ok {
			return s
		}
		return 1.0
	}
	sort.SliceStable(params.Traversal.EdgeTypes, func(i, j int) bool {
		return selectivity(params.Traversal.EdgeTypes[i]) < selectivity(params.Traversal.EdgeTypes[j])
	})
}

// selectStrategy picks the traversal strategy from graph shape. Dense
// graphs take edge sampling regardless of depth; deep queries on sparse
// graphs are breadth-limited. An explicit shortest-path strategy (set
// by fact verification) is never overridden.
func (r *Rewriter) selectStrategy(params *datatypes.QueryParams, graph *datatypes.GraphInfo) {
	if params.Traversal.Strategy == datatypes.StrategyShortestPath {
		return
	}
	if graph != nil && graph.Density > denseGraphThreshold {
		params.Traversal.Strategy = datatypes.StrategyEdgeSampling
		params.Traversal.SampleRatio = edgeSampleRatio
		return
	}
	if params.Traversal.MaxDepth > deepQueryDepth {
		params.Traversal.Strategy = datatypes.StrategyBreadthLimited
		params.Traversal.MaxBreadthPerLevel = breadthCap
	}
}

// applyPattern applies the per-pattern adjustments.
func (r *Rewriter) applyPattern(params *datatypes.QueryParams, pattern QueryPattern) {
	switch pattern {
	case PatternEntityLookup:
		params.VectorSearch.SkipVector = true
	case PatternRelationCentric:
		params.Traversal.PrioritizeRelationships = true
	case PatternFactVerification:
		params.Traversal.Strategy = datatypes.StrategyShortestPath
	case PatternComplexQuestion:
		if params.VectorSearch.TopK < complexQuestionTopK {
			params.VectorSearch.TopK = complexQuestionTopK
		}
	case PatternGeneral:
		// No adjustment.
	}
}

// specializeForGraph applies graph-family tuning. Wikipedia-style
// graphs get hierarchy edges promoted to the front of the traversal
// order and a hierarchical weight boost.
func (r *Rewriter) specializeForGraph(params *datatypes.QueryParams, graph *datatypes.GraphInfo) {
	if graph == nil || graph.Type != "wikipedia" {
		return
	}
	for _, priority := range wikipediaPriorityEdges {
		params.Traversal.EdgeTypes = moveToFront(params.Traversal.EdgeTypes, priority)
	}
	params.Traversal.HierarchicalWeight = hierarchicalWeight
}

// moveToFront moves the first occurrence of value to index 0,
// preserving the order of the rest. No-op when value is absent.
func moveToFront(list []string, value string) []string {
	for i, v := range list {
		if v == value {
			copy(list[1:i+1], list[:i])
			list[0] = value
			return list
		}
	}
	return list
}
