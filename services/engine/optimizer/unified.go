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
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine/backends"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/budget"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/learnstore"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/querycache"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/rewrite"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/stats"
)

var tracer = otel.Tracer("graphrag.optimizer")

// defaultLearnCycle is the number of executed queries between learning
// passes.
const defaultLearnCycle = 50

// Learning bounds per cycle.
const (
	learnDepthStep     = 1
	learnDepthFloor    = 1
	learnDepthCap      = 5
	learnSimStep       = 0.05
	learnSimFloor      = 0.3
	learnSimCap        = 0.9
	learnSlowThreshold = 1 * time.Second
	learnFastThreshold = 100 * time.Millisecond
)

// Backends bundles the execution backends a Unified optimizer drives.
type Backends struct {
	Vector backends.VectorBackend
	Graph  backends.GraphBackend
	Ranker backends.RankBackend
}

// UnifiedConfig wires a Unified optimizer.
type UnifiedConfig struct {
	Backends  Backends
	Rewriter  *rewrite.Rewriter
	Budgets   *budget.Manager
	Cache     *querycache.Cache
	Collector *stats.Collector

	// Store persists learned defaults across restarts. Optional.
	Store *learnstore.Store

	// LearnCycle overrides the queries-per-learning-pass count.
	LearnCycle int

	Logger *slog.Logger
}

// Unified is the engine's planning and execution front door. It
// dispatches each query to the optimizer for its graph family, builds
// an executable Plan (never nil), and runs plans against the backends
// with budget enforcement, caching, and concurrent-duplicate collapse.
type Unified struct {
	backends   Backends
	rewriter   *rewrite.Rewriter
	budgets    *budget.Manager
	cache      *querycache.Cache
	collector  *stats.Collector
	store      *learnstore.Store
	logger     *slog.Logger
	optimizers map[GraphType]*Optimizer

	group singleflight.Group

	learnCycle      int64
	queriesToLearn  atomic.Int64
	learning        atomic.Bool
	learnedMu       sync.RWMutex
	learnedDefaults map[GraphType]learnstore.Defaults
}

// NewUnified assembles a Unified optimizer. Missing rewriter, budget
// manager, cache, or collector are replaced with defaults; backends
// may be partially nil, and the corresponding phases degrade to empty
// results.
func NewUnified(cfg UnifiedConfig) *Unified {
	if cfg.Rewriter == nil {
		cfg.Rewriter = rewrite.New(cfg.Logger)
	}
	if cfg.Budgets == nil {
		cfg.Budgets = budget.NewManager()
	}
	if cfg.Collector == nil {
		cfg.Collector = stats.NewCollector()
	}
	if cfg.Cache == nil {
		cfg.Cache = querycache.New(querycache.WithCollector(cfg.Collector))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cycle := int64(cfg.LearnCycle)
	if cycle <= 0 {
		cycle = defaultLearnCycle
	}

	u := &Unified{
		backends:   cfg.Backends,
		rewriter:   cfg.Rewriter,
		budgets:    cfg.Budgets,
		cache:      cfg.Cache,
		collector:  cfg.Collector,
		store:      cfg.Store,
		logger:     cfg.Logger.With("component", "optimizer"),
		learnCycle: cycle,
		optimizers: map[GraphType]*Optimizer{
			GraphTypeGeneral:   newOptimizer(GraphTypeGeneral),
			GraphTypeWikipedia: newOptimizer(GraphTypeWikipedia),
			GraphTypeIPLD:      newOptimizer(GraphTypeIPLD),
		},
		learnedDefaults: make(map[GraphType]learnstore.Defaults),
	}
	u.loadLearnedDefaults()
	return u
}

// optimizerFor returns the family optimizer. The switch is exhaustive
// over GraphType; a new family must be wired here.
func (u *Unified) optimizerFor(t GraphType) *Optimizer {
	switch t {
	case GraphTypeGeneral, GraphTypeWikipedia, GraphTypeIPLD:
		return u.optimizers[t]
	default:
		return u.optimizers[GraphTypeGeneral]
	}
}

// Optimize builds a plan for the given query. It never returns nil: if
// planning fails the result is a conservative fallback plan with
// caching disabled and FallbackReason set.
func (u *Unified) Optimize(ctx context.Context, params datatypes.QueryParams, graph *datatypes.GraphInfo) (plan *Plan) {
	ctx, span := tracer.Start(ctx, "Unified.Optimize")
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("optimizer panicked, using fallback plan", "panic", r)
			plan = u.fallbackPlan(params, fmt.Sprintf("optimizer panic: %v", r))
			span.SetStatus(codes.Error, "optimizer panic")
		}
		span.SetAttributes(
			attribute.String("plan.graph_type", plan.GraphType.String()),
			attribute.Bool("plan.fallback", plan.Fallback),
		)
	}()

	if !params.HasVector() && params.Text == "" && params.EntityID == "" && params.Fact == "" {
		return u.fallbackPlan(params, "query has no text, vector, entity, or fact")
	}

	graphType := DetectGraphType(params, graph)
	opt := u.optimizerFor(graphType)

	tuned := params.Clone()
	u.applyLearnedDefaults(graphType, &tuned)
	tuned = u.rewriter.Rewrite(tuned, graph)
	if tuned.HasVector() {
		tuned = opt.AdjustParams(tuned, u.collector.Summary())
	}

	vectorWeight, graphWeight := opt.Weights()
	plan = &Plan{
		ID:           newPlanID(),
		Params:       tuned,
		VectorWeight: vectorWeight,
		GraphWeight:  graphWeight,
		Budget:       u.budgets.BudgetFor(tuned),
		GraphType:    graphType,
		CacheKey:     querycache.KeyFor(tuned),
		CacheTTL:     opt.CacheTTL(),
		UseCache:     true,
	}
	return plan
}

// fallbackPlan is the degraded plan used when optimization fails:
// shallow traversal, narrow retrieval, default budget, caching off.
func (u *Unified) fallbackPlan(params datatypes.QueryParams, reason string) *Plan {
	p := params.Clone()
	p.Traversal.MaxDepth = 2
	p.VectorSearch.TopK = 5
	p.VectorSearch.MinSimilarity = 0.6

	opt := u.optimizerFor(GraphTypeGeneral)
	vectorWeight, graphWeight := opt.Weights()
	return &Plan{
		ID:             newPlanID(),
		Params:         p,
		VectorWeight:   vectorWeight,
		GraphWeight:    graphWeight,
		Budget:         budget.DefaultBudget(),
		GraphType:      GraphTypeGeneral,
		UseCache:       false,
		Fallback:       true,
		FallbackReason: reason,
	}
}

// Execute runs a plan against the backends.
//
// Identical concurrent cacheable plans collapse into one execution.
// A failed phase contributes zero results instead of failing the call;
// the error return is reserved for context cancellation.
func (u *Unified) Execute(ctx context.Context, plan *Plan) ([]backends.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "Unified.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.String("plan.graph_type", plan.GraphType.String()),
	)

	cacheable := plan.UseCache && !plan.Fallback && plan.CacheKey != ""
	if cacheable {
		if results, ok := u.cache.Get(ctx, plan.CacheKey); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return results, nil
		}

		v, err, _ := u.group.Do(plan.CacheKey, func() (any, error) {
			return u.execute(ctx, plan)
		})
		if err != nil {
			return nil, err
		}
		return v.([]backends.SearchResult), nil
	}
	return u.execute(ctx, plan)
}

// execute runs the vector, graph, and ranking phases.
func (u *Unified) execute(ctx context.Context, plan *Plan) ([]backends.SearchResult, error) {
	start := time.Now()
	tracker := u.budgets.StartCall(plan.Budget)

	if plan.Budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.Budget.Timeout)
		defer cancel()
	}

	seeds := u.vectorPhase(ctx, plan, tracker)

	// A phase that spent its budget forfeits the next phase; the
	// early-stop policy runs both before and after expansion.
	var expanded []backends.SearchResult
	if plan.Params.Traversal.MaxDepth > 0 &&
		!tracker.PhaseExceeded(budget.PhaseVectorSearch) &&
		!budget.SuggestEarlyStop(seeds, tracker.ConsumedRatio()) {
		expanded = u.graphPhase(ctx, plan, tracker, seeds)
	}

	merged := mergeByID(seeds, expanded)

	var results []backends.SearchResult
	if tracker.PhaseExceeded(budget.PhaseGraphTraversal) || budget.SuggestEarlyStop(merged, tracker.ConsumedRatio()) {
		results = merged
	} else {
		results = u.rankPhase(ctx, plan, tracker, merged)
	}

	if ctx.Err() != nil && len(results) == 0 {
		return nil, ctx.Err()
	}

	if plan.UseCache && !plan.Fallback && plan.CacheKey != "" {
		u.cache.PutTTL(ctx, plan.CacheKey, results, plan.CacheTTL)
	}

	u.collector.RecordQueryTime(time.Since(start))
	u.collector.RecordPattern(map[string]any{
		"graph_type": plan.GraphType.String(),
		"strategy":   string(plan.Params.Traversal.Strategy),
		"top_k":      plan.Params.VectorSearch.TopK,
		"max_depth":  plan.Params.Traversal.MaxDepth,
	})
	u.budgets.RecordCompletion(tracker.Usage())
	u.maybeLearn(plan.GraphType)

	return results, nil
}

// vectorPhase produces the traversal seeds: either the known entity for
// lookups, or the vector search results. Failures degrade to no seeds.
func (u *Unified) vectorPhase(ctx context.Context, plan *Plan, tracker *budget.Tracker) []backends.SearchResult {
	params := plan.Params
	if params.VectorSearch.SkipVector {
		if params.EntityID != "" {
			return []backends.SearchResult{{ID: params.EntityID, Score: 1.0}}
		}
		return nil
	}
	if u.backends.Vector == nil || !params.HasVector() {
		return nil
	}

	phaseStart := time.Now()
	results, err := u.backends.Vector.Search(ctx, params.Vector, params.VectorSearch.TopK, params.VectorSearch.MinSimilarity)
	tracker.Track(budget.PhaseVectorSearch, time.Since(phaseStart))
	if err != nil {
		u.logger.Warn("vector phase failed, continuing without seeds", "error", err)
		return nil
	}

	seeds := make([]backends.SearchResult, len(results))
	for i, r := range results {
		r.Metadata = cloneMetadata(r.Metadata)
		r.Metadata["vector_score"] = r.Score
		seeds[i] = r
	}
	return seeds
}

// graphPhase expands the seeds through the graph backend. Failures
// degrade to no expansion; results are capped at the node budget.
func (u *Unified) graphPhase(ctx context.Context, plan *Plan, tracker *budget.Tracker, seeds []backends.SearchResult) []backends.SearchResult {
	if u.backends.Graph == nil || len(seeds) == 0 {
		return nil
	}

	phaseStart := time.Now()
	results, err := u.backends.Graph.Expand(ctx, seeds, plan.Params.Traversal.MaxDepth, plan.Params.Traversal.EdgeTypes)
	tracker.Track(budget.PhaseGraphTraversal, time.Since(phaseStart))
	if err != nil {
		u.logger.Warn("graph phase failed, continuing with vector results only", "error", err)
		return nil
	}

	if plan.Budget.MaxNodes > 0 && len(results) > plan.Budget.MaxNodes {
		results = results[:plan.Budget.MaxNodes]
	}
	expanded := make([]backends.SearchResult, len(results))
	for i, r := range results {
		r.Metadata = cloneMetadata(r.Metadata)
		r.Metadata["graph_score"] = r.Score
		expanded[i] = r
	}
	return expanded
}

// rankPhase ranks the merged phase outputs with the plan's fusion
// weights. A failed ranker falls back to the merged order.
func (u *Unified) rankPhase(ctx context.Context, plan *Plan, tracker *budget.Tracker, merged []backends.SearchResult) []backends.SearchResult {
	if u.backends.Ranker == nil || len(merged) == 0 {
		return merged
	}

	phaseStart := time.Now()
	ranked, err := u.backends.Ranker.Rank(ctx, merged, plan.VectorWeight, plan.GraphWeight)
	tracker.Track(budget.PhaseRanking, time.Since(phaseStart))
	if err != nil {
		u.logger.Warn("ranking phase failed, returning unranked results", "error", err)
		return merged
	}
	return ranked
}

// mergeByID merges the vector and graph phase outputs. A node reached
// by both phases keeps one entry carrying both phase scores.
func mergeByID(seeds, expanded []backends.SearchResult) []backends.SearchResult {
	merged := make([]backends.SearchResult, 0, len(seeds)+len(expanded))
	index := make(map[string]int, len(seeds))
	for _, r := range seeds {
		index[r.ID] = len(merged)
		merged = append(merged, r)
	}
	for _, r := range expanded {
		if i, ok := index[r.ID]; ok {
			if score, ok := r.Metadata["graph_score"]; ok {
				merged[i].Metadata = cloneMetadata(merged[i].Metadata)
				merged[i].Metadata["graph_score"] = score
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// cloneMetadata copies a metadata map so phase annotations never mutate
// backend-owned state.
func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// =============================================================================
// Learning
// =============================================================================

// loadLearnedDefaults primes the in-memory learned defaults from the
// store.
func (u *Unified) loadLearnedDefaults() {
	for _, t := range []GraphType{GraphTypeGeneral, GraphTypeWikipedia, GraphTypeIPLD} {
		d := learnstore.Defaults{MaxDepth: 2, MinSimilarity: 0.6}
		if u.store != nil {
			if stored, found, err := u.store.Load(t.String()); err == nil && found {
				d = stored
			} else if err != nil {
				u.logger.Warn("failed to load learned defaults", "graph_type", t.String(), "error", err)
			}
		}
		u.learnedDefaults[t] = d
	}
}

// applyLearnedDefaults fills unset traversal depth and similarity floor
// from the learned defaults for the graph family. Explicit caller
// values always win.
func (u *Unified) applyLearnedDefaults(t GraphType, params *datatypes.QueryParams) {
	u.learnedMu.RLock()
	d := u.learnedDefaults[t]
	u.learnedMu.RUnlock()

	if params.Traversal.MaxDepth == 0 {
		params.Traversal.MaxDepth = d.MaxDepth
	}
	if params.VectorSearch.MinSimilarity == 0 && params.MinSimilarity == 0 {
		params.VectorSearch.MinSimilarity = d.MinSimilarity
	}
}

// LearnedDefaults returns the current learned defaults for a family.
func (u *Unified) LearnedDefaults(t GraphType) learnstore.Defaults {
	u.learnedMu.RLock()
	defer u.learnedMu.RUnlock()
	return u.learnedDefaults[t]
}

// maybeLearn runs a learning pass every learnCycle executed queries.
// The CAS guard keeps concurrent executions from learning twice off the
// same window.
func (u *Unified) maybeLearn(t GraphType) {
	if u.queriesToLearn.Add(1) < u.learnCycle {
		return
	}
	if !u.learning.CompareAndSwap(false, true) {
		return
	}
	defer u.learning.Store(false)
	u.queriesToLearn.Store(0)

	u.learnFromStats(t, u.collector.Summary())
}

// learnFromStats nudges the learned defaults for one graph family from
// a statistics snapshot. Movement is bounded per cycle: depth moves at
// most one step, the similarity floor at most 0.05.
func (u *Unified) learnFromStats(t GraphType, summary stats.Summary) {
	u.learnedMu.Lock()
	d := u.learnedDefaults[t]

	avg := summary.RecentAvg
	if avg == 0 {
		avg = summary.Avg
	}
	switch {
	case avg > learnSlowThreshold && d.MaxDepth > learnDepthFloor:
		d.MaxDepth -= learnDepthStep
	case avg > 0 && avg < learnFastThreshold && d.MaxDepth < learnDepthCap:
		d.MaxDepth += learnDepthStep
	}

	if summary.CacheHitRate < lowHitRateThreshold && d.MinSimilarity > learnSimFloor {
		d.MinSimilarity -= learnSimStep
		if d.MinSimilarity < learnSimFloor {
			d.MinSimilarity = learnSimFloor
		}
	} else if summary.CacheHitRate > 0.8 && d.MinSimilarity < learnSimCap {
		d.MinSimilarity += learnSimStep
		if d.MinSimilarity > learnSimCap {
			d.MinSimilarity = learnSimCap
		}
	}

	u.learnedDefaults[t] = d
	u.learnedMu.Unlock()

	u.logger.Info("updated learned defaults",
		"graph_type", t.String(),
		"max_depth", d.MaxDepth,
		"min_similarity", d.MinSimilarity)

	if u.store != nil {
		if err := u.store.Save(t.String(), d); err != nil {
			u.logger.Warn("failed to persist learned defaults", "graph_type", t.String(), "error", err)
		}
	}
}
