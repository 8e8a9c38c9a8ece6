// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine assembles the GraphRAG query engine from its parts:
// statistics, caching, rewriting, budgeting, planning, and
// cross-document reasoning, wired to a set of pluggable backends.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine/backends"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/budget"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/config"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/learnstore"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/optimizer"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/querycache"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/reason"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/rewrite"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/stats"
)

// Backends bundles every pluggable backend the engine can use. All
// fields are optional; missing backends degrade the phases that need
// them.
type Backends struct {
	Vector     backends.VectorBackend
	Graph      backends.GraphBackend
	Ranker     backends.RankBackend
	Knowledge  backends.KnowledgeGraph
	Embedder   backends.EmbeddingBackend
	Generation backends.GenerationBackend
}

// Engine is the assembled GraphRAG engine.
type Engine struct {
	Collector *stats.Collector
	Cache     *querycache.Cache
	Budgets   *budget.Manager
	Optimizer *optimizer.Unified
	Reasoner  *reason.Reasoner

	store  *learnstore.Store
	logger *slog.Logger
}

// New assembles an Engine from configuration and backends.
func New(cfg config.Config, b Backends, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	collector := stats.NewCollector()
	cache := querycache.New(
		querycache.WithTTL(cfg.Cache.TTL),
		querycache.WithCapacity(cfg.Cache.Capacity),
		querycache.WithCollector(collector),
	)
	budgets := budget.NewManager(
		budget.WithDefaults(budgetFromConfig(cfg.Budget)),
		budget.WithLogger(logger),
	)

	var store *learnstore.Store
	if cfg.Learning.Path != "" {
		s, err := learnstore.Open(cfg.Learning.Path, logger)
		if err != nil {
			return nil, err
		}
		store = s
	}

	unified := optimizer.NewUnified(optimizer.UnifiedConfig{
		Backends: optimizer.Backends{
			Vector: b.Vector,
			Graph:  b.Graph,
			Ranker: b.Ranker,
		},
		Rewriter:   rewrite.New(logger),
		Budgets:    budgets,
		Cache:      cache,
		Collector:  collector,
		Store:      store,
		LearnCycle: cfg.Optimizer.LearnCycle,
		Logger:     logger,
	})

	reasoner := reason.New(reason.Config{
		MaxDocuments:          cfg.Reason.MaxDocuments,
		MinRelevance:          cfg.Reason.MinRelevance,
		MinConnectionStrength: cfg.Reason.MinConnectionStrength,
		Depth:                 reason.Depth(cfg.Reason.Depth),
	},
		reason.WithVector(b.Vector),
		reason.WithEmbedder(b.Embedder),
		reason.WithKnowledgeGraph(b.Knowledge),
		reason.WithGeneration(b.Generation),
		reason.WithLogger(logger),
	)

	return &Engine{
		Collector: collector,
		Cache:     cache,
		Budgets:   budgets,
		Optimizer: unified,
		Reasoner:  reasoner,
		store:     store,
		logger:    logger.With("component", "engine"),
	}, nil
}

// Query plans and executes one query in a single call.
func (e *Engine) Query(ctx context.Context, params datatypes.QueryParams, graph *datatypes.GraphInfo) ([]backends.SearchResult, error) {
	plan := e.Optimizer.Optimize(ctx, params, graph)
	if plan.Fallback {
		e.logger.Warn("executing fallback plan", "reason", plan.FallbackReason)
	}
	return e.Optimizer.Execute(ctx, plan)
}

// Reason answers a cross-document question.
func (e *Engine) Reason(ctx context.Context, question string) (*reason.Result, error) {
	return e.Reasoner.Reason(ctx, question)
}

// Close releases engine-held resources.
func (e *Engine) Close() error {
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}

// budgetFromConfig maps the millisecond config overrides onto the
// default budget.
func budgetFromConfig(cfg config.BudgetConfig) budget.Budget {
	b := budget.DefaultBudget()
	if cfg.VectorSearchMS > 0 {
		b.VectorSearch = time.Duration(cfg.VectorSearchMS) * time.Millisecond
	}
	if cfg.GraphTraversalMS > 0 {
		b.GraphTraversal = time.Duration(cfg.GraphTraversalMS) * time.Millisecond
	}
	if cfg.RankingMS > 0 {
		b.Ranking = time.Duration(cfg.RankingMS) * time.Millisecond
	}
	if cfg.MaxNodes > 0 {
		b.MaxNodes = cfg.MaxNodes
	}
	if cfg.MaxEdges > 0 {
		b.MaxEdges = cfg.MaxEdges
	}
	if cfg.TimeoutMS > 0 {
		b.Timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	return b
}
