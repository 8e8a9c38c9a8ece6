// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package budget allocates per-query resource budgets and tracks their
// consumption. A budget is computed once per call from query complexity,
// caller priority, and historical phase timings, then consumed through a
// call-scoped Tracker.
package budget

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine/backends"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
)

// Phase names one budgeted execution phase.
type Phase string

const (
	PhaseVectorSearch   Phase = "vector_search"
	PhaseGraphTraversal Phase = "graph_traversal"
	PhaseRanking        Phase = "ranking"
)

// Complexity buckets a query by its estimated cost.
type Complexity string

const (
	ComplexityLow      Complexity = "low"
	ComplexityMedium   Complexity = "medium"
	ComplexityHigh     Complexity = "high"
	ComplexityVeryHigh Complexity = "very_high"
)

// complexityMultipliers scale the default budget per complexity bucket.
var complexityMultipliers = map[Complexity]float64{
	ComplexityLow:      0.7,
	ComplexityMedium:   1.0,
	ComplexityHigh:     1.5,
	ComplexityVeryHigh: 2.0,
}

// priorityMultipliers scale the budget per caller priority.
var priorityMultipliers = map[datatypes.Priority]float64{
	datatypes.PriorityLow:      0.5,
	datatypes.PriorityNormal:   1.0,
	datatypes.PriorityHigh:     2.0,
	datatypes.PriorityCritical: 5.0,
}

// Budget is the resource allocation for one query call.
type Budget struct {
	VectorSearch   time.Duration `json:"vector_search"`
	GraphTraversal time.Duration `json:"graph_traversal"`
	Ranking        time.Duration `json:"ranking"`
	MaxNodes       int           `json:"max_nodes"`
	MaxEdges       int           `json:"max_edges"`
	Timeout        time.Duration `json:"timeout"`
}

// DefaultBudget is the unscaled per-phase allocation.
func DefaultBudget() Budget {
	return Budget{
		VectorSearch:   500 * time.Millisecond,
		GraphTraversal: 1000 * time.Millisecond,
		Ranking:        200 * time.Millisecond,
		MaxNodes:       10000,
		MaxEdges:       50000,
		Timeout:        2000 * time.Millisecond,
	}
}

// historyCap bounds the per-phase completion history.
const historyCap = 100

// minHistoryForAdjust is the sample count below which historical
// adjustment is skipped.
const minHistoryForAdjust = 10

// floorRatio is the lowest a phase budget may fall relative to its
// unscaled default after historical adjustment.
const floorRatio = 0.8

// Manager computes budgets and accumulates completion history.
//
// Safe for concurrent use; a single Manager serves all calls.
type Manager struct {
	mu       sync.Mutex
	defaults Budget
	history  map[Phase][]time.Duration
	logger   *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaults overrides the base budget.
func WithDefaults(b Budget) Option {
	return func(m *Manager) { m.defaults = b }
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger.With("component", "budget")
		}
	}
}

// NewManager creates a Manager with the default budget table.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		defaults: DefaultBudget(),
		history:  make(map[Phase][]time.Duration),
		logger:   slog.Default().With("component", "budget"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ComplexityOf buckets a query by a weighted score over its retrieval
// width, traversal depth, and edge fan-out:
//
//	score = topK/10 + 2*maxDepth + 0.5*len(edgeTypes)
//
// score < 5 is low, < 10 medium, < 20 high, else very high.
func ComplexityOf(params datatypes.QueryParams) Complexity {
	score := float64(params.VectorSearch.TopK)/10 +
		2*float64(params.Traversal.MaxDepth) +
		0.5*float64(len(params.Traversal.EdgeTypes))
	switch {
	case score < 5:
		return ComplexityLow
	case score < 10:
		return ComplexityMedium
	case score < 20:
		return ComplexityHigh
	default:
		return ComplexityVeryHigh
	}
}

// BudgetFor computes the budget for one call: the default scaled by
// complexity and priority, then nudged toward observed phase timings
// once enough history exists. The historical nudge never pushes a phase
// below floorRatio of its unscaled default.
func (m *Manager) BudgetFor(params datatypes.QueryParams) Budget {
	complexity := ComplexityOf(params)
	scale := complexityMultipliers[complexity] * priorityMultipliers[params.Priority.Normalize()]

	m.mu.Lock()
	defer m.mu.Unlock()

	b := Budget{
		VectorSearch:   m.adjustLocked(PhaseVectorSearch, scaleDuration(m.defaults.VectorSearch, scale), m.defaults.VectorSearch),
		GraphTraversal: m.adjustLocked(PhaseGraphTraversal, scaleDuration(m.defaults.GraphTraversal, scale), m.defaults.GraphTraversal),
		Ranking:        m.adjustLocked(PhaseRanking, scaleDuration(m.defaults.Ranking, scale), m.defaults.Ranking),
		MaxNodes:       int(float64(m.defaults.MaxNodes) * scale),
		MaxEdges:       int(float64(m.defaults.MaxEdges) * scale),
		Timeout:        scaleDuration(m.defaults.Timeout, scale),
	}

	m.logger.Debug("computed budget",
		"complexity", string(complexity),
		"priority", string(params.Priority.Normalize()),
		"timeout", b.Timeout)
	return b
}

// RecordCompletion folds the phase timings of a finished call into the
// history. Each phase keeps the most recent historyCap samples.
func (m *Manager) RecordCompletion(usage map[Phase]time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for phase, d := range usage {
		if d <= 0 {
			continue
		}
		samples := append(m.history[phase], d)
		if len(samples) > historyCap {
			samples = samples[len(samples)-historyCap:]
		}
		m.history[phase] = samples
	}
}

// HistoryLen returns the recorded sample count for a phase.
func (m *Manager) HistoryLen(phase Phase) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[phase])
}

// adjustLocked nudges a scaled phase budget halfway toward the midpoint
// of the phase's observed average and p95. Caller must hold m.mu.
func (m *Manager) adjustLocked(phase Phase, scaled, unscaledDefault time.Duration) time.Duration {
	samples := m.history[phase]
	if len(samples) < minHistoryForAdjust {
		return scaled
	}

	var total time.Duration
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for _, d := range sorted {
		total += d
	}
	avg := total / time.Duration(len(sorted))
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	p95 := sorted[idx]

	target := (avg + p95) / 2
	adjusted := scaled + (target-scaled)/2

	floor := scaleDuration(unscaledDefault, floorRatio)
	if adjusted < floor {
		adjusted = floor
	}
	return adjusted
}

// scaleDuration multiplies a duration by a float factor.
func scaleDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

// =============================================================================
// Early Stop
// =============================================================================

// earlyStopMinResults is the result count below which stopping is never
// suggested.
const earlyStopMinResults = 3

// SuggestEarlyStop reports whether graph expansion should stop before
// exhausting its budget. Stopping is suggested when results are already
// strong and the budget is mostly spent, or when the score distribution
// has a steep cliff after the top ranks.
//
// results must be sorted by descending score.
func SuggestEarlyStop(results []backends.SearchResult, consumedRatio float64) bool {
	if len(results) < earlyStopMinResults {
		return false
	}

	var top3 float64
	for i := 0; i < 3; i++ {
		top3 += results[i].Score
	}
	top3 /= 3
	if consumedRatio > 0.7 && top3 > 0.85 {
		return true
	}

	if len(results) >= 5 && results[0].Score-results[4].Score > 0.3 {
		return true
	}
	return false
}
