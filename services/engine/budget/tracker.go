// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package budget

import (
	"sync"
	"time"
)

// Tracker accumulates budget consumption for a single call.
//
// Each call gets its own Tracker from Manager.StartCall, so concurrent
// queries never share consumption state. Safe for concurrent use within
// a call (phases may overlap).
type Tracker struct {
	budget Budget
	start  time.Time

	mu       sync.Mutex
	consumed map[Phase]time.Duration
}

// StartCall opens a consumption tracker for one call against the given
// budget.
func (m *Manager) StartCall(b Budget) *Tracker {
	return &Tracker{
		budget:   b,
		start:    time.Now(),
		consumed: make(map[Phase]time.Duration, 3),
	}
}

// Budget returns the allocation this tracker enforces.
func (t *Tracker) Budget() Budget {
	return t.budget
}

// Track records time consumed by a phase.
func (t *Tracker) Track(phase Phase, d time.Duration) {
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumed[phase] += d
}

// Consumed returns the time recorded for a phase.
func (t *Tracker) Consumed(phase Phase) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumed[phase]
}

// PhaseExceeded reports whether a phase has spent its allocation.
func (t *Tracker) PhaseExceeded(phase Phase) bool {
	limit := t.phaseLimit(phase)
	if limit <= 0 {
		return false
	}
	return t.Consumed(phase) >= limit
}

// Exceeded reports whether the call has outlived its total timeout.
func (t *Tracker) Exceeded() bool {
	if t.budget.Timeout <= 0 {
		return false
	}
	return time.Since(t.start) >= t.budget.Timeout
}

// ConsumedRatio returns elapsed wall time over the call timeout,
// clamped to [0,1]. A zero timeout reports 0.
func (t *Tracker) ConsumedRatio() float64 {
	if t.budget.Timeout <= 0 {
		return 0
	}
	ratio := float64(time.Since(t.start)) / float64(t.budget.Timeout)
	if ratio > 1 {
		ratio = 1
	}
	return ratio
}

// Usage snapshots the per-phase consumption, suitable for
// Manager.RecordCompletion.
func (t *Tracker) Usage() map[Phase]time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[Phase]time.Duration, len(t.consumed))
	for phase, d := range t.consumed {
		out[phase] = d
	}
	return out
}

// phaseLimit maps a phase to its allocation.
func (t *Tracker) phaseLimit(phase Phase) time.Duration {
	switch phase {
	case PhaseVectorSearch:
		return t.budget.VectorSearch
	case PhaseGraphTraversal:
		return t.budget.GraphTraversal
	case PhaseRanking:
		return t.budget.Ranking
	default:
		return 0
	}
}
