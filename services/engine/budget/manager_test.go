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
	"testing"
	"time"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine/backends"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
)

func TestComplexityOf(t *testing.T) {
	cases := []struct {
		name   string
		params datatypes.QueryParams
		want   Complexity
	}{
		{"trivial", datatypes.QueryParams{
			VectorSearch: datatypes.VectorSpec{TopK: 5},
			Traversal:    datatypes.TraversalSpec{MaxDepth: 1},
		}, ComplexityLow}, // 0.5 + 2 = 2.5
		{"medium", datatypes.QueryParams{
			VectorSearch: datatypes.VectorSpec{TopK: 10},
			Traversal:    datatypes.TraversalSpec{MaxDepth: 3, EdgeTypes: []string{"a", "b"}},
		}, ComplexityMedium}, // 1 + 6 + 1 = 8
		{"high", datatypes.QueryParams{
			VectorSearch: datatypes.VectorSpec{TopK: 20},
			Traversal:    datatypes.TraversalSpec{MaxDepth: 5, EdgeTypes: []string{"a", "b", "c", "d"}},
		}, ComplexityHigh}, // 2 + 10 + 2 = 14
		{"very high", datatypes.QueryParams{
			VectorSearch: datatypes.VectorSpec{TopK: 50},
			Traversal:    datatypes.TraversalSpec{MaxDepth: 8},
		}, ComplexityVeryHigh}, // 5 + 16 = 21
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ComplexityOf(tc.params); got != tc.want {
				t.Errorf("ComplexityOf = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestBudgetScaling(t *testing.T) {
	m := NewManager()

	t.Run("low complexity critical priority", func(t *testing.T) {
		params := datatypes.QueryParams{
			VectorSearch: datatypes.VectorSpec{TopK: 5},
			Traversal:    datatypes.TraversalSpec{MaxDepth: 1},
			Priority:     datatypes.PriorityCritical,
		}
		b := m.BudgetFor(params)
		// 500ms * 0.7 * 5 = 1750ms
		if b.VectorSearch != 1750*time.Millisecond {
			t.Errorf("VectorSearch = %v, want 1750ms", b.VectorSearch)
		}
		if b.GraphTraversal != 3500*time.Millisecond {
			t.Errorf("GraphTraversal = %v, want 3500ms", b.GraphTraversal)
		}
	})

	t.Run("normal priority medium complexity is the default", func(t *testing.T) {
		params := datatypes.QueryParams{
			VectorSearch: datatypes.VectorSpec{TopK: 10},
			Traversal:    datatypes.TraversalSpec{MaxDepth: 3, EdgeTypes: []string{"a", "b"}},
		}
		b := m.BudgetFor(params)
		if b.VectorSearch != 500*time.Millisecond {
			t.Errorf("VectorSearch = %v, want 500ms", b.VectorSearch)
		}
		if b.MaxNodes != 10000 || b.MaxEdges != 50000 {
			t.Errorf("node/edge caps = %d/%d, want 10000/50000", b.MaxNodes, b.MaxEdges)
		}
	})

	t.Run("low priority halves the budget", func(t *testing.T) {
		params := datatypes.QueryParams{
			VectorSearch: datatypes.VectorSpec{TopK: 10},
			Traversal:    datatypes.TraversalSpec{MaxDepth: 3, EdgeTypes: []string{"a", "b"}},
			Priority:     datatypes.PriorityLow,
		}
		b := m.BudgetFor(params)
		if b.Timeout != 1000*time.Millisecond {
			t.Errorf("Timeout = %v, want 1000ms", b.Timeout)
		}
	})
}

func TestHistoricalAdjustment(t *testing.T) {
	m := NewManager()
	params := datatypes.QueryParams{
		VectorSearch: datatypes.VectorSpec{TopK: 10},
		Traversal:    datatypes.TraversalSpec{MaxDepth: 3, EdgeTypes: []string{"a", "b"}},
	}

	base := m.BudgetFor(params)

	t.Run("few samples leave the budget unchanged", func(t *testing.T) {
		m.RecordCompletion(map[Phase]time.Duration{PhaseVectorSearch: 50 * time.Millisecond})
		b := m.BudgetFor(params)
		if b.VectorSearch != base.VectorSearch {
			t.Errorf("budget adjusted with too few samples: %v", b.VectorSearch)
		}
	})

	t.Run("consistent fast phases shrink the allocation", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			m.RecordCompletion(map[Phase]time.Duration{PhaseVectorSearch: 50 * time.Millisecond})
		}
		b := m.BudgetFor(params)
		if b.VectorSearch >= base.VectorSearch {
			t.Errorf("VectorSearch = %v, want below %v", b.VectorSearch, base.VectorSearch)
		}
		// Never below 80% of the unscaled default.
		if b.VectorSearch < 400*time.Millisecond {
			t.Errorf("VectorSearch = %v, below the 400ms floor", b.VectorSearch)
		}
	})

	t.Run("history is capped", func(t *testing.T) {
		for i := 0; i < 250; i++ {
			m.RecordCompletion(map[Phase]time.Duration{PhaseRanking: time.Millisecond})
		}
		if n := m.HistoryLen(PhaseRanking); n != 100 {
			t.Errorf("history length = %d, want 100", n)
		}
	})
}

func TestTracker(t *testing.T) {
	m := NewManager()
	b := Budget{
		VectorSearch:   100 * time.Millisecond,
		GraphTraversal: 200 * time.Millisecond,
		Ranking:        50 * time.Millisecond,
		Timeout:        500 * time.Millisecond,
	}

	t.Run("phase exceeded after consuming allocation", func(t *testing.T) {
		tr := m.StartCall(b)
		tr.Track(PhaseVectorSearch, 60*time.Millisecond)
		if tr.PhaseExceeded(PhaseVectorSearch) {
			t.Error("phase should not be exceeded at 60/100ms")
		}
		tr.Track(PhaseVectorSearch, 60*time.Millisecond)
		if !tr.PhaseExceeded(PhaseVectorSearch) {
			t.Error("phase should be exceeded at 120/100ms")
		}
	})

	t.Run("trackers are call scoped", func(t *testing.T) {
		tr1 := m.StartCall(b)
		tr2 := m.StartCall(b)
		tr1.Track(PhaseRanking, time.Hour)
		if tr2.Consumed(PhaseRanking) != 0 {
			t.Error("consumption leaked across trackers")
		}
	})

	t.Run("usage snapshot feeds RecordCompletion", func(t *testing.T) {
		tr := m.StartCall(b)
		tr.Track(PhaseVectorSearch, 10*time.Millisecond)
		tr.Track(PhaseGraphTraversal, 20*time.Millisecond)
		usage := tr.Usage()
		if usage[PhaseVectorSearch] != 10*time.Millisecond || usage[PhaseGraphTraversal] != 20*time.Millisecond {
			t.Errorf("unexpected usage: %v", usage)
		}
	})

	t.Run("zero timeout never exceeds", func(t *testing.T) {
		tr := m.StartCall(Budget{})
		if tr.Exceeded() {
			t.Error("zero timeout should never report exceeded")
		}
		if tr.ConsumedRatio() != 0 {
			t.Error("zero timeout ratio should be 0")
		}
	})
}

func TestSuggestEarlyStop(t *testing.T) {
	strong := []backends.SearchResult{
		{Score: 0.95}, {Score: 0.92}, {Score: 0.90},
	}
	cliff := []backends.SearchResult{
		{Score: 0.9}, {Score: 0.85}, {Score: 0.8}, {Score: 0.6}, {Score: 0.5},
	}
	flat := []backends.SearchResult{
		{Score: 0.6}, {Score: 0.59}, {Score: 0.58}, {Score: 0.57}, {Score: 0.56},
	}

	t.Run("too few results never stop", func(t *testing.T) {
		if SuggestEarlyStop(strong[:2], 0.9) {
			t.Error("should not stop with fewer than 3 results")
		}
	})

	t.Run("strong results with spent budget stop", func(t *testing.T) {
		if !SuggestEarlyStop(strong, 0.8) {
			t.Error("should stop: budget 80% spent, top-3 mean > 0.85")
		}
	})

	t.Run("strong results with fresh budget continue", func(t *testing.T) {
		if SuggestEarlyStop(strong, 0.2) {
			t.Error("should continue with most of the budget left")
		}
	})

	t.Run("score cliff stops regardless of budget", func(t *testing.T) {
		if !SuggestEarlyStop(cliff, 0.1) {
			t.Error("should stop: rank1-rank5 gap is 0.4")
		}
	})

	t.Run("flat distribution continues", func(t *testing.T) {
		if SuggestEarlyStop(flat, 0.5) {
			t.Error("flat scores with half the budget left should continue")
		}
	})
}
