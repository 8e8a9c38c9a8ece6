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
	"errors"
	"testing"
	"time"

	"github.com/weaviate/weaviate/entities/models"
)

// newTestWeaviate builds an adapter whose transport is replaced by fn,
// so retry behavior can be exercised without a running instance.
func newTestWeaviate(t *testing.T, config WeaviateConfig, fn func(ctx context.Context, vector []float32, topK int, minScore float64) ([]SearchResult, error)) *WeaviateVector {
	t.Helper()
	config.Host = "localhost:8080"
	if config.RetryBackoff == 0 {
		config.RetryBackoff = time.Millisecond
	}
	w, err := NewWeaviateVector(config, nil)
	if err != nil {
		t.Fatalf("NewWeaviateVector: %v", err)
	}
	w.search = fn
	return w
}

func TestWeaviateSearchRetries(t *testing.T) {
	ctx := context.Background()

	t.Run("transient failures are retried until success", func(t *testing.T) {
		attempts := 0
		w := newTestWeaviate(t, WeaviateConfig{RetryAttempts: 3}, func(context.Context, []float32, int, float64) ([]SearchResult, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("connection refused")
			}
			return []SearchResult{{ID: "doc-1", Score: 0.9}}, nil
		})

		results, err := w.Search(ctx, []float32{0.1}, 5, 0)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
		if len(results) != 1 || results[0].ID != "doc-1" {
			t.Errorf("results = %+v, want single doc-1", results)
		}
	})

	t.Run("exhausted retries surface a backend error", func(t *testing.T) {
		attempts := 0
		w := newTestWeaviate(t, WeaviateConfig{RetryAttempts: 2}, func(context.Context, []float32, int, float64) ([]SearchResult, error) {
			attempts++
			return nil, errors.New("connection refused")
		})

		_, err := w.Search(ctx, []float32{0.1}, 5, 0)
		if err == nil {
			t.Fatal("expected error after exhausted retries")
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want initial try + 2 retries", attempts)
		}
		var backendErr *BackendError
		if !errors.As(err, &backendErr) {
			t.Fatalf("error %v is not a *BackendError", err)
		}
		if backendErr.Backend != "weaviate" {
			t.Errorf("Backend = %q, want weaviate", backendErr.Backend)
		}
		if !errors.Is(err, ErrBackendUnavailable) {
			t.Errorf("error %v should wrap ErrBackendUnavailable", err)
		}
	})

	t.Run("fail open returns zero results instead of an error", func(t *testing.T) {
		w := newTestWeaviate(t, WeaviateConfig{RetryAttempts: 1, FailOpen: true}, func(context.Context, []float32, int, float64) ([]SearchResult, error) {
			return nil, errors.New("connection refused")
		})

		results, err := w.Search(ctx, []float32{0.1}, 5, 0)
		if err != nil {
			t.Fatalf("fail-open Search returned error: %v", err)
		}
		if len(results) != 0 {
			t.Errorf("results = %+v, want none", results)
		}
	})

	t.Run("cancellation stops the retry loop", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		attempts := 0
		w := newTestWeaviate(t, WeaviateConfig{RetryAttempts: 5}, func(context.Context, []float32, int, float64) ([]SearchResult, error) {
			attempts++
			cancel()
			return nil, errors.New("connection refused")
		})

		_, err := w.Search(cancelled, []float32{0.1}, 5, 0)
		if err == nil {
			t.Fatal("expected error from cancelled search")
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1 before cancellation is observed", attempts)
		}
	})

	t.Run("non-positive topK short-circuits", func(t *testing.T) {
		called := false
		w := newTestWeaviate(t, WeaviateConfig{}, func(context.Context, []float32, int, float64) ([]SearchResult, error) {
			called = true
			return nil, nil
		})

		results, err := w.Search(ctx, []float32{0.1}, 0, 0)
		if err != nil || results != nil {
			t.Fatalf("Search = (%v, %v), want (nil, nil)", results, err)
		}
		if called {
			t.Error("transport should not be hit for topK <= 0")
		}
	})
}

func TestWeaviateParseResults(t *testing.T) {
	w := newTestWeaviate(t, WeaviateConfig{}, nil)

	data := map[string]models.JSONObject{
		"Get": map[string]any{
			"Document": []any{
				map[string]any{
					"content": "ipfs overview",
					"source":  "spec",
					"_additional": map[string]any{
						"id":        "doc-1",
						"certainty": 0.92,
					},
				},
				// Missing id: dropped.
				map[string]any{
					"content":     "orphan",
					"_additional": map[string]any{"certainty": 0.5},
				},
			},
		},
	}

	results := w.parseResults(data)
	if len(results) != 1 {
		t.Fatalf("parsed %d results, want 1", len(results))
	}
	got := results[0]
	if got.ID != "doc-1" || got.Score != 0.92 {
		t.Errorf("result = %+v, want id doc-1 score 0.92", got)
	}
	if got.Metadata["content"] != "ipfs overview" || got.Metadata["source"] != "spec" {
		t.Errorf("metadata = %+v, want content and source carried over", got.Metadata)
	}

	t.Run("malformed payload yields nothing", func(t *testing.T) {
		if res := w.parseResults(map[string]models.JSONObject{"Get": "bogus"}); res != nil {
			t.Errorf("parseResults = %+v, want nil", res)
		}
	})
}

func TestWeaviateConfigDefaults(t *testing.T) {
	c := WeaviateConfig{}.withDefaults()
	if c.Scheme != "http" || c.ClassName != "Document" {
		t.Errorf("defaults = %+v, want http scheme and Document class", c)
	}
	if c.RetryAttempts != 3 || c.RetryBackoff != 100*time.Millisecond {
		t.Errorf("retry defaults = %d/%v, want 3/100ms", c.RetryAttempts, c.RetryBackoff)
	}
	if len(c.Fields) != 2 {
		t.Errorf("fields = %v, want content and source", c.Fields)
	}
}
