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
	"log/slog"
	"math/rand"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

// weaviateTracer is the OpenTelemetry tracer for Weaviate operations.
var weaviateTracer = otel.Tracer("graphrag.backends.weaviate")

// Compile-time interface implementation check.
var _ VectorBackend = (*WeaviateVector)(nil)

// WeaviateConfig configures the Weaviate vector backend adapter.
type WeaviateConfig struct {
	// Host is the Weaviate host:port (e.g. "localhost:8080").
	Host string

	// Scheme is "http" or "https". Default: "http".
	Scheme string

	// ClassName is the Weaviate class holding the documents.
	// Default: "Document".
	ClassName string

	// Fields are the properties retrieved per result.
	// Default: ["content", "source"].
	Fields []string

	// RetryAttempts is the number of retries for failed searches.
	// Default: 3.
	RetryAttempts int

	// RetryBackoff is the initial backoff between retries. Backoff
	// doubles per attempt with ±25% jitter. Default: 100ms.
	RetryBackoff time.Duration

	// RateLimit caps outgoing searches per second. Zero disables
	// limiting.
	RateLimit rate.Limit

	// FailOpen makes Search return zero results instead of an error
	// when Weaviate is unreachable after retries. The engine treats a
	// failed phase as empty anyway; failing open keeps the error out of
	// the call path entirely. Default: false.
	FailOpen bool
}

// withDefaults fills unset fields.
func (c WeaviateConfig) withDefaults() WeaviateConfig {
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	if c.ClassName == "" {
		c.ClassName = "Document"
	}
	if len(c.Fields) == 0 {
		c.Fields = []string{"content", "source"}
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// WeaviateVector adapts a Weaviate instance to the VectorBackend
// contract using GraphQL nearVector search.
//
// The adapter retries transient failures with exponential backoff and
// jitter, optionally rate-limits outgoing requests, and can fail open
// (zero results) when the store is unreachable.
type WeaviateVector struct {
	client  *weaviate.Client
	config  WeaviateConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	// search performs one attempt; swapped out in tests.
	search func(ctx context.Context, vector []float32, topK int, minScore float64) ([]SearchResult, error)
}

// NewWeaviateVector creates a Weaviate-backed VectorBackend.
//
// The connection is lazy; a misconfigured host surfaces on the first
// Search call, not here.
func NewWeaviateVector(config WeaviateConfig, logger *slog.Logger) (*WeaviateVector, error) {
	config = config.withDefaults()
	if config.Host == "" {
		return nil, fmt.Errorf("weaviate host is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := weaviate.NewClient(weaviate.Config{
		Host:   config.Host,
		Scheme: config.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(config.RateLimit, 1)
	}

	w := &WeaviateVector{
		client:  client,
		config:  config,
		limiter: limiter,
		logger:  logger.With("component", "weaviate_vector"),
	}
	w.search = w.searchOnce
	return w, nil
}

// Search implements VectorBackend via GraphQL nearVector.
func (w *WeaviateVector) Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]SearchResult, error) {
	ctx, span := weaviateTracer.Start(ctx, "WeaviateVector.Search")
	defer span.End()
	span.SetAttributes(
		attribute.Int("search.top_k", topK),
		attribute.Float64("search.min_score", minScore),
	)

	if topK <= 0 {
		return nil, nil
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, NewBackendError("weaviate", "search", err)
		}
	}

	var results []SearchResult
	var lastErr error
	backoff := w.config.RetryBackoff

	for attempt := 0; attempt <= w.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			// ±25% jitter keeps retry storms from synchronizing.
			jitter := 1 + (rand.Float64()-0.5)*0.5
			select {
			case <-time.After(time.Duration(float64(backoff) * jitter)):
			case <-ctx.Done():
				return nil, NewBackendError("weaviate", "search", ctx.Err())
			}
			backoff *= 2
		}

		results, lastErr = w.search(ctx, vector, topK, minScore)
		if lastErr == nil {
			span.SetAttributes(attribute.Int("search.results", len(results)))
			return results, nil
		}
		if ctx.Err() != nil {
			break
		}
		w.logger.Warn("weaviate search failed, retrying",
			"attempt", attempt+1,
			"max_attempts", w.config.RetryAttempts+1,
			"error", lastErr)
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "search failed")
	if w.config.FailOpen {
		w.logger.Error("weaviate unavailable, failing open with zero results", "error", lastErr)
		return nil, nil
	}
	return nil, NewBackendError("weaviate", "search", fmt.Errorf("%w: %v", ErrBackendUnavailable, lastErr))
}

// searchOnce performs a single nearVector query.
func (w *WeaviateVector) searchOnce(ctx context.Context, vector []float32, topK int, minScore float64) ([]SearchResult, error) {
	nearVector := w.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)
	if minScore > 0 {
		nearVector = nearVector.WithCertainty(float32(minScore))
	}

	fields := make([]graphql.Field, 0, len(w.config.Fields)+1)
	for _, name := range w.config.Fields {
		fields = append(fields, graphql.Field{Name: name})
	}
	// We request certainty (always [0,1]) instead of distance which
	// varies by metric.
	fields = append(fields, graphql.Field{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "certainty"},
	}})

	result, err := w.client.GraphQL().Get().
		WithClassName(w.config.ClassName).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(topK).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	if len(result.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", result.Errors[0].Message)
	}

	return w.parseResults(result.Data), nil
}

// parseResults flattens the GraphQL Get response into SearchResults.
func (w *WeaviateVector) parseResults(data map[string]models.JSONObject) []SearchResult {
	get, ok := data["Get"].(map[string]any)
	if !ok {
		return nil
	}
	objects, ok := get[w.config.ClassName].([]any)
	if !ok {
		return nil
	}

	results := make([]SearchResult, 0, len(objects))
	for _, raw := range objects {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		res := SearchResult{Metadata: make(map[string]any, len(w.config.Fields))}
		for _, name := range w.config.Fields {
			if v, ok := obj[name]; ok {
				res.Metadata[name] = v
			}
		}
		if additional, ok := obj["_additional"].(map[string]any); ok {
			if id, ok := additional["id"].(string); ok {
				res.ID = id
			}
			if certainty, ok := additional["certainty"].(float64); ok {
				res.Score = certainty
			}
		}
		if res.ID == "" {
			continue
		}
		results = append(results, res)
	}
	return results
}
