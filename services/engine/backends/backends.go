// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backends defines the external backend contracts the engine
// executes query plans against: vector search, graph expansion, result
// ranking, knowledge-graph lookup, embedding, and text generation.
//
// The engine core never talks to a concrete store directly; it depends
// only on these interfaces. Adapters in this package (Weaviate, OpenAI)
// and the in-memory fakes implement them. All calls are pure queries —
// no backend interface mutates engine state — and all take a context
// because they are the engine's only suspension points.
package backends

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// Results
// =============================================================================

// SearchResult is one scored item returned by a retrieval phase.
type SearchResult struct {
	// ID identifies the document or node.
	ID string `json:"id"`

	// Score is the phase-specific relevance score. Vector backends
	// return similarity in [0,1]; graph backends may return traversal
	// scores on the same scale.
	Score float64 `json:"score"`

	// Metadata carries backend-specific payload (content, source, ...).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Entity is knowledge-graph entity metadata resolved by a lookup.
type Entity struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// =============================================================================
// Backend Interfaces
// =============================================================================

// VectorBackend performs approximate nearest-neighbour search.
//
// Implementations must be safe for concurrent use.
type VectorBackend interface {
	// Search returns up to topK results ordered by descending score,
	// excluding results scoring below minScore.
	Search(ctx context.Context, vector []float32, topK int, minScore float64) ([]SearchResult, error)
}

// GraphBackend expands a seed result set by graph traversal.
//
// Implementations must be safe for concurrent use.
type GraphBackend interface {
	// Expand traverses from the seed set up to maxDepth, following only
	// the given edge types (all types when empty). The returned set
	// includes newly discovered nodes; seeds are not repeated.
	Expand(ctx context.Context, seeds []SearchResult, maxDepth int, edgeTypes []string) ([]SearchResult, error)
}

// RankBackend fuses vector and graph results into a single ordering.
type RankBackend interface {
	// Rank returns items ordered by descending fused score, where the
	// fused score combines the vector and graph contributions using the
	// given weights.
	Rank(ctx context.Context, items []SearchResult, vectorWeight, graphWeight float64) ([]SearchResult, error)
}

// KnowledgeGraph resolves entity metadata by id.
type KnowledgeGraph interface {
	// GetEntity returns the entity, or ok=false when the id is unknown.
	// An error indicates a backend failure, not a missing entity.
	GetEntity(ctx context.Context, id string) (*Entity, bool, error)
}

// EmbeddingBackend turns text into a query vector.
type EmbeddingBackend interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GenerationBackend produces natural-language text from a prompt. It is
// optional; the reasoner falls back to extractive synthesis without it.
type GenerationBackend interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// =============================================================================
// Errors
// =============================================================================

// ErrBackendUnavailable is returned when a backend cannot be reached
// after retries.
var ErrBackendUnavailable = errors.New("backend is not available")

// BackendError wraps a failure from an external backend call with the
// backend name and operation for observability. Callers in the engine
// catch it and degrade to zero results for the failed phase.
type BackendError struct {
	// Backend names the failing backend ("weaviate", "openai", ...).
	Backend string

	// Op names the failing operation ("search", "expand", ...).
	Op string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *BackendError) Unwrap() error {
	return e.Err
}

// NewBackendError wraps err with backend and operation context.
func NewBackendError(backend, op string, err error) *BackendError {
	return &BackendError{Backend: backend, Op: op, Err: err}
}
