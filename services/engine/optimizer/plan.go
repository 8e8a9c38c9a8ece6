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
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine/budget"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
)

// Plan is an executable query plan. Plans are immutable once built;
// Execute reads but never mutates them, so a plan may be executed more
// than once.
type Plan struct {
	// ID uniquely identifies this plan instance.
	ID string `json:"id"`

	// Params are the rewritten, tuned query parameters.
	Params datatypes.QueryParams `json:"params"`

	// VectorWeight and GraphWeight are the score fusion weights for the
	// ranking phase. They sum to 1.
	VectorWeight float64 `json:"vector_weight"`
	GraphWeight  float64 `json:"graph_weight"`

	// Budget is the resource allocation for the call.
	Budget budget.Budget `json:"budget"`

	// GraphType is the graph family the plan was specialized for.
	GraphType GraphType `json:"graph_type"`

	// CacheKey addresses the result cache. Empty when caching is off.
	CacheKey string `json:"cache_key,omitempty"`

	// CacheTTL is the result lifetime for this plan's graph family.
	// Zero falls back to the cache-wide default.
	CacheTTL time.Duration `json:"cache_ttl,omitempty"`

	// UseCache enables result caching for this plan.
	UseCache bool `json:"use_cache"`

	// Fallback marks a degraded plan produced when optimization failed.
	// Fallback plans never touch the cache.
	Fallback bool `json:"fallback,omitempty"`

	// FallbackReason explains why a fallback plan was produced.
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// newPlanID returns a fresh plan identifier.
func newPlanID() string {
	return uuid.NewString()
}

// MarshalJSON encodes the plan with the graph type as its wire name.
func (p Plan) MarshalJSON() ([]byte, error) {
	type alias Plan
	return json.Marshal(struct {
		alias
		GraphType string `json:"graph_type"`
	}{alias(p), p.GraphType.String()})
}

// UnmarshalJSON decodes a plan, accepting the graph type wire name.
func (p *Plan) UnmarshalJSON(data []byte) error {
	type alias Plan
	aux := struct {
		*alias
		GraphType string `json:"graph_type"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.GraphType = ParseGraphType(aux.GraphType)
	return nil
}
