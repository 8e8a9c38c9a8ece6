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
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
)

// GraphType identifies the knowledge-graph family a query targets.
// Each family gets its own optimizer with family-specific score weights
// and tuning behavior.
type GraphType int

const (
	// GraphTypeGeneral is the family for unrecognized graphs.
	GraphTypeGeneral GraphType = iota

	// GraphTypeWikipedia covers encyclopedia-style graphs with strong
	// hierarchical edge semantics (instance_of, subclass_of, ...).
	GraphTypeWikipedia

	// GraphTypeIPLD covers content-addressed DAGs (IPFS, IPLD) where
	// link traversal is cheap and vector recall matters more.
	GraphTypeIPLD
)

// String returns the wire name of the graph type.
func (t GraphType) String() string {
	switch t {
	case GraphTypeWikipedia:
		return "wikipedia"
	case GraphTypeIPLD:
		return "ipld"
	default:
		return "general"
	}
}

// ParseGraphType maps a wire name to a GraphType. Unknown names map to
// GraphTypeGeneral.
func ParseGraphType(name string) GraphType {
	switch name {
	case "wikipedia":
		return GraphTypeWikipedia
	case "ipld":
		return GraphTypeIPLD
	default:
		return GraphTypeGeneral
	}
}

// wikipediaKeywords and ipldKeywords drive graph-type detection from
// query text when no explicit type or graph metadata is available.
var (
	wikipediaKeywords = []string{"wikipedia", "wikidata", "instance_of", "subclass_of"}
	ipldKeywords      = []string{"ipld", "ipfs", "cid", "merkle", "dag-cbor", "multihash"}
)

// DetectGraphType resolves the graph family for a query. Resolution
// order: explicit params.GraphType, then graph metadata, then keyword
// matching over the query's textual fields, defaulting to general.
func DetectGraphType(params datatypes.QueryParams, graph *datatypes.GraphInfo) GraphType {
	if params.GraphType != "" {
		return ParseGraphType(params.GraphType)
	}
	if graph != nil && graph.Type != "" {
		return ParseGraphType(graph.Type)
	}
	for _, kw := range wikipediaKeywords {
		if params.ContainsKeyword(kw) {
			return GraphTypeWikipedia
		}
	}
	for _, kw := range ipldKeywords {
		if params.ContainsKeyword(kw) {
			return GraphTypeIPLD
		}
	}
	return GraphTypeGeneral
}
