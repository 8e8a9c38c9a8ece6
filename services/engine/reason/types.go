// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package reason answers questions that span multiple documents. It
// retrieves candidate documents, discovers typed connections between
// them through shared entities, traverses connection paths, and
// synthesizes an answer with a calibrated confidence.
package reason

import (
	"fmt"
	"time"
)

// RelationType classifies the connection between two documents.
type RelationType string

const (
	// RelationSupporting marks documents making the same claim.
	RelationSupporting RelationType = "supporting"

	// RelationContradicting marks documents making opposing claims.
	RelationContradicting RelationType = "contradicting"

	// RelationElaborating marks a later document expanding on an
	// earlier one.
	RelationElaborating RelationType = "elaborating"

	// RelationComplementary marks documents covering different facets
	// of the same subject.
	RelationComplementary RelationType = "complementary"

	// RelationPrerequisite marks a document required to understand
	// another.
	RelationPrerequisite RelationType = "prerequisite"

	// RelationConsequence marks a document describing the outcome of
	// another.
	RelationConsequence RelationType = "consequence"

	// RelationAlternative marks documents offering competing approaches
	// to the same subject.
	RelationAlternative RelationType = "alternative"

	// RelationUnclear marks a connection the heuristics could not
	// classify.
	RelationUnclear RelationType = "unclear"
)

// Depth controls how far connection traversal may reach.
type Depth string

const (
	// DepthBasic follows paths of at most 2 documents.
	DepthBasic Depth = "basic"

	// DepthModerate follows paths of at most 3 documents.
	DepthModerate Depth = "moderate"

	// DepthDeep follows paths of at most 5 documents.
	DepthDeep Depth = "deep"
)

// PathCap returns the maximum path length for the depth. Unknown
// depths get the moderate cap.
func (d Depth) PathCap() int {
	switch d {
	case DepthBasic:
		return 2
	case DepthDeep:
		return 5
	default:
		return 3
	}
}

// Document is one retrieved evidence document.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Entities  []string       `json:"entities,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
	Score     float64        `json:"score"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// ConnectionEntity is a shared entity resolved through the knowledge
// graph.
type ConnectionEntity struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Connection is a typed, scored link between two documents.
type Connection struct {
	FromDoc        string       `json:"from_doc"`
	ToDoc          string       `json:"to_doc"`
	Relation       RelationType `json:"relation"`
	Strength       float64      `json:"strength"`
	SharedEntities []string     `json:"shared_entities,omitempty"`

	// Entities carries name and type for the shared entities the
	// knowledge graph could resolve. Empty without a knowledge graph.
	Entities []ConnectionEntity `json:"entities,omitempty"`
}

// TraceStep is one appended entry in a reasoning trace.
type TraceStep struct {
	ID     string    `json:"id"`
	Phase  string    `json:"phase"`
	Detail string    `json:"detail"`
	At     time.Time `json:"at"`
}

// Result is the outcome of one reasoning call.
type Result struct {
	// Answer is the synthesized (or extractive) answer text.
	Answer string `json:"answer"`

	// Confidence is the answer confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Documents are the evidence documents, strongest first.
	Documents []Document `json:"documents,omitempty"`

	// Connections are the discovered cross-document links that passed
	// the strength filter.
	Connections []Connection `json:"connections,omitempty"`

	// Paths are the traversed document chains, each a sequence of
	// document IDs.
	Paths [][]string `json:"paths,omitempty"`

	// Trace is the reasoning trace, present when tracing is enabled.
	Trace []TraceStep `json:"trace,omitempty"`
}

// Stats aggregates reasoning outcomes across calls. Means are
// incremental over successful calls; no per-call history is retained.
type Stats struct {
	// TotalQueries counts every reasoning call, including failures.
	TotalQueries int `json:"total_queries"`

	// SuccessfulQueries counts calls that produced a result.
	SuccessfulQueries int `json:"successful_queries"`

	// MeanDocuments is the running mean evidence-set size.
	MeanDocuments float64 `json:"mean_documents"`

	// MeanConnections is the running mean connection count.
	MeanConnections float64 `json:"mean_connections"`

	// MeanConfidence is the running mean answer confidence.
	MeanConfidence float64 `json:"mean_confidence"`
}

// Error is a structured reasoning failure.
type Error struct {
	// Phase names the phase that failed ("retrieve", "synthesize").
	Phase string

	// Msg describes the failure.
	Msg string

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("reason %s: %s: %v", e.Phase, e.Msg, e.Err)
	}
	return fmt.Sprintf("reason %s: %s", e.Phase, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}
