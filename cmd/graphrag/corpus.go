// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/backends"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/config"
)

// corpusEmbedder embeds query and document text. The hash embedder
// keeps the CLI self-contained; a real deployment swaps in the OpenAI
// backend via OPENAI_API_KEY.
var corpusEmbedder backends.EmbeddingBackend = &backends.HashEmbedder{Dim: 32}

// Corpus is the JSON fixture format the CLI loads its evidence from.
type Corpus struct {
	Documents []CorpusDocument `json:"documents"`
	Edges     []CorpusEdge     `json:"edges"`
	Entities  []CorpusEntity   `json:"entities"`
}

// CorpusDocument is one document in the fixture.
type CorpusDocument struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Entities  []string `json:"entities,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

// CorpusEdge is one typed edge between documents.
type CorpusEdge struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Type   string  `json:"type"`
	Weight float64 `json:"weight,omitempty"`
}

// CorpusEntity is one knowledge graph entity.
type CorpusEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// loadCorpus reads the fixture at path. An empty path yields an empty
// corpus, which still supports planning commands.
func loadCorpus(path string) (*Corpus, error) {
	if path == "" {
		return &Corpus{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read corpus %s: %w", path, err)
	}
	var corpus Corpus
	if err := json.Unmarshal(raw, &corpus); err != nil {
		return nil, fmt.Errorf("parse corpus %s: %w", path, err)
	}
	return &corpus, nil
}

// buildBackends turns the corpus into an engine backend set. Documents
// load into the in-memory vector store and graph; a configured Weaviate
// host replaces the vector store with the remote adapter. Generation
// uses OpenAI when an API key is available, otherwise a deterministic
// local fallback.
func (c *Corpus) buildBackends(ctx context.Context, cfg config.Config) (engine.Backends, error) {
	vector := backends.NewMemoryVector()
	graph := backends.NewMemoryGraph()
	kg := backends.NewMemoryKG()

	for _, doc := range c.Documents {
		v, err := corpusEmbedder.Embed(ctx, doc.Content)
		if err != nil {
			return engine.Backends{}, fmt.Errorf("embed document %s: %w", doc.ID, err)
		}
		metadata := map[string]any{
			"content":  doc.Content,
			"entities": doc.Entities,
		}
		if doc.Timestamp != "" {
			metadata["timestamp"] = doc.Timestamp
		}
		vector.Add(backends.MemoryItem{ID: doc.ID, Vector: v, Metadata: metadata})
		graph.AddNode(doc.ID, metadata)
	}
	for _, edge := range c.Edges {
		graph.AddEdge(backends.MemoryEdge{
			Source: edge.Source,
			Target: edge.Target,
			Type:   edge.Type,
			Weight: edge.Weight,
		})
	}
	for _, entity := range c.Entities {
		kg.AddEntity(backends.Entity{ID: entity.ID, Name: entity.Name, Type: entity.Type})
	}

	set := engine.Backends{
		Vector:     vector,
		Graph:      graph,
		Ranker:     backends.NewWeightedRank(),
		Knowledge:  kg,
		Embedder:   corpusEmbedder,
		Generation: &backends.StaticGeneration{},
	}

	if cfg.Weaviate.Host != "" {
		remote, err := backends.NewWeaviateVector(backends.WeaviateConfig{
			Host:      cfg.Weaviate.Host,
			Scheme:    cfg.Weaviate.Scheme,
			ClassName: cfg.Weaviate.ClassName,
		}, slog.Default())
		if err != nil {
			return engine.Backends{}, fmt.Errorf("weaviate backend: %w", err)
		}
		set.Vector = remote
	}

	// Corpus vectors come from the hash embedder, so the embedder is not
	// swapped even when OpenAI is available; only synthesis upgrades.
	if gen, err := backends.NewOpenAIGeneration(); err == nil {
		set.Generation = gen
	}

	return set, nil
}
