// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package reason

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianGraphRAG/services/engine/backends"
)

var tracer = otel.Tracer("graphrag.reason")

// Relation strength constants for the connection heuristics.
const (
	supportingStrength    = 0.85
	elaboratingStrength   = 0.75
	complementaryStrength = 0.7

	// supportingJaccard is the entity overlap above which two documents
	// are treated as making the same claim.
	supportingJaccard = 0.8
)

// extractiveConfidence is the fixed confidence of the no-generation
// fallback answer.
const extractiveConfidence = 0.4

// traversalSeedCount is how many top documents seed the path traversal.
const traversalSeedCount = 3

// promptDocLimit caps the documents included in the synthesis prompt.
const promptDocLimit = 5

// Config tunes a Reasoner.
type Config struct {
	// MaxDocuments caps the evidence set. Default 10.
	MaxDocuments int

	// TopKRetrieve is the vector search width. Default 10.
	TopKRetrieve int

	// MinRelevance drops evidence documents scoring below it.
	// Default 0.2.
	MinRelevance float64

	// MinConnectionStrength filters weak connections. Default 0.5.
	MinConnectionStrength float64

	// Depth bounds path traversal. Default DepthModerate.
	Depth Depth

	// EnableTrace appends a reasoning trace to results.
	EnableTrace bool
}

// withDefaults fills unset fields.
func (c Config) withDefaults() Config {
	if c.MaxDocuments <= 0 {
		c.MaxDocuments = 10
	}
	if c.TopKRetrieve <= 0 {
		c.TopKRetrieve = 10
	}
	if c.MinRelevance <= 0 {
		c.MinRelevance = 0.2
	}
	if c.MinConnectionStrength <= 0 {
		c.MinConnectionStrength = 0.5
	}
	if c.Depth == "" {
		c.Depth = DepthModerate
	}
	return c
}

// Reasoner answers cross-document questions. Every backend is
// optional: a missing backend degrades the corresponding phase rather
// than failing the call. Safe for concurrent use.
type Reasoner struct {
	vector   backends.VectorBackend
	embedder backends.EmbeddingBackend
	kg       backends.KnowledgeGraph
	gen      backends.GenerationBackend
	config   Config
	logger   *slog.Logger

	// Aggregate outcome tracking (incremental means, no per-call
	// history).
	statsMu sync.Mutex
	stats   Stats
}

// Option configures a Reasoner.
type Option func(*Reasoner)

// WithVector sets the retrieval backend.
func WithVector(v backends.VectorBackend) Option {
	return func(r *Reasoner) { r.vector = v }
}

// WithEmbedder sets the question embedding backend.
func WithEmbedder(e backends.EmbeddingBackend) Option {
	return func(r *Reasoner) { r.embedder = e }
}

// WithKnowledgeGraph sets the entity resolution backend.
func WithKnowledgeGraph(kg backends.KnowledgeGraph) Option {
	return func(r *Reasoner) { r.kg = kg }
}

// WithGeneration sets the answer synthesis backend.
func WithGeneration(g backends.GenerationBackend) Option {
	return func(r *Reasoner) { r.gen = g }
}

// WithLogger sets the reasoner's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reasoner) {
		if logger != nil {
			r.logger = logger.With("component", "reasoner")
		}
	}
}

// New creates a Reasoner.
func New(config Config, opts ...Option) *Reasoner {
	r := &Reasoner{
		config: config.withDefaults(),
		logger: slog.Default().With("component", "reasoner"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reason retrieves evidence for the question and reasons over it.
// Returns a structured *Error when no evidence can be produced.
func (r *Reasoner) Reason(ctx context.Context, question string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Reasoner.Reason")
	defer span.End()

	docs, err := r.retrieve(ctx, question)
	if err != nil {
		r.recordFailure()
		return nil, err
	}
	return r.reasonOver(ctx, span, question, docs)
}

// ReasonOver reasons over caller-supplied documents merged with
// retrieval results when retrieval backends are configured. A failed
// retrieval degrades to the supplied documents alone.
func (r *Reasoner) ReasonOver(ctx context.Context, question string, docs []Document) (*Result, error) {
	ctx, span := tracer.Start(ctx, "Reasoner.ReasonOver")
	defer span.End()

	if r.vector != nil && r.embedder != nil {
		retrieved, err := r.retrieve(ctx, question)
		if err != nil {
			r.logger.Warn("retrieval failed, reasoning over supplied documents only", "error", err)
		} else {
			docs = mergeDocuments(docs, retrieved)
		}
	}
	if len(docs) == 0 {
		r.recordFailure()
		return nil, &Error{Phase: "retrieve", Msg: "no documents supplied"}
	}
	return r.reasonOver(ctx, span, question, docs)
}

// reasonOver runs CONNECT, TRAVERSE, and SYNTHESIZE over an evidence
// set.
func (r *Reasoner) reasonOver(ctx context.Context, span trace.Span, question string, docs []Document) (*Result, error) {
	result := &Result{}
	trace := newTraceLog(r.config.EnableTrace)

	kept := make([]Document, 0, len(docs))
	for _, doc := range docs {
		if doc.Score >= r.config.MinRelevance {
			kept = append(kept, doc)
		}
	}
	if len(kept) == 0 {
		r.recordFailure()
		return nil, &Error{Phase: "retrieve",
			Msg: fmt.Sprintf("no documents at or above relevance %.2f", r.config.MinRelevance)}
	}
	docs = kept

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })
	if len(docs) > r.config.MaxDocuments {
		docs = docs[:r.config.MaxDocuments]
	}
	result.Documents = docs
	trace.add("retrieve", fmt.Sprintf("%d documents in evidence set", len(docs)))

	result.Connections = r.connect(ctx, docs)
	trace.add("connect", fmt.Sprintf("%d connections above strength %.2f",
		len(result.Connections), r.config.MinConnectionStrength))

	result.Paths = r.traverse(docs, result.Connections)
	trace.add("traverse", fmt.Sprintf("%d paths within cap %d", len(result.Paths), r.config.Depth.PathCap()))

	answer, confidence := r.synthesize(ctx, question, docs, result.Connections)
	result.Answer = answer
	result.Confidence = clamp01(confidence)
	trace.add("synthesize", fmt.Sprintf("confidence %.2f", result.Confidence))

	result.Trace = trace.steps
	r.recordSuccess(len(docs), len(result.Connections), result.Confidence)

	span.SetAttributes(
		attribute.Int("reason.documents", len(docs)),
		attribute.Int("reason.connections", len(result.Connections)),
		attribute.Float64("reason.confidence", result.Confidence),
	)
	return result, nil
}

// retrieve embeds the question and searches the vector backend.
func (r *Reasoner) retrieve(ctx context.Context, question string) ([]Document, error) {
	if r.vector == nil {
		return nil, &Error{Phase: "retrieve", Msg: "no vector backend configured"}
	}

	var queryVector []float32
	if r.embedder != nil {
		v, err := r.embedder.Embed(ctx, question)
		if err != nil {
			return nil, &Error{Phase: "retrieve", Msg: "embedding failed", Err: err}
		}
		queryVector = v
	}
	if len(queryVector) == 0 {
		return nil, &Error{Phase: "retrieve", Msg: "no embedder configured"}
	}

	hits, err := r.vector.Search(ctx, queryVector, r.config.TopKRetrieve, r.config.MinRelevance)
	if err != nil {
		return nil, &Error{Phase: "retrieve", Msg: "vector search failed", Err: err}
	}
	if len(hits) == 0 {
		return nil, &Error{Phase: "retrieve", Msg: "no documents found"}
	}

	docs := make([]Document, 0, len(hits))
	for _, hit := range hits {
		docs = append(docs, documentFromResult(hit))
	}
	return docs, nil
}

// mergeDocuments unions caller-supplied and retrieved documents by ID.
// Supplied documents win a collision; their scores were set by the
// caller on purpose.
func mergeDocuments(supplied, retrieved []Document) []Document {
	seen := make(map[string]bool, len(supplied))
	merged := make([]Document, 0, len(supplied)+len(retrieved))
	for _, doc := range supplied {
		seen[doc.ID] = true
		merged = append(merged, doc)
	}
	for _, doc := range retrieved {
		if seen[doc.ID] {
			continue
		}
		merged = append(merged, doc)
	}
	return merged
}

// documentFromResult lifts a search hit into a Document, reading
// content, entities, and timestamp out of the hit metadata.
func documentFromResult(hit backends.SearchResult) Document {
	doc := Document{ID: hit.ID, Score: hit.Score, Metadata: hit.Metadata}
	if hit.Metadata == nil {
		return doc
	}
	if content, ok := hit.Metadata["content"].(string); ok {
		doc.Content = content
	}
	switch entities := hit.Metadata["entities"].(type) {
	case []string:
		doc.Entities = entities
	case []any:
		for _, e := range entities {
			if s, ok := e.(string); ok {
				doc.Entities = append(doc.Entities, s)
			}
		}
	}
	if ts, ok := hit.Metadata["timestamp"].(time.Time); ok {
		doc.Timestamp = ts
	} else if raw, ok := hit.Metadata["timestamp"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			doc.Timestamp = parsed
		}
	}
	return doc
}

// connect discovers pairwise connections through shared entities.
func (r *Reasoner) connect(ctx context.Context, docs []Document) []Connection {
	var connections []Connection
	for i := 0; i < len(docs); i++ {
		for j := i + 1; j < len(docs); j++ {
			shared := sharedEntities(docs[i].Entities, docs[j].Entities)
			if len(shared) == 0 {
				continue
			}
			conn := r.classify(ctx, docs[i], docs[j], shared)
			if conn.Strength < r.config.MinConnectionStrength {
				continue
			}
			connections = append(connections, conn)
		}
	}
	sort.SliceStable(connections, func(i, j int) bool {
		return connections[i].Strength > connections[j].Strength
	})
	return connections
}

// classify types a connection between two entity-sharing documents:
//
//   - distinct timestamps order the pair in time; the later document
//     elaborates the earlier one
//   - near-total entity overlap means the documents make the same claim
//   - anything else is complementary coverage
//
// Without a knowledge graph the entity evidence is unverified, so the
// pair conservatively classifies as complementary.
func (r *Reasoner) classify(ctx context.Context, a, b Document, shared []string) Connection {
	conn := Connection{FromDoc: a.ID, ToDoc: b.ID, SharedEntities: shared}

	if r.kg == nil {
		conn.Relation = RelationComplementary
		conn.Strength = complementaryStrength
		return conn
	}

	for _, id := range shared {
		entity, ok, err := r.kg.GetEntity(ctx, id)
		if err != nil || !ok {
			continue
		}
		conn.Entities = append(conn.Entities, ConnectionEntity{
			ID:   id,
			Name: entity.Name,
			Type: entity.Type,
		})
	}
	if len(conn.Entities) == 0 {
		conn.Relation = RelationComplementary
		conn.Strength = complementaryStrength
		return conn
	}

	if !a.Timestamp.IsZero() && !b.Timestamp.IsZero() && !a.Timestamp.Equal(b.Timestamp) {
		if b.Timestamp.Before(a.Timestamp) {
			conn.FromDoc, conn.ToDoc = b.ID, a.ID
		}
		conn.Relation = RelationElaborating
		conn.Strength = elaboratingStrength
		return conn
	}

	if jaccard(a.Entities, b.Entities) > supportingJaccard {
		conn.Relation = RelationSupporting
		conn.Strength = supportingStrength
		return conn
	}

	conn.Relation = RelationComplementary
	conn.Strength = complementaryStrength
	return conn
}

// traverse walks connection paths from the strongest documents with an
// explicit stack. Paths are capped by the configured depth and never
// revisit a document.
func (r *Reasoner) traverse(docs []Document, connections []Connection) [][]string {
	if len(connections) == 0 {
		return nil
	}
	adjacency := make(map[string][]string)
	for _, c := range connections {
		adjacency[c.FromDoc] = append(adjacency[c.FromDoc], c.ToDoc)
		adjacency[c.ToDoc] = append(adjacency[c.ToDoc], c.FromDoc)
	}

	pathCap := r.config.Depth.PathCap()
	seeds := docs
	if len(seeds) > traversalSeedCount {
		seeds = seeds[:traversalSeedCount]
	}

	var paths [][]string
	seen := make(map[string]bool)

	type frame struct {
		path []string
	}
	for _, seed := range seeds {
		stack := []frame{{path: []string{seed.ID}}}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if len(cur.path) > 1 {
				key := strings.Join(cur.path, "\x00")
				if !seen[key] {
					seen[key] = true
					paths = append(paths, cur.path)
				}
			}
			if len(cur.path) >= pathCap {
				continue
			}

			tail := cur.path[len(cur.path)-1]
			for _, next := range adjacency[tail] {
				if containsString(cur.path, next) {
					continue
				}
				extended := make([]string, len(cur.path)+1)
				copy(extended, cur.path)
				extended[len(cur.path)] = next
				stack = append(stack, frame{path: extended})
			}
		}
	}
	return paths
}

// synthesize produces the answer text and raw confidence. Without a
// generation backend the answer is extractive: the strongest document's
// content at a fixed low confidence.
func (r *Reasoner) synthesize(ctx context.Context, question string, docs []Document, connections []Connection) (string, float64) {
	if r.gen == nil {
		return extractiveAnswer(docs), extractiveConfidence
	}

	prompt := buildPrompt(question, docs, connections)
	answer, err := r.gen.Generate(ctx, prompt)
	if err != nil {
		r.logger.Warn("generation failed, falling back to extractive answer", "error", err)
		return extractiveAnswer(docs), extractiveConfidence
	}
	return answer, confidenceFrom(docs, connections)
}

// buildPrompt assembles the synthesis prompt from the strongest
// documents and their connections.
func buildPrompt(question string, docs []Document, connections []Connection) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nDocuments:\n")

	limit := len(docs)
	if limit > promptDocLimit {
		limit = promptDocLimit
	}
	for i := 0; i < limit; i++ {
		fmt.Fprintf(&b, "[%s] %s\n", docs[i].ID, docs[i].Content)
	}

	if len(connections) > 0 {
		b.WriteString("\nConnections:\n")
		for _, c := range connections {
			fmt.Fprintf(&b, "- %s %s %s (strength %.2f, via %s)\n",
				c.FromDoc, c.Relation, c.ToDoc, c.Strength, strings.Join(c.SharedEntities, ", "))
		}
	}
	b.WriteString("\nAnswer the question using only the documents and connections above.")
	return b.String()
}

// extractiveAnswer returns the strongest document's content.
func extractiveAnswer(docs []Document) string {
	if len(docs) == 0 {
		return ""
	}
	return docs[0].Content
}

// confidenceFrom derives the answer confidence from retrieval scores
// and connection strengths: the mean of the top document score and the
// mean connection strength. No connections halve the evidence.
func confidenceFrom(docs []Document, connections []Connection) float64 {
	var docScore float64
	if len(docs) > 0 {
		docScore = docs[0].Score
	}
	if len(connections) == 0 {
		return docScore / 2
	}
	var total float64
	for _, c := range connections {
		total += c.Strength
	}
	return (docScore + total/float64(len(connections))) / 2
}

// recordSuccess folds one answered call into the running means.
func (r *Reasoner) recordSuccess(documents, connections int, confidence float64) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats.TotalQueries++
	r.stats.SuccessfulQueries++
	n := float64(r.stats.SuccessfulQueries)
	r.stats.MeanDocuments += (float64(documents) - r.stats.MeanDocuments) / n
	r.stats.MeanConnections += (float64(connections) - r.stats.MeanConnections) / n
	r.stats.MeanConfidence += (confidence - r.stats.MeanConfidence) / n
}

// recordFailure counts a call that produced no result.
func (r *Reasoner) recordFailure() {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	r.stats.TotalQueries++
}

// AggregateStats snapshots the running outcome means across all calls.
func (r *Reasoner) AggregateStats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// traceLog is an append-only trace with uuid-keyed steps. A disabled
// log drops everything.
type traceLog struct {
	enabled bool
	steps   []TraceStep
}

func newTraceLog(enabled bool) *traceLog {
	return &traceLog{enabled: enabled}
}

func (t *traceLog) add(phase, detail string) {
	if !t.enabled {
		return
	}
	t.steps = append(t.steps, TraceStep{
		ID:     uuid.NewString(),
		Phase:  phase,
		Detail: detail,
		At:     time.Now(),
	})
}

// sharedEntities intersects two entity lists preserving a's order.
func sharedEntities(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	inB := make(map[string]bool, len(b))
	for _, e := range b {
		inB[e] = true
	}
	var shared []string
	for _, e := range a {
		if inB[e] {
			shared = append(shared, e)
		}
	}
	return shared
}

// jaccard is |a∩b| / |a∪b| over entity sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inA := make(map[string]bool, len(a))
	for _, e := range a {
		inA[e] = true
	}
	union := make(map[string]bool, len(a)+len(b))
	for _, e := range a {
		union[e] = true
	}
	intersection := 0
	for _, e := range b {
		if inA[e] && union[e] {
			// Count each shared entity once even if b repeats it.
			intersection++
			delete(inA, e)
		}
		union[e] = true
	}
	if len(union) == 0 {
		return 0
	}
	return float64(intersection) / float64(len(union))
}

// containsString reports whether list contains s.
func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// clamp01 clamps v into [0,1].
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
