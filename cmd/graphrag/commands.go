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
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianGraphRAG/pkg/logging"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/config"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/datatypes"
	"github.com/AleutianAI/AleutianGraphRAG/services/engine/telemetry"
)

var (
	configPath string
	corpusPath string
	jsonOutput bool

	queryTopK      int
	queryMaxDepth  int
	queryGraphType string
	queryPriority  string

	reasonTrace bool

	cfg config.Config

	rootCmd = &cobra.Command{
		Use:   "graphrag",
		Short: "Query planning and cross-document reasoning over knowledge graphs",
		Long: `graphrag plans, optimizes, and executes retrieval queries over a
combined vector store and knowledge graph, and answers questions that
span multiple documents.`,
	}

	optimizeCmd = &cobra.Command{
		Use:   "optimize [query text]",
		Short: "Build and print the execution plan for a query without running it",
		Args:  cobra.MinimumNArgs(1),
		Run:   runOptimize,
	}

	queryCmd = &cobra.Command{
		Use:   "query [query text]",
		Short: "Plan and execute a query against the corpus",
		Args:  cobra.MinimumNArgs(1),
		Run:   runQuery,
	}

	reasonCmd = &cobra.Command{
		Use:   "reason [question]",
		Short: "Answer a question by reasoning across corpus documents",
		Args:  cobra.MinimumNArgs(1),
		Run:   runReason,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print engine statistics for a batch of corpus queries",
		Run:   runStats,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the engine config YAML")
	rootCmd.PersistentFlags().StringVar(&corpusPath, "corpus", "", "Path to a JSON corpus fixture")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit JSON instead of text")

	queryCmd.Flags().IntVar(&queryTopK, "top-k", 5, "Vector search width")
	queryCmd.Flags().IntVar(&queryMaxDepth, "max-depth", 2, "Graph traversal depth")
	queryCmd.Flags().StringVar(&queryGraphType, "graph-type", "", "Graph family (general, wikipedia, ipld)")
	queryCmd.Flags().StringVar(&queryPriority, "priority", "normal", "Query priority (low, normal, high, critical)")
	optimizeCmd.Flags().IntVar(&queryTopK, "top-k", 5, "Vector search width")
	optimizeCmd.Flags().IntVar(&queryMaxDepth, "max-depth", 2, "Graph traversal depth")
	optimizeCmd.Flags().StringVar(&queryGraphType, "graph-type", "", "Graph family (general, wikipedia, ipld)")

	reasonCmd.Flags().BoolVar(&reasonTrace, "trace", false, "Include the reasoning trace")

	rootCmd.AddCommand(optimizeCmd, queryCmd, reasonCmd, statsCmd)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatalf("Error loading config: %v", err)
		}
	}
}

// setup builds the engine over the corpus fixture and initializes
// logging and telemetry. The returned cleanup must run before exit.
func setup(ctx context.Context) (*engine.Engine, func(), error) {
	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Logging.Level),
		LogDir:  cfg.Logging.Dir,
		Service: "graphrag",
		JSON:    cfg.Logging.JSON,
	})

	var telemetryShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		tcfg := telemetry.DefaultConfig()
		if cfg.Telemetry.Exporter != "" {
			tcfg.MetricExporter = cfg.Telemetry.Exporter
		}
		if cfg.Telemetry.OTLPEndpoint != "" {
			tcfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
		}
		shutdownFn, err := telemetry.Init(ctx, tcfg)
		if err != nil {
			return nil, nil, fmt.Errorf("init telemetry: %w", err)
		}
		telemetryShutdown = shutdownFn
	}

	corpus, err := loadCorpus(corpusPath)
	if err != nil {
		return nil, nil, err
	}
	backendSet, err := corpus.buildBackends(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(cfg, backendSet, logger.Slog())
	if err != nil {
		return nil, nil, fmt.Errorf("assemble engine: %w", err)
	}

	cleanup := func() {
		eng.Close()
		if telemetryShutdown != nil {
			if err := telemetryShutdown(context.Background()); err != nil {
				logger.Slog().Warn("telemetry shutdown failed", "error", err)
			}
		}
		logger.Close()
	}
	return eng, cleanup, nil
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runOptimize(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	eng, cleanup, err := setup(ctx)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	params, err := buildParams(ctx, strings.Join(args, " "))
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	plan := eng.Optimizer.Optimize(ctx, params, nil)
	encoded, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		log.Fatalf("Error encoding plan: %v", err)
	}
	fmt.Println(string(encoded))
}

func runQuery(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	eng, cleanup, err := setup(ctx)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	params, err := buildParams(ctx, strings.Join(args, " "))
	if err != nil {
		log.Fatalf("Error: %v", err)
	}

	results, err := eng.Query(ctx, params, nil)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	if jsonOutput {
		encoded, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			log.Fatalf("Error encoding results: %v", err)
		}
		fmt.Println(string(encoded))
		return
	}
	if len(results) == 0 {
		fmt.Println("No results.")
		return
	}
	for i, r := range results {
		content, _ := r.Metadata["content"].(string)
		fmt.Printf("%2d. %-16s score=%.3f  %s\n", i+1, r.ID, r.Score, content)
	}
}

func runReason(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	eng, cleanup, err := setup(ctx)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	question := strings.Join(args, " ")
	result, err := eng.Reason(ctx, question)
	if err != nil {
		log.Fatalf("Reasoning failed: %v", err)
	}
	if !reasonTrace {
		result.Trace = nil
	}

	if jsonOutput {
		encoded, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			log.Fatalf("Error encoding result: %v", err)
		}
		fmt.Println(string(encoded))
		return
	}

	fmt.Printf("Answer (confidence %.2f):\n%s\n", result.Confidence, result.Answer)
	if len(result.Connections) > 0 {
		fmt.Println("\nConnections:")
		for _, c := range result.Connections {
			fmt.Printf("  %s -[%s %.2f]-> %s (%s)\n",
				c.FromDoc, c.Relation, c.Strength, c.ToDoc, strings.Join(c.SharedEntities, ", "))
		}
	}
	if reasonTrace {
		fmt.Println("\nTrace:")
		for _, step := range result.Trace {
			fmt.Printf("  [%s] %s: %s\n", step.ID[:8], step.Phase, step.Detail)
		}
	}
}

func runStats(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	eng, cleanup, err := setup(ctx)
	if err != nil {
		log.Fatalf("Error: %v", err)
	}
	defer cleanup()

	summary := eng.Collector.Summary()
	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		log.Fatalf("Error encoding summary: %v", err)
	}
	fmt.Println(string(encoded))
}

// buildParams assembles query params from the flags, embedding the
// query text with the corpus embedder.
func buildParams(ctx context.Context, text string) (datatypes.QueryParams, error) {
	vector, err := corpusEmbedder.Embed(ctx, text)
	if err != nil {
		return datatypes.QueryParams{}, fmt.Errorf("embed query: %w", err)
	}
	return datatypes.QueryParams{
		Text:      text,
		Vector:    vector,
		GraphType: queryGraphType,
		Priority:  datatypes.Priority(queryPriority),
		VectorSearch: datatypes.VectorSpec{
			TopK: queryTopK,
		},
		Traversal: datatypes.TraversalSpec{
			MaxDepth: queryMaxDepth,
		},
	}, nil
}
