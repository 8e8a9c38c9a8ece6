// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the engine configuration from
// YAML. Every field has a working default; an empty file (or no file)
// yields a fully usable in-memory configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration root.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Cache     CacheConfig     `yaml:"cache"`
	Budget    BudgetConfig    `yaml:"budget"`
	Optimizer OptimizerConfig `yaml:"optimizer"`
	Reason    ReasonConfig    `yaml:"reason"`
	Weaviate  WeaviateConfig  `yaml:"weaviate"`
	Learning  LearningConfig  `yaml:"learning"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir is the log file directory. Empty disables file logging.
	Dir string `yaml:"dir"`

	// JSON switches console output to JSON.
	JSON bool `yaml:"json"`
}

// CacheConfig controls the query result cache.
type CacheConfig struct {
	TTL      time.Duration `yaml:"ttl" validate:"omitempty,min=0"`
	Capacity int           `yaml:"capacity" validate:"omitempty,min=1"`
}

// BudgetConfig overrides the default per-phase budget, in
// milliseconds. Zero keeps the built-in default.
type BudgetConfig struct {
	VectorSearchMS   int `yaml:"vector_search_ms" validate:"omitempty,min=1"`
	GraphTraversalMS int `yaml:"graph_traversal_ms" validate:"omitempty,min=1"`
	RankingMS        int `yaml:"ranking_ms" validate:"omitempty,min=1"`
	MaxNodes         int `yaml:"max_nodes" validate:"omitempty,min=1"`
	MaxEdges         int `yaml:"max_edges" validate:"omitempty,min=1"`
	TimeoutMS        int `yaml:"timeout_ms" validate:"omitempty,min=1"`
}

// OptimizerConfig controls planning and learning.
type OptimizerConfig struct {
	// LearnCycle is the executed-query count between learning passes.
	LearnCycle int `yaml:"learn_cycle" validate:"omitempty,min=1"`
}

// ReasonConfig controls cross-document reasoning.
type ReasonConfig struct {
	MaxDocuments          int     `yaml:"max_documents" validate:"omitempty,min=1"`
	MinRelevance          float64 `yaml:"min_relevance" validate:"omitempty,gt=0,lte=1"`
	MinConnectionStrength float64 `yaml:"min_connection_strength" validate:"omitempty,gt=0,lte=1"`
	Depth                 string  `yaml:"depth" validate:"omitempty,oneof=basic moderate deep"`
}

// WeaviateConfig points at an optional Weaviate vector store. An empty
// host keeps the engine on in-memory backends.
type WeaviateConfig struct {
	Host      string `yaml:"host"`
	Scheme    string `yaml:"scheme" validate:"omitempty,oneof=http https"`
	ClassName string `yaml:"class_name"`
}

// LearningConfig controls learned-default persistence.
type LearningConfig struct {
	// Path is the Badger directory for learned defaults. Empty keeps
	// learning in memory only.
	Path string `yaml:"path"`
}

// TelemetryConfig controls the OpenTelemetry bootstrap.
type TelemetryConfig struct {
	// Enabled turns the telemetry pipeline on.
	Enabled bool `yaml:"enabled"`

	// Exporter is stdout, otlp, or prometheus.
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=stdout otlp prometheus"`

	// OTLPEndpoint is the collector endpoint for the otlp exporter.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// PrometheusAddr is the listen address for the metrics endpoint.
	PrometheusAddr string `yaml:"prometheus_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Cache:   CacheConfig{TTL: 5 * time.Minute, Capacity: 1000},
		Reason: ReasonConfig{
			MaxDocuments:          10,
			MinRelevance:          0.2,
			MinConnectionStrength: 0.5,
			Depth:                 "moderate",
		},
		Optimizer: OptimizerConfig{LearnCycle: 50},
		Telemetry: TelemetryConfig{
			Exporter:       "prometheus",
			PrometheusAddr: ":9464",
		},
	}
}

// Load reads a YAML configuration file over the defaults. A missing
// path returns the defaults; a malformed or invalid file errors.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks a configuration against the field constraints.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			first := invalid[0]
			return fmt.Errorf("invalid config: field %s fails %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
