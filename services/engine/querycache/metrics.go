// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package querycache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for query cache operations.
var meter = otel.Meter("graphrag.querycache")

// Metrics for query cache operations.
var (
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
	cacheEvictions metric.Int64Counter
	cacheSize      metric.Int64Gauge

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"query_cache_hits_total",
			metric.WithDescription("Total number of query cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"query_cache_misses_total",
			metric.WithDescription("Total number of query cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"query_cache_evictions_total",
			metric.WithDescription("Total number of query cache evictions"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheSize, err = meter.Int64Gauge(
			"query_cache_entries",
			metric.WithDescription("Current number of query cache entries"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordHit records a cache hit and the current size.
func recordHit(ctx context.Context, size int) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1)
	cacheSize.Record(ctx, int64(size))
}

// recordMiss records a cache miss and the current size.
func recordMiss(ctx context.Context, size int) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
	cacheSize.Record(ctx, int64(size))
}

// recordPut records the size after an insert.
func recordPut(ctx context.Context, size int) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheSize.Record(ctx, int64(size))
}

// recordEviction records a capacity eviction.
func recordEviction(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, 1)
}
