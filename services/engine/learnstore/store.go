// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package learnstore persists the engine's learned query defaults so
// that tuning survives restarts. The store is a thin layer over Badger
// holding one JSON document per graph type.
package learnstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Defaults are the learned starting parameters for a graph type.
type Defaults struct {
	// MaxDepth is the learned traversal depth default.
	MaxDepth int `json:"max_depth"`

	// MinSimilarity is the learned vector similarity floor.
	MinSimilarity float64 `json:"min_similarity"`

	// UpdatedAt is when these defaults were last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists learned defaults in a Badger database.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a store at dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions(dir).
		WithLogger(badgerLogger{logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open learn store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory opens an ephemeral store. Used by tests and by
// deployments that opt out of persistence.
func OpenInMemory(logger *slog.Logger) (*Store, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{logger})
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory learn store: %w", err)
	}
	return &Store{db: db}, nil
}

// key builds the storage key for a graph type.
func key(graphType string) []byte {
	return []byte("learned_defaults/" + graphType)
}

// Save writes the defaults for a graph type.
func (s *Store) Save(graphType string, d Defaults) error {
	d.UpdatedAt = time.Now().UTC()
	encoded, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode defaults: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(graphType), encoded)
	})
	if err != nil {
		return fmt.Errorf("save defaults for %s: %w", graphType, err)
	}
	return nil
}

// Load reads the defaults for a graph type. ok is false when nothing
// has been saved yet.
func (s *Store) Load(graphType string) (Defaults, bool, error) {
	var d Defaults
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(graphType))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &d)
		})
	})
	if err != nil {
		return Defaults{}, false, fmt.Errorf("load defaults for %s: %w", graphType, err)
	}
	return d, found, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// badgerLogger adapts slog to Badger's logger interface, demoting
// Badger's chatty INFO output to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) slogOrDefault() *slog.Logger {
	if l.logger != nil {
		return l.logger
	}
	return slog.Default()
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.slogOrDefault().Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.slogOrDefault().Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.slogOrDefault().Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.slogOrDefault().Debug(fmt.Sprintf(format, args...), "component", "badger")
}
