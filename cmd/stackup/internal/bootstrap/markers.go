// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package bootstrap runs one-shot initialization tasks against ready
services: pulling a model, creating a database schema, seeding content.

Tasks are idempotent across runs. Each task has an idempotency key; a
completion marker recorded under that key short-circuits every later run
of the same task. Markers are written transactionally, after the task's
action has succeeded, never before, so a crash mid-task re-runs the task
on the next invocation rather than silently skipping it.
*/
package bootstrap

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// ErrStoreClosed is returned for operations on a closed marker store.
var ErrStoreClosed = errors.New("marker store closed")

// Marker records the completion of one bootstrap task.
type Marker struct {
	// Key is the task's idempotency key.
	Key string `json:"key"`

	// Task is the task name, for reporting.
	Task string `json:"task"`

	// Service is the task's target service.
	Service string `json:"service"`

	// CompletedAt is when the action succeeded.
	CompletedAt time.Time `json:"completed_at"`

	// Attempts is how many attempts the successful run took.
	Attempts int `json:"attempts"`
}

// MarkerStore persists completion markers keyed by idempotency key.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; parallel branches may
// run tasks simultaneously.
type MarkerStore interface {
	// Completed reports whether a marker exists for the key.
	Completed(key string) (bool, error)

	// Get returns the marker for the key, or nil when absent.
	Get(key string) (*Marker, error)

	// Record writes the marker atomically. Recording an existing key
	// overwrites it.
	Record(marker Marker) error

	// Close releases the underlying storage.
	Close() error
}

// -----------------------------------------------------------------------------
// Badger-backed store
// -----------------------------------------------------------------------------

// BadgerStore is a MarkerStore on an embedded Badger database.
//
// Writes go through Badger transactions, so a marker is either fully
// present or absent; a crash during Record cannot leave a torn entry.
type BadgerStore struct {
	db *badger.DB
}

// markerKey namespaces marker entries in the shared database.
func markerKey(key string) []byte {
	return []byte("marker:" + key)
}

// NewBadgerStore opens (creating as needed) the marker database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open marker store at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Completed reports whether a marker exists for the key.
func (s *BadgerStore) Completed(key string) (bool, error) {
	if s.db.IsClosed() {
		return false, ErrStoreClosed
	}
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(markerKey(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read marker %q: %w", key, err)
	}
	return true, nil
}

// Get returns the marker for the key, or nil when absent.
func (s *BadgerStore) Get(key string) (*Marker, error) {
	if s.db.IsClosed() {
		return nil, ErrStoreClosed
	}
	var marker *Marker
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(markerKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var m Marker
			if err := json.Unmarshal(val, &m); err != nil {
				return fmt.Errorf("corrupt marker %q: %w", key, err)
			}
			marker = &m
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return marker, nil
}

// Record writes the marker atomically.
func (s *BadgerStore) Record(marker Marker) error {
	if s.db.IsClosed() {
		return ErrStoreClosed
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return fmt.Errorf("failed to encode marker %q: %w", marker.Key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(markerKey(marker.Key), data)
	})
	if err != nil {
		return fmt.Errorf("failed to record marker %q: %w", marker.Key, err)
	}
	return nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	if s.db.IsClosed() {
		return nil
	}
	return s.db.Close()
}

// -----------------------------------------------------------------------------
// In-memory store for testing
// -----------------------------------------------------------------------------

// MemoryStore is an in-memory MarkerStore for tests.
type MemoryStore struct {
	mu      sync.Mutex
	markers map[string]Marker
	closed  bool

	// RecordCalls counts Record invocations, including overwrites.
	RecordCalls int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{markers: make(map[string]Marker)}
}

// Completed reports whether a marker exists for the key.
func (s *MemoryStore) Completed(key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.markers[key]
	return ok, nil
}

// Get returns the marker for the key, or nil when absent.
func (s *MemoryStore) Get(key string) (*Marker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	m, ok := s.markers[key]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// Record writes the marker.
func (s *MemoryStore) Record(marker Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	s.RecordCalls++
	s.markers[marker.Key] = marker
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Compile-time interface compliance check.
var (
	_ MarkerStore = (*BadgerStore)(nil)
	_ MarkerStore = (*MemoryStore)(nil)
)
