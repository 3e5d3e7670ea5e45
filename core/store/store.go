// Package store defines the read-through boundary to the external backing
// store. Durability lives behind this interface; the cache only consumes it
// at warmup, each node filtering the stream to the partitions it owns.
package store

import (
	"context"
	"sync"
)

// Store is the external store collaborator. LoadAll streams every pair
// matching pred into fn; a non-nil error from fn aborts the stream.
type Store interface {
	LoadAll(ctx context.Context, pred func(key string) bool, fn func(key string, value []byte) error) error
}

// MapStore is an in-memory Store used in tests and local setups.
type MapStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMapStore creates a MapStore with the given seed data.
func NewMapStore(seed map[string][]byte) *MapStore {
	entries := make(map[string][]byte, len(seed))
	for k, v := range seed {
		entries[k] = v
	}
	return &MapStore{entries: entries}
}

// Put stores a pair.
func (s *MapStore) Put(key string, value []byte) {
	s.mu.Lock()
	s.entries[key] = value
	s.mu.Unlock()
}

// LoadAll implements Store.
func (s *MapStore) LoadAll(ctx context.Context, pred func(key string) bool, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pred != nil && !pred(k) {
			continue
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}
