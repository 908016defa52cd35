// Package inmem provides an in-memory checkpoint.Store.
package inmem

import (
	"context"
	"slices"
	"sync"

	"goa.design/agentexec/runtime/agent/checkpoint"
)

// Store is an in-memory checkpoint.Store safe for concurrent use. Blobs are
// copied on the way in and out.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// Exists implements checkpoint.Store.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, checkpoint.ErrKeyRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[key]
	return ok, nil
}

// Get implements checkpoint.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, checkpoint.ErrKeyRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	return slices.Clone(b), nil
}

// Put implements checkpoint.Store.
func (s *Store) Put(_ context.Context, key string, blob []byte) error {
	if key == "" {
		return checkpoint.ErrKeyRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if blob == nil {
		blob = []byte{}
	}
	s.blobs[key] = slices.Clone(blob)
	return nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	if key == "" {
		return checkpoint.ErrKeyRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}
