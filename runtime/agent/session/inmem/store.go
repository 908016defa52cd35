// Package inmem provides an in-memory session.Store for tests and local
// development. Production deployments use features/session/mongo.
package inmem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"goa.design/agentexec/runtime/agent/session"
)

// Store is an in-memory session.Store. It is safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

var errIDRequired = errors.New("session id is required")

// New returns an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]session.Session)}
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(_ context.Context, in session.Session, now time.Time) (session.Session, error) {
	if in.ID == "" {
		return session.Session{}, errIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[in.ID]; ok {
		return existing, nil
	}
	out := session.Normalize(in, now)
	s.sessions[in.ID] = out
	return out, nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, errIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return existing, nil
}

// UpdateStatus implements session.Store.
func (s *Store) UpdateStatus(_ context.Context, id string, status session.Status, now time.Time) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	if err := session.CheckTransition(existing.Status, status); err != nil {
		return session.Session{}, err
	}
	existing.Status = status
	existing.UpdatedAt = now.UTC()
	s.sessions[id] = existing
	return existing, nil
}

// IncrementTurns implements session.Store.
func (s *Store) IncrementTurns(_ context.Context, id string, now time.Time) (session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	before := existing
	existing.Turns++
	existing.UpdatedAt = now.UTC()
	s.sessions[id] = existing
	return before, nil
}

// DeleteSession implements session.Store.
func (s *Store) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return session.ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

// ListSessions implements session.Store.
func (s *Store) ListSessions(_ context.Context, subjectID string) ([]session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []session.Session
	for _, v := range s.sessions {
		if v.SubjectID == subjectID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
