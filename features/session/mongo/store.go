package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "goa.design/agentexec/features/session/mongo/clients/mongo"
	"goa.design/agentexec/runtime/agent/session"
)

// Store implements session.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ session.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// CreateSession implements session.Store.
func (s *Store) CreateSession(ctx context.Context, sess session.Session, now time.Time) (session.Session, error) {
	return s.client.CreateSession(ctx, session.Normalize(sess, now))
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, id string) (session.Session, error) {
	return s.client.LoadSession(ctx, id)
}

// UpdateStatus implements session.Store. The current status is read first so
// the transition can be validated; the write is conditional on it.
func (s *Store) UpdateStatus(ctx context.Context, id string, status session.Status, now time.Time) (session.Session, error) {
	cur, err := s.client.LoadSession(ctx, id)
	if err != nil {
		return session.Session{}, err
	}
	if err := session.CheckTransition(cur.Status, status); err != nil {
		return session.Session{}, err
	}
	return s.client.SetStatus(ctx, id, cur.Status, status, now)
}

// IncrementTurns implements session.Store.
func (s *Store) IncrementTurns(ctx context.Context, id string, now time.Time) (session.Session, error) {
	return s.client.IncrementTurns(ctx, id, now)
}

// DeleteSession implements session.Store.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.client.DeleteSession(ctx, id)
}

// ListSessions implements session.Store.
func (s *Store) ListSessions(ctx context.Context, subjectID string) ([]session.Session, error) {
	return s.client.ListSessions(ctx, subjectID)
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }
