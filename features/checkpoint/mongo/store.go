package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agentexec/features/checkpoint/mongo/clients/mongo"
	"goa.design/agentexec/runtime/agent/checkpoint"
)

// Store implements checkpoint.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

var _ checkpoint.Store = (*Store)(nil)

// NewStore builds a Store using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Exists implements checkpoint.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, checkpoint.ErrKeyRequired
	}
	return s.client.Exists(ctx, key)
}

// Get implements checkpoint.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, checkpoint.ErrKeyRequired
	}
	return s.client.Load(ctx, key)
}

// Put implements checkpoint.Store.
func (s *Store) Put(ctx context.Context, key string, blob []byte) error {
	if key == "" {
		return checkpoint.ErrKeyRequired
	}
	if blob == nil {
		blob = []byte{}
	}
	return s.client.Save(ctx, key, blob)
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return checkpoint.ErrKeyRequired
	}
	return s.client.Delete(ctx, key)
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }
