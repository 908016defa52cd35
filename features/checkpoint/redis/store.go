// Package redis provides a Redis-backed checkpoint.Store. Each checkpoint is
// a single string key under a configurable prefix, with an optional TTL
// refreshed on every write.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/agentexec/runtime/agent/checkpoint"
)

const (
	defaultPrefix = "agentexec:checkpoint:"
	storeName     = "checkpoint-redis"
)

type (
	// Options configures the Store.
	Options struct {
		// Client is the Redis connection. Required.
		Client redis.UniversalClient
		// Prefix is prepended to every key.
		Prefix string
		// TTL expires idle checkpoints. Zero keeps them forever.
		TTL time.Duration
	}

	// Store implements checkpoint.Store on Redis.
	Store struct {
		rdb    redis.UniversalClient
		prefix string
		ttl    time.Duration
	}
)

var _ checkpoint.Store = (*Store)(nil)

// New returns a Store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{rdb: opts.Client, prefix: prefix, ttl: opts.TTL}, nil
}

// Exists implements checkpoint.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, checkpoint.ErrKeyRequired
	}
	n, err := s.rdb.Exists(ctx, s.prefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("checkpoint exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Get implements checkpoint.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, checkpoint.ErrKeyRequired
	}
	blob, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint get %s: %w", key, err)
	}
	return blob, nil
}

// Put implements checkpoint.Store.
func (s *Store) Put(ctx context.Context, key string, blob []byte) error {
	if key == "" {
		return checkpoint.ErrKeyRequired
	}
	if blob == nil {
		blob = []byte{}
	}
	if err := s.rdb.Set(ctx, s.prefix+key, blob, s.ttl).Err(); err != nil {
		return fmt.Errorf("checkpoint put %s: %w", key, err)
	}
	return nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	if key == "" {
		return checkpoint.ErrKeyRequired
	}
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("checkpoint delete %s: %w", key, err)
	}
	return nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
