// Package mongo implements the low-level MongoDB client used by the
// checkpoint store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/agentexec/runtime/agent/checkpoint"
)

const (
	defaultCollection = "agentexec_checkpoints"
	defaultTimeout    = 5 * time.Second
	clientName        = "checkpoint-mongo"
)

// Client exposes Mongo-backed checkpoint blob operations.
type Client interface {
	health.Pinger

	Exists(ctx context.Context, key string) (bool, error)
	// Load returns checkpoint.ErrNotFound when no blob is stored.
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, blob []byte) error
	Delete(ctx context.Context, key string) error
}

// Options configures the Mongo client implementation.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
	// Now overrides the clock used for updated_at. Defaults to time.Now.
	Now func() time.Time
}

type (
	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
		now     func() time.Time
	}

	document struct {
		Key       string    `bson:"_id"`
		Blob      []byte    `bson:"blob"`
		UpdatedAt time.Time `bson:"updated_at"`
	}
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	c := newClientWithCollection(opts.Client, coll, opts.Timeout)
	if opts.Now != nil {
		c.now = opts.Now
	}
	return c, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.coll.CountDocuments(ctx, bson.M{"_id": key}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("count checkpoint %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *client) Load(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	var doc document
	if err := c.coll.FindOne(ctx, bson.M{"_id": key}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", key, err)
	}
	if doc.Blob == nil {
		return []byte{}, nil
	}
	return doc.Blob, nil
}

func (c *client) Save(ctx context.Context, key string, blob []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	doc := document{Key: key, Blob: blob, UpdatedAt: c.now().UTC()}
	if _, err := c.coll.ReplaceOne(ctx, bson.M{"_id": key}, doc, options.Replace().SetUpsert(true)); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", key, err)
	}
	return nil
}

func (c *client) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if _, err := c.coll.DeleteOne(ctx, bson.M{"_id": key}); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", key, err)
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) *client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout, now: time.Now}
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	CountDocuments(ctx context.Context, filter any, opts ...options.Lister[options.CountOptions]) (int64, error)
	ReplaceOne(ctx context.Context, filter any, replacement any,
		opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) CountDocuments(ctx context.Context, filter any, opts ...options.Lister[options.CountOptions]) (int64, error) {
	return c.coll.CountDocuments(ctx, filter, opts...)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter any, replacement any,
	opts ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}
