// Package mongo implements the low-level MongoDB client used by the memory
// provider.
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

	"goa.design/agentexec/runtime/agent/memory"
)

const (
	defaultCollection = "agentexec_memory"
	defaultTimeout    = 5 * time.Second
	clientName        = "memory-mongo"
)

type (
	// Client exposes Mongo-backed operations on memory blocks.
	Client interface {
		health.Pinger

		// InsertBlock appends a block. sessionID is empty for subject blocks.
		InsertBlock(ctx context.Context, subjectID, sessionID string, b memory.Block) error
		// ListBlocks returns the blocks matching q in insertion order.
		ListBlocks(ctx context.Context, q Query) ([]memory.Block, error)
		// DeleteSessionBlocks removes the session-scoped blocks of a session
		// and returns how many were removed.
		DeleteSessionBlocks(ctx context.Context, sessionID string) (int64, error)
	}

	// Query selects blocks. Empty fields are not filtered on.
	Query struct {
		SubjectID string
		SessionID string
		Scope     memory.Scope
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
		now     func() time.Time
	}

	blockDocument struct {
		SubjectID string       `bson:"subject_id"`
		SessionID string       `bson:"session_id,omitempty"`
		Namespace string       `bson:"namespace"`
		Scope     memory.Scope `bson:"scope"`
		Content   string       `bson:"content"`
		CreatedAt time.Time    `bson:"created_at"`
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
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) InsertBlock(ctx context.Context, subjectID, sessionID string, b memory.Block) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	doc := blockDocument{
		SubjectID: subjectID,
		SessionID: sessionID,
		Namespace: b.Namespace,
		Scope:     b.Scope,
		Content:   b.Content,
		CreatedAt: c.now().UTC(),
	}
	if _, err := c.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert memory block: %w", err)
	}
	return nil
}

func (c *client) ListBlocks(ctx context.Context, q Query) ([]memory.Block, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{}
	if q.SubjectID != "" {
		filter["subject_id"] = q.SubjectID
	}
	if q.SessionID != "" {
		filter["session_id"] = q.SessionID
	}
	if q.Scope != "" {
		filter["scope"] = q.Scope
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list memory blocks: %w", err)
	}
	defer cur.Close(ctx) //nolint:errcheck
	var out []memory.Block
	for cur.Next(ctx) {
		var doc blockDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, memory.Block{Namespace: doc.Namespace, Scope: doc.Scope, Content: doc.Content})
	}
	return out, cur.Err()
}

func (c *client) DeleteSessionBlocks(ctx context.Context, sessionID string) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.coll.DeleteMany(ctx, bson.M{"session_id": sessionID, "scope": memory.ScopeSession})
	if err != nil {
		return 0, fmt.Errorf("delete memory of session %s: %w", sessionID, err)
	}
	return res.DeletedCount, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	for _, keys := range []bson.D{
		{{Key: "subject_id", Value: 1}, {Key: "scope", Value: 1}, {Key: "created_at", Value: 1}},
		{{Key: "session_id", Value: 1}, {Key: "created_at", Value: 1}},
	} {
		if _, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{Keys: keys}); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout, now: time.Now}, nil
}

type collection interface {
	InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	DeleteMany(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any,
	opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) DeleteMany(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteManyOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteMany(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
