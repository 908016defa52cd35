// Package mongo hosts the MongoDB client used by the session store.
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

	"goa.design/agentexec/runtime/agent/session"
)

const (
	defaultCollection = "agentexec_sessions"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "session-mongo"
)

// Client exposes Mongo-backed operations on session records.
type Client interface {
	health.Pinger

	// CreateSession inserts s unless a session with the same ID exists and
	// returns the stored record.
	CreateSession(ctx context.Context, s session.Session) (session.Session, error)
	LoadSession(ctx context.Context, id string) (session.Session, error)
	// SetStatus moves the session from one status to another. It fails with
	// session.ErrInvalidTransition when the stored status is no longer from.
	SetStatus(ctx context.Context, id string, from, to session.Status, now time.Time) (session.Session, error)
	// IncrementTurns bumps the turn counter and returns the prior record.
	IncrementTurns(ctx context.Context, id string, now time.Time) (session.Session, error)
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context, subjectID string) ([]session.Session, error)
}

// Options configures the Mongo session client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
}

// New returns a Client backed by MongoDB.
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
		timeout = defaultOpTimeout
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

func (c *client) CreateSession(ctx context.Context, s session.Session) (session.Session, error) {
	if s.ID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	// $setOnInsert only: creating an existing session must not modify it.
	update := bson.M{"$setOnInsert": bson.M{
		"subject_id":  s.SubjectID,
		"status":      s.Status,
		"mode":        s.Mode,
		"step_budget": s.StepBudget,
		"title":       s.Title,
		"turns":       s.Turns,
		"created_at":  s.CreatedAt,
		"updated_at":  s.UpdatedAt,
	}}
	if _, err := c.coll.UpdateOne(tctx, bson.M{"_id": s.ID}, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return session.Session{}, fmt.Errorf("create session %s: %w", s.ID, err)
	}
	return c.LoadSession(ctx, s.ID)
}

func (c *client) LoadSession(ctx context.Context, id string) (session.Session, error) {
	if id == "" {
		return session.Session{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var out session.Session
	if err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&out); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return out, nil
}

func (c *client) SetStatus(ctx context.Context, id string, from, to session.Status, now time.Time) (session.Session, error) {
	tctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"_id": id, "status": from}
	update := bson.M{"$set": bson.M{"status": to, "updated_at": now.UTC()}}
	res, err := c.coll.UpdateOne(tctx, filter, update)
	if err != nil {
		return session.Session{}, fmt.Errorf("update session %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		if _, err := c.LoadSession(ctx, id); err != nil {
			return session.Session{}, err
		}
		return session.Session{}, fmt.Errorf("%w: %s changed concurrently", session.ErrInvalidTransition, id)
	}
	return c.LoadSession(ctx, id)
}

func (c *client) IncrementTurns(ctx context.Context, id string, now time.Time) (session.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$inc": bson.M{"turns": 1},
		"$set": bson.M{"updated_at": now.UTC()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.Before)
	var prior session.Session
	if err := c.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&prior); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.Session{}, session.ErrSessionNotFound
		}
		return session.Session{}, err
	}
	return prior, nil
}

func (c *client) DeleteSession(ctx context.Context, id string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	res, err := c.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return session.ErrSessionNotFound
	}
	return nil
}

func (c *client) ListSessions(ctx context.Context, subjectID string) ([]session.Session, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := c.coll.Find(ctx, bson.M{"subject_id": subjectID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx) //nolint:errcheck
	var out []session.Session
	for cur.Next(ctx) {
		var s session.Session
		if err := cur.Decode(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, cur.Err()
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idx := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "subject_id", Value: 1},
			{Key: "created_at", Value: -1},
		},
	}
	_, err := coll.Indexes().CreateOne(ctx, idx)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult
	DeleteOne(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
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

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
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
