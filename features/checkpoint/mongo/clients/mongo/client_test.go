package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/agentexec/runtime/agent/checkpoint"
)

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "mongo client is required")
}

func TestSaveLoadExistsDelete(t *testing.T) {
	coll := newFakeCollection()
	c := newClientWithCollection(nil, coll, time.Second)
	fixed := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	ctx := context.Background()

	ok, err := c.Exists(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = c.Load(ctx, "s1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	require.NoError(t, c.Save(ctx, "s1", []byte(`{"turns":1}`)))
	ok, err = c.Exists(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	blob, err := c.Load(ctx, "s1")
	require.NoError(t, err)
	require.JSONEq(t, `{"turns":1}`, string(blob))
	require.Equal(t, fixed, coll.docs["s1"].UpdatedAt)

	require.NoError(t, c.Save(ctx, "s1", []byte(`{"turns":2}`)))
	blob, err = c.Load(ctx, "s1")
	require.NoError(t, err)
	require.JSONEq(t, `{"turns":2}`, string(blob))

	require.NoError(t, c.Delete(ctx, "s1"))
	require.NoError(t, c.Delete(ctx, "s1"))
	ok, err = c.Exists(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestEmptyBlob(t *testing.T) {
	c := newClientWithCollection(nil, newFakeCollection(), time.Second)
	require.NoError(t, c.Save(context.Background(), "s1", nil))
	blob, err := c.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, blob)
	require.Empty(t, blob)
}

func TestStorageErrorsSurface(t *testing.T) {
	coll := newFakeCollection()
	coll.err = errors.New("connection refused")
	c := newClientWithCollection(nil, coll, time.Second)
	_, err := c.Exists(context.Background(), "s1")
	require.ErrorContains(t, err, "connection refused")
	_, err = c.Load(context.Background(), "s1")
	require.ErrorContains(t, err, "connection refused")
	require.NotErrorIs(t, err, checkpoint.ErrNotFound)
}

type fakeCollection struct {
	mu   sync.Mutex
	docs map[string]document
	err  error
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]document)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return fakeSingleResult{err: c.err}
	}
	doc, ok := c.docs[filter.(bson.M)["_id"].(string)]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeSingleResult{doc: doc}
}

func (c *fakeCollection) CountDocuments(_ context.Context, filter any, _ ...options.Lister[options.CountOptions]) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	if _, ok := c.docs[filter.(bson.M)["_id"].(string)]; ok {
		return 1, nil
	}
	return 0, nil
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter any, replacement any,
	_ ...options.Lister[options.ReplaceOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	doc := replacement.(document)
	c.docs[filter.(bson.M)["_id"].(string)] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func (c *fakeCollection) DeleteOne(_ context.Context, filter any,
	_ ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	id := filter.(bson.M)["_id"].(string)
	if _, ok := c.docs[id]; !ok {
		return &mongodriver.DeleteResult{}, nil
	}
	delete(c.docs, id)
	return &mongodriver.DeleteResult{DeletedCount: 1}, nil
}

type fakeSingleResult struct {
	doc document
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	out, ok := val.(*document)
	if !ok {
		return errors.New("unsupported target")
	}
	*out = r.doc
	return nil
}
