package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentexec/runtime/agent/checkpoint"
)

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.Exists(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
	_, err = s.Get(ctx, "s1")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)

	blob := []byte("state")
	require.NoError(t, s.Put(ctx, "s1", blob))
	blob[0] = 'X'

	ok, err = s.Exists(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "state", string(got))

	require.NoError(t, s.Delete(ctx, "s1"))
	require.NoError(t, s.Delete(ctx, "s1"))
	ok, err = s.Exists(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreEmptyBlobExists(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Put(ctx, "s1", nil))
	ok, err := s.Exists(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStoreRejectsEmptyKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	_, err := s.Exists(ctx, "")
	require.ErrorIs(t, err, checkpoint.ErrKeyRequired)
	require.ErrorIs(t, s.Put(ctx, "", []byte("x")), checkpoint.ErrKeyRequired)
}
