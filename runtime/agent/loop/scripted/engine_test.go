package scripted

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentexec/runtime/agent/checkpoint/inmem"
	"goa.design/agentexec/runtime/agent/loop"
)

func collect(t *testing.T, s loop.Stream) ([]loop.Step, error) {
	t.Helper()
	var out []loop.Step
	for {
		st, err := s.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, st)
	}
}

func TestScriptsReplayInOrderAndLastRepeats(t *testing.T) {
	ctx := context.Background()
	e := New(Answer("one"), Script{Err: errors.New("boom")})
	s, err := e.Run(ctx, loop.Input{Prompt: "p"}, "k")
	require.NoError(t, err)
	steps, err := collect(t, s)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	for i := 0; i < 2; i++ {
		s, err = e.Run(ctx, loop.Input{}, "k")
		require.NoError(t, err)
		_, err = collect(t, s)
		require.EqualError(t, err, "boom")
	}
	require.Len(t, e.Calls(), 3)
}

func TestCheckpointCommittedOnlyOnSuccess(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	e := New(Script{Err: errors.New("boom")}, Answer("ok")).WithCheckpoints(store)

	s, err := e.Run(ctx, loop.Input{}, "s1")
	require.NoError(t, err)
	_, err = collect(t, s)
	require.Error(t, err)
	ok, err := store.Exists(ctx, "s1")
	require.NoError(t, err)
	require.False(t, ok)

	s, err = e.Run(ctx, loop.Input{}, "s1")
	require.NoError(t, err)
	_, err = collect(t, s)
	require.NoError(t, err)

	s, err = e.Run(ctx, loop.Input{}, "s1")
	require.NoError(t, err)
	_, err = collect(t, s)
	require.NoError(t, err)

	calls := e.Calls()
	require.False(t, calls[1].Resumed)
	require.True(t, calls[2].Resumed)
}

func TestRecvStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(Answer("x"))
	s, err := e.Run(ctx, loop.Input{}, "k")
	require.NoError(t, err)
	cancel()
	_, err = s.Recv()
	require.ErrorIs(t, err, context.Canceled)
}
