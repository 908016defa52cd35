package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentexec/runtime/agent/stream"
)

func TestRegistryRejectsSecondLiveRelay(t *testing.T) {
	g := NewRegistry()
	defer g.Close()

	r, err := g.Open("s1")
	require.NoError(t, err)
	_, err = g.Open("s1")
	require.ErrorIs(t, err, ErrSessionBusy)

	got, ok := g.Lookup("s1")
	require.True(t, ok)
	require.Same(t, r, got)

	g.Release("s1", r)
	require.True(t, r.Closed())
	_, ok = g.Lookup("s1")
	require.False(t, ok)

	_, err = g.Open("s1")
	require.NoError(t, err)
}

func TestRegistryReleaseIgnoresStaleRelay(t *testing.T) {
	g := NewRegistry()
	defer g.Close()
	old, err := g.Open("s1")
	require.NoError(t, err)
	g.Release("s1", old)
	cur, err := g.Open("s1")
	require.NoError(t, err)

	g.Release("s1", old)
	got, ok := g.Lookup("s1")
	require.True(t, ok)
	require.Same(t, cur, got)
}

func TestRegistrySubscribeWaitsForOpen(t *testing.T) {
	g := NewRegistry()
	defer g.Close()

	subs := make(chan *Subscription, 1)
	go func() {
		s, err := g.Subscribe(context.Background(), "s1")
		if err == nil {
			subs <- s
		}
	}()
	time.Sleep(10 * time.Millisecond)
	r, err := g.Open("s1")
	require.NoError(t, err)

	var s *Subscription
	select {
	case s = <-subs:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never attached")
	}
	require.NoError(t, r.Publish(stream.Token{Content: "hi"}))
	g.Release("s1", r)
	require.Equal(t, []stream.Event{stream.Token{Content: "hi"}}, drain(t, s))
}

func TestRegistrySubscribeTimesOut(t *testing.T) {
	g := NewRegistry()
	defer g.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := g.Subscribe(ctx, "missing")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistryCloseFailsWaitersAndClosesRelays(t *testing.T) {
	g := NewRegistry()
	r, err := g.Open("live")
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := g.Subscribe(context.Background(), "pending")
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	g.Close()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrRegistryClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
	require.True(t, r.Closed())
	_, err = g.Open("x")
	require.ErrorIs(t, err, ErrRegistryClosed)
}

func TestRegistryAttachExistingRelay(t *testing.T) {
	g := NewRegistry()
	defer g.Close()
	r := New()
	require.NoError(t, g.Attach("s1", r))
	require.ErrorIs(t, g.Attach("s1", New()), ErrSessionBusy)
	got, ok := g.Lookup("s1")
	require.True(t, ok)
	require.Same(t, r, got)
	require.Equal(t, 1, g.Len())
}
