package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/agentexec/features/stream/pulse/clients/pulse"
	"goa.design/agentexec/runtime/agent/stream"
	"goa.design/agentexec/runtime/agent/task"
)

func TestSinkPublishesEnvelopes(t *testing.T) {
	cli := newFakeClient()
	sink, err := NewSink(Options{Client: cli}, "s1")
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, stream.Token{Content: "hi"}))
	require.NoError(t, sink.Close(ctx))

	str := cli.streams["session/s1"]
	require.NotNil(t, str)
	require.Len(t, str.entries, 2)
	require.Equal(t, string(stream.EventToken), str.entries[0].EventName)
	var env stream.Envelope
	require.NoError(t, json.Unmarshal(str.entries[0].Payload, &env))
	require.Equal(t, "s1", env.SessionID)
	require.Equal(t, stream.Token{Content: "hi"}, env.Event)
	require.Equal(t, EndOfStream, str.entries[1].EventName)
	require.True(t, str.retired)
}

func TestSinkPropagatesAddErrors(t *testing.T) {
	cli := newFakeClient()
	cli.addErr = errors.New("redis down")
	sink, err := NewSink(Options{Client: cli}, "s1")
	require.NoError(t, err)
	require.ErrorContains(t, sink.Send(context.Background(), stream.Token{Content: "x"}), "redis down")
}

func TestNewSinkValidates(t *testing.T) {
	_, err := NewSink(Options{}, "s1")
	require.Error(t, err)
	_, err = NewSink(Options{Client: newFakeClient()}, "")
	require.Error(t, err)
}

func TestCustomStreamName(t *testing.T) {
	cli := newFakeClient()
	opts := Options{Client: cli, StreamName: func(id string) string { return "tenant-a/" + id }}
	sink, err := NewSink(opts, "s1")
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), stream.Token{Content: "x"}))
	require.Contains(t, cli.streams, "tenant-a/s1")
}

func TestReaderReplaysUntilEndOfStream(t *testing.T) {
	cli := newFakeClient()
	streams, err := NewStreams(Options{Client: cli})
	require.NoError(t, err)
	ctx := context.Background()

	sink, err := streams.Sink(ctx, "s1")
	require.NoError(t, err)
	require.NoError(t, sink.Send(ctx, stream.Token{Content: "a"}))
	require.NoError(t, sink.Send(ctx, stream.Done{Result: &task.Result{FinalAnswer: "a"}}))
	require.NoError(t, sink.Close(ctx))

	for range 2 {
		r, err := streams.Source().Open(ctx, "s1")
		require.NoError(t, err)
		ev, err := r.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, stream.Token{Content: "a"}, ev)
		ev, err = r.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, stream.EventDone, ev.Type())
		_, err = r.Next(ctx)
		require.ErrorIs(t, err, io.EOF)
		r.Close(ctx)
		r.Close(ctx)
	}
	require.Len(t, cli.streams["session/s1"].groups, 2)
	require.Equal(t, 6, cli.streams["session/s1"].acked)
}

func TestReaderHonorsContext(t *testing.T) {
	src, err := NewSource(Options{Client: newFakeClient()})
	require.NoError(t, err)
	r, err := src.Open(context.Background(), "s1")
	require.NoError(t, err)
	defer r.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReaderRejectsMalformedEntries(t *testing.T) {
	cli := newFakeClient()
	str, err := cli.Stream("session/s1")
	require.NoError(t, err)
	_, err = str.Add(context.Background(), "token", []byte(`{"session_id":"s1"}`))
	require.NoError(t, err)

	src, err := NewSource(Options{Client: cli})
	require.NoError(t, err)
	r, err := src.Open(context.Background(), "s1")
	require.NoError(t, err)
	_, err = r.Next(context.Background())
	require.ErrorContains(t, err, "decode pulse entry")
}

func TestDestroy(t *testing.T) {
	cli := newFakeClient()
	streams, err := NewStreams(Options{Client: cli})
	require.NoError(t, err)
	require.NoError(t, streams.Destroy(context.Background(), "s1"))
	require.True(t, cli.streams["session/s1"].destroyed)
}

type fakeClient struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	addErr  error
}

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{name: name, addErr: c.addErr}
		c.streams[name] = s
	}
	return s, nil
}

func (c *fakeClient) Close(context.Context) error { return nil }

type fakeStream struct {
	mu        sync.Mutex
	name      string
	entries   []*streaming.Event
	groups    []string
	acked     int
	retired   bool
	destroyed bool
	addErr    error
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	if s.addErr != nil {
		return "", s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := time.Now().Format("150405.000000000")
	s.entries = append(s.entries, &streaming.Event{ID: id, EventName: event, Payload: payload, StreamName: s.name})
	return id, nil
}

// NewSink snapshots the entries added so far.
func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups = append(s.groups, name)
	ch := make(chan *streaming.Event, len(s.entries))
	for _, e := range s.entries {
		ch <- e
	}
	return &fakeSink{parent: s, ch: ch}, nil
}

func (s *fakeStream) Retire(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = true
	return nil
}

func (s *fakeStream) Destroy(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
	return nil
}

type fakeSink struct {
	parent *fakeStream
	ch     chan *streaming.Event
}

func (s *fakeSink) Subscribe() <-chan *streaming.Event { return s.ch }

func (s *fakeSink) Ack(context.Context, *streaming.Event) error {
	s.parent.mu.Lock()
	defer s.parent.mu.Unlock()
	s.parent.acked++
	return nil
}

func (s *fakeSink) Close(context.Context) {}
