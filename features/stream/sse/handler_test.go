package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentexec/runtime/agent/relay"
	"goa.design/agentexec/runtime/agent/stream"
)

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, stream.Token{Content: "hi"}))
	require.Equal(t, "event: token\ndata: {\"type\":\"token\",\"content\":\"hi\"}\n\n", buf.String())
}

func TestStreamEndsAfterDone(t *testing.T) {
	reg := relay.NewRegistry()
	rl, err := reg.Open("s1")
	require.NoError(t, err)
	srv := newServer(t, Options{Source: RegistrySource(reg), IdleTimeout: 5 * time.Second})

	resp, err := http.Get(srv.URL + "/sessions/s1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.NoError(t, rl.Publish(stream.Token{Content: "hi"}))
	require.NoError(t, rl.Publish(stream.Done{}))
	require.NoError(t, rl.Publish(stream.Token{Content: "late"}))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t,
		"event: token\ndata: {\"type\":\"token\",\"content\":\"hi\"}\n\n"+
			"event: done\ndata: {\"type\":\"done\",\"result\":null}\n\n",
		string(body))
}

func TestStreamEndsWhenRelayCloses(t *testing.T) {
	reg := relay.NewRegistry()
	rl, err := reg.Open("s1")
	require.NoError(t, err)
	srv := newServer(t, Options{Source: RegistrySource(reg), IdleTimeout: 5 * time.Second})

	resp, err := http.Get(srv.URL + "/sessions/s1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.NoError(t, rl.Publish(stream.Error{Message: "boom", Code: stream.CodeLoopFailed}))
	reg.Release("s1", rl)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "event: error\ndata: {\"type\":\"error\",\"message\":\"boom\",\"code\":\"loop_failed\"}\n\n", string(body))
}

func TestIdleTimeoutClosesStream(t *testing.T) {
	reg := relay.NewRegistry()
	_, err := reg.Open("s1")
	require.NoError(t, err)
	srv := newServer(t, Options{Source: RegistrySource(reg), IdleTimeout: 30 * time.Millisecond})

	resp, err := http.Get(srv.URL + "/sessions/s1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Empty(t, body)
}

func TestUnknownSessionTimesOut(t *testing.T) {
	srv := newServer(t, Options{Source: RegistrySource(relay.NewRegistry()), IdleTimeout: 20 * time.Millisecond})
	resp, err := http.Get(srv.URL + "/sessions/nope/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscribeBeforeExecutionStarts(t *testing.T) {
	reg := relay.NewRegistry()
	srv := newServer(t, Options{Source: RegistrySource(reg), IdleTimeout: 5 * time.Second})

	type result struct {
		body string
		err  error
	}
	out := make(chan result, 1)
	go func() {
		resp, err := http.Get(srv.URL + "/sessions/s1/events")
		if err != nil {
			out <- result{err: err}
			return
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		out <- result{body: string(b), err: err}
	}()

	var rl *relay.Relay
	require.Eventually(t, func() bool {
		if rl == nil {
			var err error
			rl, err = reg.Open("s1")
			if err != nil {
				return false
			}
		}
		return rl.Subscribers() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, rl.Publish(stream.Done{}))

	res := <-out
	require.NoError(t, res.err)
	require.Equal(t, "event: done\ndata: {\"type\":\"done\",\"result\":null}\n\n", res.body)
}

func TestSourceErrors(t *testing.T) {
	srv := newServer(t, Options{Source: failingSource{err: errors.New("redis down")}})
	resp, err := http.Get(srv.URL + "/sessions/s1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestNewRequiresSource(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestCustomSessionExtractor(t *testing.T) {
	reg := relay.NewRegistry()
	rl, err := reg.Open("s9")
	require.NoError(t, err)
	h, err := New(Options{
		Source:    RegistrySource(reg),
		SessionID: func(r *http.Request) string { return r.URL.Query().Get("session") },
	})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/?session=s9")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, rl.Publish(stream.Done{}))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "event: done")

	resp2, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func newServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	h, err := New(opts)
	require.NoError(t, err)
	mux := http.NewServeMux()
	mux.Handle("GET /sessions/{session_id}/events", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type failingSource struct {
	err error
}

func (s failingSource) Open(context.Context, string) (Reader, error) { return nil, s.err }
