package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"goa.design/agentexec/runtime/agent/stream"
)

type (
	// Callback is a stream.Sink POSTing each event to a URL as a
	// stream.Envelope. Failures are counted and returned but never retried.
	Callback struct {
		url       string
		sessionID string
		http      *http.Client
		headers   http.Header
		timeout   time.Duration
		limiter   *rate.Limiter

		sent   atomic.Int64
		failed atomic.Int64
	}

	// CallbackOption configures a Callback.
	CallbackOption func(*Callback)
)

// WithHTTPClient overrides the client used for requests.
func WithHTTPClient(c *http.Client) CallbackOption {
	return func(cb *Callback) { cb.http = c }
}

// WithHeader adds a static header to all requests.
func WithHeader(name, value string) CallbackOption {
	return func(cb *Callback) {
		if cb.headers == nil {
			cb.headers = make(http.Header)
		}
		cb.headers.Add(name, value)
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) CallbackOption {
	return func(cb *Callback) { cb.timeout = d }
}

// WithLimiter throttles requests.
func WithLimiter(l *rate.Limiter) CallbackOption {
	return func(cb *Callback) { cb.limiter = l }
}

// NewCallback returns a Callback posting events of sessionID to url.
func NewCallback(url, sessionID string, opts ...CallbackOption) *Callback {
	cb := &Callback{
		url:       url,
		sessionID: sessionID,
		http:      http.DefaultClient,
		timeout:   DefaultCallbackTimeout,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Send POSTs ev. Any error increments the failure counter.
func (cb *Callback) Send(ctx context.Context, ev stream.Event) error {
	if err := cb.post(ctx, ev); err != nil {
		cb.failed.Add(1)
		return err
	}
	cb.sent.Add(1)
	return nil
}

// Close implements stream.Sink.
func (cb *Callback) Close(context.Context) error { return nil }

// Sent returns the number of events delivered.
func (cb *Callback) Sent() int64 { return cb.sent.Load() }

// Failed returns the number of events that could not be delivered.
func (cb *Callback) Failed() int64 { return cb.failed.Load() }

func (cb *Callback) post(ctx context.Context, ev stream.Event) error {
	body, err := json.Marshal(stream.Envelope{SessionID: cb.sessionID, Event: ev})
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, cb.timeout)
	defer cancel()
	if cb.limiter != nil {
		if err := cb.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("callback rate limit: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vals := range cb.headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	resp, err := cb.http.Do(req)
	if err != nil {
		return fmt.Errorf("post callback: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("post callback: unexpected status %s", resp.Status)
	}
	return nil
}
