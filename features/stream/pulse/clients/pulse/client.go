// Package pulse opens the Redis-backed Pulse streams that carry session
// events. Handles are cached per stream name so the publishing sink and the
// pull readers of a session share one stream. A finished session stream is
// retired: its Redis key gets the configured retention TTL so late pull
// subscribers can still replay it before Redis reclaims it.
//
// Callers own the Redis connection and pass it to New.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis backs the Pulse streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per session stream. Zero uses
		// Pulse defaults.
		StreamMaxLen int
		// Retention is how long a retired stream stays readable. Zero keeps
		// streams until they are destroyed.
		Retention time.Duration
		// OperationTimeout bounds each Redis round trip. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client opens Pulse streams.
	Client interface {
		// Stream returns the handle of the named stream, creating it if
		// needed. Repeated calls return the same handle.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
		// Close drops cached handles. The Redis connection is left open.
		Close(ctx context.Context) error
	}

	// Stream publishes entries and opens consumer groups on one stream.
	Stream interface {
		// Add appends an entry and returns its Redis ID.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens a consumer group reading the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Retire marks the stream finished: it expires after the client
		// retention and its handle leaves the cache.
		Retire(ctx context.Context) error
		// Destroy deletes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading a stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(ctx context.Context, ev *streaming.Event) error
		Close(ctx context.Context)
	}

	client struct {
		opts    Options
		mu      sync.Mutex
		handles map[string]*handle
	}

	handle struct {
		name   string
		client *client
		stream *streaming.Stream
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New returns a Client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if opts.StreamMaxLen < 0 || opts.Retention < 0 {
		return nil, errors.New("stream max length and retention must not be negative")
	}
	return &client{opts: opts, handles: make(map[string]*handle)}, nil
}

// RedisKey returns the Redis key Pulse stores the named stream under.
func RedisKey(name string) string {
	return "pulse:stream:" + name
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[name]; ok {
		return h, nil
	}
	var all []streamopts.Stream
	if c.opts.StreamMaxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.opts.StreamMaxLen))
	}
	all = append(all, opts...)
	str, err := streaming.NewStream(name, c.opts.Redis, all...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream %s: %w", name, err)
	}
	h := &handle{name: name, client: c, stream: str}
	c.handles[name] = h
	return h, nil
}

func (c *client) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles = make(map[string]*handle)
	return nil
}

func (c *client) forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, name)
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opts.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.opts.OperationTimeout)
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	ctx, cancel := h.client.withTimeout(ctx)
	defer cancel()
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add to %s: %w", h.name, err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, fmt.Errorf("open pulse sink %s on %s: %w", name, h.name, err)
	}
	return sinkAdapter{Sink: sink}, nil
}

func (h *handle) Retire(ctx context.Context) error {
	h.client.forget(h.name)
	ttl := h.client.opts.Retention
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := h.client.withTimeout(ctx)
	defer cancel()
	if err := h.client.opts.Redis.Expire(ctx, RedisKey(h.name), ttl).Err(); err != nil {
		return fmt.Errorf("retire pulse stream %s: %w", h.name, err)
	}
	return nil
}

func (h *handle) Destroy(ctx context.Context) error {
	h.client.forget(h.name)
	return h.stream.Destroy(ctx)
}

func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
