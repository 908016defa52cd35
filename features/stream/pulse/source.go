package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/agentexec/features/stream/pulse/clients/pulse"
	"goa.design/agentexec/runtime/agent/stream"
)

type (
	// Source opens readers on session streams.
	Source struct {
		client pulse.Client
		name   func(string) string
	}

	// Reader reads one session stream from its oldest entry. Each reader
	// owns a consumer group, so concurrent readers all see every event.
	Reader struct {
		sink      pulse.Sink
		events    <-chan *streaming.Event
		closeOnce sync.Once
	}
)

// NewSource returns a Source.
func NewSource(opts Options) (*Source, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := StreamName
	if opts.StreamName != nil {
		name = opts.StreamName
	}
	return &Source{client: opts.Client, name: name}, nil
}

// Open starts reading the stream of sessionID.
func (s *Source) Open(ctx context.Context, sessionID string) (*Reader, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	str, err := s.client.Stream(s.name(sessionID))
	if err != nil {
		return nil, err
	}
	sink, err := str.NewSink(ctx, "reader-"+uuid.NewString(), streamopts.WithSinkStartAtOldest())
	if err != nil {
		return nil, fmt.Errorf("open pulse reader: %w", err)
	}
	return &Reader{sink: sink, events: sink.Subscribe()}, nil
}

// Next returns the next event. It returns io.EOF once the end-of-stream entry
// is read or the underlying sink closes.
func (r *Reader) Next(ctx context.Context) (stream.Event, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-r.events:
			if !ok {
				return nil, io.EOF
			}
			if err := r.sink.Ack(ctx, ev); err != nil {
				return nil, fmt.Errorf("ack pulse entry %s: %w", ev.ID, err)
			}
			if ev.EventName == EndOfStream {
				return nil, io.EOF
			}
			var env stream.Envelope
			if err := json.Unmarshal(ev.Payload, &env); err != nil {
				return nil, fmt.Errorf("decode pulse entry %s: %w", ev.ID, err)
			}
			return env.Event, nil
		}
	}
}

// Close releases the consumer group.
func (r *Reader) Close(ctx context.Context) {
	r.closeOnce.Do(func() { r.sink.Close(ctx) })
}
