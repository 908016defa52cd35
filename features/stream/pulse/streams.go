package pulse

import (
	"context"

	"goa.design/agentexec/runtime/agent/stream"
)

// Streams bundles the publishing and reading sides over one Pulse client.
type Streams struct {
	opts   Options
	source *Source
}

// NewStreams returns a Streams.
func NewStreams(opts Options) (*Streams, error) {
	src, err := NewSource(opts)
	if err != nil {
		return nil, err
	}
	return &Streams{opts: opts, source: src}, nil
}

// Sink opens a publishing sink for sessionID. Its signature matches the
// controller sink factory.
func (s *Streams) Sink(_ context.Context, sessionID string) (stream.Sink, error) {
	return NewSink(s.opts, sessionID)
}

// Source returns the reading side.
func (s *Streams) Source() *Source { return s.source }

// Destroy deletes the stream of sessionID.
func (s *Streams) Destroy(ctx context.Context, sessionID string) error {
	name := StreamName
	if s.opts.StreamName != nil {
		name = s.opts.StreamName
	}
	str, err := s.opts.Client.Stream(name(sessionID))
	if err != nil {
		return err
	}
	return str.Destroy(ctx)
}
