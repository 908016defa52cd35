// Package pulse publishes session event streams to goa.design/pulse (Redis
// streams) and reads them back, so pull subscribers in other processes can
// follow an execution.
//
// Each session maps to the stream "session/<id>". Entries are named after the
// event type and carry a stream.Envelope as JSON. Closing a Sink appends an
// end-of-stream entry that readers report as io.EOF and retires the stream.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/agentexec/features/stream/pulse/clients/pulse"
	"goa.design/agentexec/runtime/agent/stream"
)

// EndOfStream names the entry appended when a session stream is closed.
const EndOfStream = "end_of_stream"

type (
	// Options configures sinks and sources.
	Options struct {
		// Client is the Pulse client. Required.
		Client pulse.Client
		// StreamName maps a session ID to a stream name. Defaults to
		// "session/<id>".
		StreamName func(sessionID string) string
	}

	// Sink publishes the events of one session. Safe for concurrent use.
	Sink struct {
		sessionID string
		stream    pulse.Stream
	}
)

// StreamName is the default session stream name.
func StreamName(sessionID string) string {
	return fmt.Sprintf("session/%s", sessionID)
}

// NewSink opens the stream of sessionID for publishing.
func NewSink(opts Options, sessionID string) (*Sink, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	name := StreamName
	if opts.StreamName != nil {
		name = opts.StreamName
	}
	str, err := opts.Client.Stream(name(sessionID))
	if err != nil {
		return nil, err
	}
	return &Sink{sessionID: sessionID, stream: str}, nil
}

// Send appends ev to the session stream.
func (s *Sink) Send(ctx context.Context, ev stream.Event) error {
	payload, err := json.Marshal(stream.Envelope{SessionID: s.sessionID, Event: ev})
	if err != nil {
		return fmt.Errorf("encode pulse entry: %w", err)
	}
	if _, err := s.stream.Add(ctx, string(ev.Type()), payload); err != nil {
		return err
	}
	return nil
}

// Close appends the end-of-stream entry and retires the stream so it expires
// after the client retention.
func (s *Sink) Close(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{"session_id": s.sessionID})
	if err != nil {
		return err
	}
	if _, err := s.stream.Add(ctx, EndOfStream, payload); err != nil {
		return err
	}
	return s.stream.Retire(ctx)
}
