package sse

import (
	"context"

	"goa.design/agentexec/features/stream/pulse"
	"goa.design/agentexec/runtime/agent/relay"
	"goa.design/agentexec/runtime/agent/stream"
)

type (
	// Source opens a reader on the event stream of a session.
	Source interface {
		Open(ctx context.Context, sessionID string) (Reader, error)
	}

	// Reader yields events in order. Next returns io.EOF at end of stream.
	Reader interface {
		Next(ctx context.Context) (stream.Event, error)
		Close(ctx context.Context)
	}

	registrySource struct {
		reg *relay.Registry
	}

	subscriptionReader struct {
		sub *relay.Subscription
	}

	pulseSource struct {
		src *pulse.Source
	}
)

// RegistrySource reads live relays of this process. Open waits for the
// session's execution to start until ctx is done.
func RegistrySource(reg *relay.Registry) Source {
	return registrySource{reg: reg}
}

// PulseSource reads session streams published to Pulse, from any process.
func PulseSource(src *pulse.Source) Source {
	return pulseSource{src: src}
}

func (s registrySource) Open(ctx context.Context, sessionID string) (Reader, error) {
	sub, err := s.reg.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return subscriptionReader{sub: sub}, nil
}

func (r subscriptionReader) Next(ctx context.Context) (stream.Event, error) {
	return r.sub.Next(ctx)
}

func (r subscriptionReader) Close(context.Context) { r.sub.Close() }

func (s pulseSource) Open(ctx context.Context, sessionID string) (Reader, error) {
	r, err := s.src.Open(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r, nil
}
