// Package relay fans one execution's event stream out to independent
// subscribers.
//
// Every subscription owns an unbounded FIFO queue. Publish appends to each
// queue and returns immediately, so a slow or failing subscriber never
// blocks the publisher or any other subscriber. The cost is memory: a
// subscriber that stops reading accumulates events until it unsubscribes or
// the relay is closed.
//
// The relay carries no business logic. Ordering is preserved per
// subscription: each subscriber observes events in publish order.
package relay

import (
	"context"
	"errors"
	"io"
	"sync"

	"goa.design/agentexec/runtime/agent/stream"
)

type (
	// Relay multiplexes published events to subscriptions. It is safe for
	// concurrent use.
	Relay struct {
		mu     sync.Mutex
		subs   map[*Subscription]struct{}
		closed bool
	}

	// Subscription is a subscriber handle. Next returns queued events in
	// publish order.
	Subscription struct {
		relay  *Relay
		signal chan struct{}

		mu           sync.Mutex
		queue        []stream.Event
		ended        bool
		unsubscribed bool
	}
)

// ErrClosed is returned by Publish once the relay is closed.
var ErrClosed = errors.New("relay closed")

// New returns an open relay with no subscribers.
func New() *Relay {
	return &Relay{subs: make(map[*Subscription]struct{})}
}

// Publish appends ev to the queue of every current subscription.
func (r *Relay) Publish(ev stream.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	for s := range r.subs {
		s.push(ev)
	}
	return nil
}

// Subscribe registers a new subscription. Subscribing to a closed relay
// returns a subscription whose Next reports io.EOF.
func (r *Relay) Subscribe() *Subscription {
	s := &Subscription{relay: r, signal: make(chan struct{}, 1)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		s.ended = true
		return s
	}
	r.subs[s] = struct{}{}
	return s
}

// Unsubscribe removes s. Its pending events are dropped and Next returns
// io.EOF. Unsubscribing twice is a no-op.
func (r *Relay) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	r.mu.Lock()
	delete(r.subs, s)
	r.mu.Unlock()

	s.mu.Lock()
	s.unsubscribed = true
	s.queue = nil
	s.mu.Unlock()
	s.wake()
}

// Close ends the stream. Subscriptions drain their queued events and then
// report io.EOF. Close is idempotent.
func (r *Relay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for s := range r.subs {
		s.end()
	}
	r.subs = nil
}

// Closed reports whether Close was called.
func (r *Relay) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Subscribers returns the number of live subscriptions.
func (r *Relay) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Next blocks until an event is available and returns it. It returns io.EOF
// once the relay is closed and the queue drained, or immediately after
// Unsubscribe. It returns ctx.Err() when ctx is done first.
func (s *Subscription) Next(ctx context.Context) (stream.Event, error) {
	for {
		s.mu.Lock()
		if s.unsubscribed {
			s.mu.Unlock()
			return nil, io.EOF
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.ended {
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-s.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close unsubscribes s from its relay.
func (s *Subscription) Close() {
	s.relay.Unsubscribe(s)
}

// Pending returns the number of queued events.
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscription) push(ev stream.Event) {
	s.mu.Lock()
	if s.ended || s.unsubscribed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) end() {
	s.mu.Lock()
	s.ended = true
	s.mu.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}
