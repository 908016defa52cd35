package relay

import (
	"context"
	"errors"
	"sync"
)

type (
	// Registry tracks the live relay of each session so pull subscribers can
	// attach to an execution started elsewhere in the process. A Registry is
	// owned by the process (or test fixture) that creates it and must be
	// closed by it.
	Registry struct {
		mu      sync.Mutex
		relays  map[string]*Relay
		waiters map[string][]chan *Relay
		closed  bool
	}
)

var (
	// ErrSessionBusy is returned by Open when the session already has a
	// live relay.
	ErrSessionBusy = errors.New("session already has a live execution")
	// ErrRegistryClosed is returned once the registry is closed.
	ErrRegistryClosed = errors.New("relay registry closed")
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		relays:  make(map[string]*Relay),
		waiters: make(map[string][]chan *Relay),
	}
}

// Open creates and registers the relay of sessionID.
func (g *Registry) Open(sessionID string) (*Relay, error) {
	r := New()
	if err := g.Attach(sessionID, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Attach registers an existing relay as the live relay of sessionID.
func (g *Registry) Attach(sessionID string, r *Relay) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrRegistryClosed
	}
	if _, ok := g.relays[sessionID]; ok {
		return ErrSessionBusy
	}
	g.relays[sessionID] = r
	for _, w := range g.waiters[sessionID] {
		w <- r
	}
	delete(g.waiters, sessionID)
	return nil
}

// Lookup returns the live relay of sessionID.
func (g *Registry) Lookup(sessionID string) (*Relay, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.relays[sessionID]
	return r, ok
}

// Subscribe subscribes to the live relay of sessionID, waiting for one to be
// opened until ctx is done.
func (g *Registry) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil, ErrRegistryClosed
	}
	if r, ok := g.relays[sessionID]; ok {
		g.mu.Unlock()
		return r.Subscribe(), nil
	}
	w := make(chan *Relay, 1)
	g.waiters[sessionID] = append(g.waiters[sessionID], w)
	g.mu.Unlock()

	select {
	case r, ok := <-w:
		if !ok {
			return nil, ErrRegistryClosed
		}
		return r.Subscribe(), nil
	case <-ctx.Done():
		g.dropWaiter(sessionID, w)
		return nil, ctx.Err()
	}
}

// Release closes r and removes it when it is still the live relay of
// sessionID.
func (g *Registry) Release(sessionID string, r *Relay) {
	r.Close()
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.relays[sessionID]; ok && cur == r {
		delete(g.relays, sessionID)
	}
}

// Len returns the number of live relays.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.relays)
}

// Close closes every live relay and fails pending subscribers.
func (g *Registry) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for _, r := range g.relays {
		r.Close()
	}
	for _, ws := range g.waiters {
		for _, w := range ws {
			close(w)
		}
	}
	g.relays = nil
	g.waiters = nil
}

func (g *Registry) dropWaiter(sessionID string, w chan *Relay) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ws := g.waiters[sessionID]
	for i, x := range ws {
		if x == w {
			g.waiters[sessionID] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(g.waiters[sessionID]) == 0 {
		delete(g.waiters, sessionID)
	}
}
