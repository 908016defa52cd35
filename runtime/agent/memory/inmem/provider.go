// Package inmem provides an in-memory memory.Provider.
package inmem

import (
	"context"
	"sync"

	"goa.design/agentexec/runtime/agent/memory"
)

type (
	// Provider is an in-memory memory.Provider safe for concurrent use.
	Provider struct {
		mu      sync.RWMutex
		subject map[string][]memory.Block
		session map[string][]memory.Block
	}
)

// New returns an empty Provider.
func New() *Provider {
	return &Provider{
		subject: make(map[string][]memory.Block),
		session: make(map[string][]memory.Block),
	}
}

// FetchBlocks implements memory.Provider.
func (p *Provider) FetchBlocks(_ context.Context, subjectID, sessionID string) ([]memory.Block, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := append([]memory.Block(nil), p.subject[subjectID]...)
	if sessionID != "" {
		out = append(out, p.session[sessionID]...)
	}
	return out, nil
}

// Capture implements memory.Provider. Transcripts are kept as session-scoped
// blocks.
func (p *Provider) Capture(ctx context.Context, subjectID, sessionID, transcript string) error {
	return p.Remember(ctx, subjectID, sessionID, memory.Block{
		Namespace: memory.TranscriptNamespace,
		Scope:     memory.ScopeSession,
		Content:   transcript,
	})
}

// Remember implements memory.Provider.
func (p *Provider) Remember(_ context.Context, subjectID, sessionID string, b memory.Block) error {
	if err := memory.Validate(sessionID, b); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.Scope == memory.ScopeSubject {
		p.subject[subjectID] = append(p.subject[subjectID], b)
		return nil
	}
	p.session[sessionID] = append(p.session[sessionID], b)
	return nil
}

// DeleteSession implements memory.Provider.
func (p *Provider) DeleteSession(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.session, sessionID)
	return nil
}
