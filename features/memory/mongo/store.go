package mongo

import (
	"context"
	"errors"

	clientsmongo "goa.design/agentexec/features/memory/mongo/clients/mongo"
	"goa.design/agentexec/runtime/agent/memory"
)

// Provider implements memory.Provider by delegating to the Mongo client.
type Provider struct {
	client clientsmongo.Client
}

var _ memory.Provider = (*Provider)(nil)

// NewProvider builds a Provider using the provided client.
func NewProvider(client clientsmongo.Client) (*Provider, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Provider{client: client}, nil
}

// FetchBlocks implements memory.Provider.
func (p *Provider) FetchBlocks(ctx context.Context, subjectID, sessionID string) ([]memory.Block, error) {
	out, err := p.client.ListBlocks(ctx, bySubject(subjectID))
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return out, nil
	}
	sess, err := p.client.ListBlocks(ctx, bySession(sessionID))
	if err != nil {
		return nil, err
	}
	return append(out, sess...), nil
}

// Capture implements memory.Provider.
func (p *Provider) Capture(ctx context.Context, subjectID, sessionID, transcript string) error {
	return p.Remember(ctx, subjectID, sessionID, memory.Block{
		Namespace: memory.TranscriptNamespace,
		Scope:     memory.ScopeSession,
		Content:   transcript,
	})
}

// Remember implements memory.Provider.
func (p *Provider) Remember(ctx context.Context, subjectID, sessionID string, b memory.Block) error {
	if err := memory.Validate(sessionID, b); err != nil {
		return err
	}
	if b.Scope == memory.ScopeSubject {
		sessionID = ""
	}
	return p.client.InsertBlock(ctx, subjectID, sessionID, b)
}

// DeleteSession implements memory.Provider.
func (p *Provider) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return memory.ErrSessionRequired
	}
	_, err := p.client.DeleteSessionBlocks(ctx, sessionID)
	return err
}

// Name implements health.Pinger.
func (p *Provider) Name() string { return p.client.Name() }

// Ping implements health.Pinger.
func (p *Provider) Ping(ctx context.Context) error { return p.client.Ping(ctx) }

func bySubject(subjectID string) clientsmongo.Query {
	return clientsmongo.Query{SubjectID: subjectID, Scope: memory.ScopeSubject}
}

func bySession(sessionID string) clientsmongo.Query {
	return clientsmongo.Query{SessionID: sessionID, Scope: memory.ScopeSession}
}
