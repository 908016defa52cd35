package mongo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	clientsmongo "goa.design/agentexec/features/memory/mongo/clients/mongo"
	"goa.design/agentexec/runtime/agent/memory"
)

type stored struct {
	subject, session string
	block            memory.Block
}

type stubClient struct {
	clientsmongo.Client
	blocks []stored
}

func (c *stubClient) InsertBlock(_ context.Context, subjectID, sessionID string, b memory.Block) error {
	c.blocks = append(c.blocks, stored{subjectID, sessionID, b})
	return nil
}

func (c *stubClient) ListBlocks(_ context.Context, q clientsmongo.Query) ([]memory.Block, error) {
	var out []memory.Block
	for _, s := range c.blocks {
		if q.SubjectID != "" && s.subject != q.SubjectID {
			continue
		}
		if q.SessionID != "" && s.session != q.SessionID {
			continue
		}
		if q.Scope != "" && s.block.Scope != q.Scope {
			continue
		}
		out = append(out, s.block)
	}
	return out, nil
}

func (c *stubClient) DeleteSessionBlocks(_ context.Context, sessionID string) (int64, error) {
	kept := c.blocks[:0]
	var n int64
	for _, s := range c.blocks {
		if s.session == sessionID && s.block.Scope == memory.ScopeSession {
			n++
			continue
		}
		kept = append(kept, s)
	}
	c.blocks = kept
	return n, nil
}

func TestNewProviderRequiresClient(t *testing.T) {
	_, err := NewProvider(nil)
	require.EqualError(t, err, "client is required")
}

func TestFetchOrdersSubjectBlocksFirst(t *testing.T) {
	c := &stubClient{}
	p, err := NewProvider(c)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, p.Capture(ctx, "db1", "s1", "User: hi\nAssistant: hello"))
	require.NoError(t, p.Remember(ctx, "db1", "s1", memory.Block{Namespace: "glossary", Scope: memory.ScopeSubject, Content: "g"}))

	blocks, err := p.FetchBlocks(ctx, "db1", "s1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, "glossary", blocks[0].Namespace)
	require.Equal(t, memory.TranscriptNamespace, blocks[1].Namespace)

	blocks, err = p.FetchBlocks(ctx, "db1", "")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, "", c.blocks[1].session)
}

func TestRememberValidates(t *testing.T) {
	p, err := NewProvider(&stubClient{})
	require.NoError(t, err)
	err = p.Remember(context.Background(), "db1", "", memory.Block{Namespace: "n", Scope: memory.ScopeSession})
	require.ErrorIs(t, err, memory.ErrSessionRequired)
}

func TestDeleteSession(t *testing.T) {
	c := &stubClient{}
	p, err := NewProvider(c)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, p.Capture(ctx, "db1", "s1", "t"))
	require.NoError(t, p.Remember(ctx, "db1", "s1", memory.Block{Namespace: "glossary", Scope: memory.ScopeSubject, Content: "g"}))
	require.NoError(t, p.DeleteSession(ctx, "s1"))
	blocks, err := p.FetchBlocks(ctx, "db1", "s1")
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.ErrorIs(t, p.DeleteSession(ctx, ""), memory.ErrSessionRequired)
}
