package inmem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/agentexec/runtime/agent/memory"
)

func TestFetchBlocksScopes(t *testing.T) {
	ctx := context.Background()
	p := New()
	require.NoError(t, p.Remember(ctx, "db1", "", memory.Block{Namespace: "glossary", Scope: memory.ScopeSubject, Content: "g"}))
	require.NoError(t, p.Remember(ctx, "db1", "s1", memory.Block{Namespace: "notes", Scope: memory.ScopeSession, Content: "n"}))

	subjectOnly, err := p.FetchBlocks(ctx, "db1", "")
	require.NoError(t, err)
	require.Len(t, subjectOnly, 1)
	require.Equal(t, memory.ScopeSubject, subjectOnly[0].Scope)

	both, err := p.FetchBlocks(ctx, "db1", "s1")
	require.NoError(t, err)
	require.Len(t, both, 2)
	require.Equal(t, "g", both[0].Content)
	require.Equal(t, "n", both[1].Content)

	other, err := p.FetchBlocks(ctx, "db2", "s1")
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestCaptureAndDeleteSession(t *testing.T) {
	ctx := context.Background()
	p := New()
	require.NoError(t, p.Remember(ctx, "db1", "", memory.Block{Namespace: "glossary", Scope: memory.ScopeSubject, Content: "g"}))
	require.NoError(t, p.Capture(ctx, "db1", "s1", "Q: count rows\nA: 42"))

	blocks, err := p.FetchBlocks(ctx, "db1", "s1")
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, memory.TranscriptNamespace, blocks[1].Namespace)

	require.NoError(t, p.DeleteSession(ctx, "s1"))
	blocks, err = p.FetchBlocks(ctx, "db1", "s1")
	require.NoError(t, err)
	require.Len(t, blocks, 1, "subject-scoped blocks outlive the session")
}

func TestCaptureRequiresSession(t *testing.T) {
	require.ErrorIs(t, New().Capture(context.Background(), "db1", "", "x"), memory.ErrSessionRequired)
}
