package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"goa.design/agentexec/runtime/agent/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	stream     *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.Error(t, err)
	_, err = New(&stubMessagesClient{}, Options{})
	require.Error(t, err)
	_, err = NewFromAPIKey("", Options{DefaultModel: "m"})
	require.Error(t, err)
}

func TestStreamBuildsParams(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-default", MaxTokens: 4096, ThinkingBudget: 2048})
	require.NoError(t, err)

	s, err := cl.Stream(context.Background(), model.Request{
		System:      "be brief",
		Temperature: 0.5,
		Thinking:    &model.ThinkingOptions{},
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "count rows"},
			{Role: model.RoleAssistant, Content: "partial"},
			{Role: model.RoleUser, Content: ""},
		},
	})
	require.NoError(t, err)
	defer s.Close()

	p := stub.lastParams
	require.Equal(t, sdk.Model("claude-default"), p.Model)
	require.EqualValues(t, 4096, p.MaxTokens)
	require.Len(t, p.Messages, 2)
	require.Equal(t, sdk.MessageParamRoleUser, p.Messages[0].Role)
	require.Equal(t, sdk.MessageParamRoleAssistant, p.Messages[1].Role)
	require.Len(t, p.System, 1)
	require.Equal(t, "be brief", p.System[0].Text)
	require.NotNil(t, p.Thinking.OfEnabled)
	require.EqualValues(t, 2048, p.Thinking.OfEnabled.BudgetTokens)

	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestStreamRejectsInvalidRequests(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "m"})
	require.NoError(t, err)
	ctx := context.Background()
	user := []model.Message{{Role: model.RoleUser, Content: "q"}}

	_, err = cl.Stream(ctx, model.Request{})
	require.ErrorContains(t, err, "messages are required")
	_, err = cl.Stream(ctx, model.Request{Messages: user})
	require.ErrorContains(t, err, "max_tokens")
	_, err = cl.Stream(ctx, model.Request{Messages: user, MaxTokens: 2000, Thinking: &model.ThinkingOptions{BudgetTokens: 100}})
	require.ErrorContains(t, err, ">= 1024")
	_, err = cl.Stream(ctx, model.Request{Messages: user, MaxTokens: 2000, Thinking: &model.ThinkingOptions{BudgetTokens: 4000}})
	require.ErrorContains(t, err, "less than max_tokens")
	_, err = cl.Stream(ctx, model.Request{Messages: []model.Message{{Role: "system", Content: "x"}}, MaxTokens: 10})
	require.ErrorContains(t, err, "unsupported message role")
}

func TestStreamMapsRateLimits(t *testing.T) {
	stub := &stubMessagesClient{
		stream: ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, &sdk.Error{StatusCode: 429}),
	}
	cl, err := New(stub, Options{DefaultModel: "m", MaxTokens: 10})
	require.NoError(t, err)
	_, err = cl.Stream(context.Background(), model.Request{Messages: []model.Message{{Role: model.RoleUser, Content: "q"}}})
	require.True(t, errors.Is(err, model.ErrRateLimited))
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	require.True(t, pe.Retryable)
	require.Equal(t, 429, pe.Status)
}
