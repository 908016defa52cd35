// Package openai implements model.Client on the OpenAI Chat Completions
// streaming API using github.com/openai/openai-go. OpenAI does not stream
// reasoning content, so the adapter only produces text, usage and stop
// chunks.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/agentexec/runtime/agent/model"
)

type (
	// ChatClient is the subset of the SDK chat completion service the adapter
	// uses. *sdk.ChatCompletionService satisfies it.
	ChatClient interface {
		NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
	}

	// Options configures the adapter.
	Options struct {
		Client       ChatClient
		DefaultModel string
		MaxTokens    int
	}

	// Client implements model.Client.
	Client struct {
		chat ChatClient
		opts Options
	}

	streamer struct {
		stream *ssestream.Stream[sdk.ChatCompletionChunk]
		// pending holds chunks decoded from one SDK event but not yet returned.
		pending []model.Chunk
		stop    model.StopReason
		done    bool
	}
)

var _ model.Client = (*Client)(nil)

// New returns a Client.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, opts: opts}, nil
}

// NewFromAPIKey returns a Client using the SDK HTTP client.
func NewFromAPIKey(apiKey, defaultModel string, opts ...option.RequestOption) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	c := sdk.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return New(Options{Client: &c.Chat.Completions, DefaultModel: defaultModel})
}

// Stream implements model.Client. Thinking options are ignored.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}
	s := c.chat.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		return nil, providerError(err)
	}
	return &streamer{stream: s}, nil
}

func (c *Client) params(req model.Request) (sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.ChatCompletionNewParams{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.opts.DefaultModel
	}
	msgs := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, sdk.UserMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, sdk.AssistantMessage(m.Content))
		default:
			return sdk.ChatCompletionNewParams{}, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	params := sdk.ChatCompletionNewParams{
		Model:         sdk.ChatModel(modelID),
		Messages:      msgs,
		StreamOptions: sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)},
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	if maxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(maxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	return params, nil
}

func (s *streamer) Recv() (model.Chunk, error) {
	for len(s.pending) == 0 {
		if s.done {
			return model.Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return model.Chunk{}, providerError(err)
			}
			if s.stop != "" {
				s.pending = append(s.pending, model.Chunk{Type: model.ChunkStop, StopReason: s.stop})
			}
			continue
		}
		s.translate(s.stream.Current())
	}
	ch := s.pending[0]
	s.pending = s.pending[1:]
	return ch, nil
}

func (s *streamer) Close() error {
	return s.stream.Close()
}

// translate queues the chunks of one SDK event. The stop chunk is held back
// until the stream ends so the trailing usage event precedes it.
func (s *streamer) translate(ev sdk.ChatCompletionChunk) {
	for _, choice := range ev.Choices {
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, model.Chunk{Type: model.ChunkText, Text: choice.Delta.Content})
		}
		if choice.FinishReason != "" {
			s.stop = stopReason(choice.FinishReason)
		}
	}
	if u := ev.Usage; u.PromptTokens > 0 || u.CompletionTokens > 0 {
		s.pending = append(s.pending, model.Chunk{Type: model.ChunkUsage, Usage: &model.TokenUsage{
			InputTokens:  int(u.PromptTokens),
			OutputTokens: int(u.CompletionTokens),
		}})
	}
}

func stopReason(r string) model.StopReason {
	switch r {
	case "stop":
		return model.StopEndTurn
	case "length":
		return model.StopMaxTokens
	case "content_filter":
		return model.StopRefusal
	default:
		return model.StopOther
	}
}

func providerError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := model.KindForStatus(apiErr.StatusCode)
		return &model.ProviderError{
			Provider:  "openai",
			Operation: "chat.completions.stream",
			Status:    apiErr.StatusCode,
			Kind:      kind,
			Message:   apiErr.Message,
			Retryable: kind == model.KindRateLimited || kind == model.KindUnavailable,
			Err:       err,
		}
	}
	return fmt.Errorf("openai chat.completions.stream: %w", err)
}
