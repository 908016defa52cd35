// Package anthropic implements model.Client on the Anthropic Messages
// streaming API using github.com/anthropics/anthropic-sdk-go.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/agentexec/runtime/agent/model"
)

const providerName = "anthropic"

type (
	// MessagesClient is the subset of the SDK message service the adapter
	// uses. *sdk.MessageService satisfies it.
	MessagesClient interface {
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when a request names no model. Required.
		DefaultModel string
		// MaxTokens is used when a request sets none. Required unless every
		// request sets MaxTokens.
		MaxTokens int
		// ThinkingBudget is used when a request enables thinking without a
		// budget.
		ThinkingBudget int
	}

	// Client implements model.Client.
	Client struct {
		msg  MessagesClient
		opts Options
	}
)

var _ model.Client = (*Client)(nil)

// New returns a Client using msg.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	return &Client{msg: msg, opts: opts}, nil
}

// NewFromAPIKey returns a Client using the SDK HTTP client.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	params, err := c.params(req)
	if err != nil {
		return nil, err
	}
	s := c.msg.NewStreaming(ctx, params)
	if err := s.Err(); err != nil {
		return nil, providerError(err)
	}
	return newStreamer(s), nil
}

func (c *Client) params(req model.Request) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.opts.DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	if maxTokens <= 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: max_tokens must be positive")
	}
	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case model.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	if req.Thinking != nil {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = c.opts.ThinkingBudget
		}
		if budget < 1024 {
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: thinking budget %d must be >= 1024", budget)
		}
		if budget >= maxTokens {
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(budget))
	}
	return params, nil
}

func providerError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		kind := model.KindForStatus(apiErr.StatusCode)
		return &model.ProviderError{
			Provider:  providerName,
			Operation: "messages.stream",
			Status:    apiErr.StatusCode,
			Kind:      kind,
			Retryable: kind == model.KindRateLimited || kind == model.KindUnavailable,
			Err:       err,
		}
	}
	return fmt.Errorf("anthropic messages.stream: %w", err)
}
