// Package bedrock implements model.Client on the AWS Bedrock ConverseStream
// API. Reasoning content streamed by the model is surfaced as thinking
// chunks.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/agentexec/runtime/agent/model"
	"goa.design/agentexec/runtime/agent/telemetry"
)

const (
	defaultThinkingBudget = 16384
	providerName          = "bedrock"
)

type (
	// RuntimeClient is the subset of *bedrockruntime.Client the adapter uses.
	RuntimeClient interface {
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		// Runtime is the Bedrock runtime client. Required.
		Runtime RuntimeClient
		// DefaultModel is used when a request names no model. Required.
		DefaultModel string
		// MaxTokens is used when a request sets none. Zero lets Bedrock
		// decide.
		MaxTokens int
		// ThinkingBudget is used when a request enables thinking without a
		// budget.
		ThinkingBudget int
		Logger         telemetry.Logger
	}

	// Client implements model.Client.
	Client struct {
		runtime RuntimeClient
		opts    Options
		logger  telemetry.Logger
	}
)

var _ model.Client = (*Client)(nil)

// New returns a Client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if opts.ThinkingBudget <= 0 {
		opts.ThinkingBudget = defaultThinkingBudget
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{runtime: opts.Runtime, opts: opts, logger: logger}, nil
}

// Stream implements model.Client.
func (c *Client) Stream(ctx context.Context, req model.Request) (model.Streamer, error) {
	input, err := c.input(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, wrapError("converse_stream", err)
	}
	es := out.GetStream()
	if es == nil {
		return nil, errors.New("bedrock: converse stream returned no event stream")
	}
	return newStreamer(es), nil
}

func (c *Client) input(req model.Request) (*bedrockruntime.ConverseStreamInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.opts.DefaultModel
	}
	msgs := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Content == "" {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case model.RoleUser:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		msgs = append(msgs, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(modelID),
		Messages: msgs,
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: req.System}}
	}
	var cfg brtypes.InferenceConfiguration
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.opts.MaxTokens
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens)) //nolint:gosec
	}
	if req.Temperature > 0 {
		cfg.Temperature = aws.Float32(req.Temperature)
	}
	if cfg.MaxTokens != nil || cfg.Temperature != nil {
		input.InferenceConfig = &cfg
	}
	if req.Thinking != nil {
		budget := req.Thinking.BudgetTokens
		if budget <= 0 {
			budget = c.opts.ThinkingBudget
		}
		fields := map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": budget},
		}
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	return input, nil
}

func isRateLimited(err error) bool {
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

func wrapError(operation string, err error) error {
	pe := &model.ProviderError{Provider: providerName, Operation: operation, Kind: model.KindUnknown, Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		pe.Message = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		pe.Status = respErr.HTTPStatusCode()
		pe.Kind = model.KindForStatus(pe.Status)
	}
	if isRateLimited(err) {
		pe.Kind = model.KindRateLimited
	}
	pe.Retryable = pe.Kind == model.KindRateLimited || pe.Kind == model.KindUnavailable
	return pe
}
