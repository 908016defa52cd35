// Package model defines the provider-agnostic streaming contract the
// model-backed reasoning loop uses. Provider adapters (Anthropic, Bedrock)
// translate Requests into SDK calls and SDK stream events into Chunks.
package model

import (
	"context"
	"errors"
)

type (
	// Client streams completions from a model provider. Implementations are
	// safe for concurrent use.
	Client interface {
		// Stream starts a completion. The returned Streamer must be closed.
		Stream(ctx context.Context, req Request) (Streamer, error)
	}

	// Streamer yields chunks until io.EOF. It is read from one goroutine.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}

	// Request is one completion call.
	Request struct {
		// Model is the provider model identifier. Empty uses the client default.
		Model string
		// System is the system prompt.
		System string
		// Messages is the conversation so far, oldest first.
		Messages []Message
		// MaxTokens caps the completion. Zero uses the client default.
		MaxTokens int
		// Temperature is the sampling temperature.
		Temperature float32
		// Thinking enables provider reasoning output. Nil disables it.
		Thinking *ThinkingOptions
	}

	// Message is one conversational turn.
	Message struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}

	// Role names the author of a Message.
	Role string

	// ThinkingOptions configures provider reasoning output.
	ThinkingOptions struct {
		// BudgetTokens caps reasoning tokens. Zero uses the client default.
		BudgetTokens int
	}

	// Chunk is one streamed item. Type selects which fields are set.
	Chunk struct {
		Type ChunkType
		// Text is set for text and thinking chunks.
		Text string
		// StopReason is set for stop chunks.
		StopReason StopReason
		// Usage is set for usage chunks.
		Usage *TokenUsage
	}

	// ChunkType discriminates chunks.
	ChunkType string

	// StopReason explains why the model stopped.
	StopReason string

	// TokenUsage reports token counts.
	TokenUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	ChunkText     ChunkType = "text"
	ChunkThinking ChunkType = "thinking"
	ChunkUsage    ChunkType = "usage"
	ChunkStop     ChunkType = "stop"
)

const (
	StopEndTurn   StopReason = "end_turn"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
	StopRefusal   StopReason = "refusal"
	StopOther     StopReason = "other"
)

// ErrRateLimited matches provider throttling errors.
var ErrRateLimited = errors.New("model: rate limited")
