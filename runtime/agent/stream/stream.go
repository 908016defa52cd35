// Package stream defines the typed events an execution emits and the Sink
// contract transports implement to deliver them.
//
// Event is a closed sum type: the unexported marker method prevents types
// outside this package from implementing it, so a type switch over the seven
// concrete types below is exhaustive. Every event marshals to a flat JSON
// object whose "type" field names the variant; Decode reverses the encoding.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/agentexec/runtime/agent/task"
)

type (
	// Event is one item of an execution stream.
	Event interface {
		// Type returns the wire discriminator.
		Type() EventType
		isEvent()
	}

	// Sink delivers events over a transport (HTTP callback, Pulse, SSE).
	// Send may be called from a single goroutine per sink; Close flushes and
	// releases transport resources.
	Sink interface {
		Send(ctx context.Context, ev Event) error
		Close(ctx context.Context) error
	}

	// EventType discriminates events on the wire.
	EventType string

	// Token is a classified answer segment.
	Token struct {
		Content string `json:"content"`
	}

	// Thinking is a classified reasoning segment.
	Thinking struct {
		Content string `json:"content"`
	}

	// ToolStart reports a tool invocation starting.
	ToolStart struct {
		CallID string `json:"call_id"`
		Name   string `json:"name"`
		// Input is the JSON encoded tool input.
		Input json.RawMessage `json:"input,omitempty"`
		// Query is the query text issued by query tools.
		Query string `json:"query,omitempty"`
	}

	// ToolEnd reports a tool invocation finishing.
	ToolEnd struct {
		CallID string `json:"call_id"`
		Name   string `json:"name"`
		// Output is the JSON encoded tool result.
		Output     json.RawMessage `json:"output,omitempty"`
		Error      string          `json:"error,omitempty"`
		DurationMS int64           `json:"duration_ms"`
	}

	// TodoUpdate carries the reasoning loop's current plan.
	TodoUpdate struct {
		Items []TodoItem `json:"items"`
	}

	// TodoItem is one plan entry.
	TodoItem struct {
		Content string `json:"content"`
		Status  string `json:"status"`
	}

	// Error reports a content-level execution failure.
	Error struct {
		Message string `json:"message"`
		Code    string `json:"code,omitempty"`
	}

	// Done terminates a successful stream.
	Done struct {
		Result *task.Result `json:"result"`
	}
)

const (
	EventToken      EventType = "token"
	EventThinking   EventType = "thinking"
	EventToolStart  EventType = "tool_start"
	EventToolEnd    EventType = "tool_end"
	EventTodoUpdate EventType = "todo_update"
	EventError      EventType = "error"
	EventDone       EventType = "done"
)

// Error codes carried by Error events.
const (
	CodeLoopFailed     = "loop_failed"
	CodeStepBudget     = "step_budget_exhausted"
	CodeCanceled       = "canceled"
	CodeInvalidRequest = "invalid_request"
	// CodeInfrastructure ends an attempt that failed on a backing store or
	// the loop runtime. The attempt may be retried.
	CodeInfrastructure = "infrastructure"
)

// ErrUnknownType is returned by Decode for an unrecognized discriminator.
var ErrUnknownType = errors.New("unknown stream event type")

func (Token) Type() EventType      { return EventToken }
func (Thinking) Type() EventType   { return EventThinking }
func (ToolStart) Type() EventType  { return EventToolStart }
func (ToolEnd) Type() EventType    { return EventToolEnd }
func (TodoUpdate) Type() EventType { return EventTodoUpdate }
func (Error) Type() EventType      { return EventError }
func (Done) Type() EventType       { return EventDone }

func (Token) isEvent()      {}
func (Thinking) isEvent()   {}
func (ToolStart) isEvent()  {}
func (ToolEnd) isEvent()    {}
func (TodoUpdate) isEvent() {}
func (Error) isEvent()      {}
func (Done) isEvent()       {}

func (e Token) MarshalJSON() ([]byte, error) {
	type alias Token
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Thinking) MarshalJSON() ([]byte, error) {
	type alias Thinking
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e ToolStart) MarshalJSON() ([]byte, error) {
	type alias ToolStart
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e ToolEnd) MarshalJSON() ([]byte, error) {
	type alias ToolEnd
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e TodoUpdate) MarshalJSON() ([]byte, error) {
	type alias TodoUpdate
	if e.Items == nil {
		e.Items = []TodoItem{}
	}
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Error) MarshalJSON() ([]byte, error) {
	type alias Error
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

func (e Done) MarshalJSON() ([]byte, error) {
	type alias Done
	return json.Marshal(struct {
		Type EventType `json:"type"`
		alias
	}{e.Type(), alias(e)})
}

// Marshal encodes ev as a flat JSON object.
func Marshal(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("stream: nil event")
	}
	return json.Marshal(ev)
}

// Decode parses a JSON object produced by Marshal.
func Decode(data []byte) (Event, error) {
	var head struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}
	var (
		ev  Event
		err error
	)
	switch head.Type {
	case EventToken:
		var e Token
		err = json.Unmarshal(data, &e)
		ev = e
	case EventThinking:
		var e Thinking
		err = json.Unmarshal(data, &e)
		ev = e
	case EventToolStart:
		var e ToolStart
		err = json.Unmarshal(data, &e)
		ev = e
	case EventToolEnd:
		var e ToolEnd
		err = json.Unmarshal(data, &e)
		ev = e
	case EventTodoUpdate:
		var e TodoUpdate
		err = json.Unmarshal(data, &e)
		ev = e
	case EventError:
		var e Error
		err = json.Unmarshal(data, &e)
		ev = e
	case EventDone:
		var e Done
		err = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", head.Type, err)
	}
	return ev, nil
}
