// Package llm implements loop.Engine on a streaming model.Client.
//
// Each turn appends the prompt to the session transcript checkpointed under
// the resume key, calls the model, and yields its output as fragments.
// Provider reasoning is wrapped in <thinking> markers; the system prompt asks
// the model to wrap its final answer in <answer> markers. A completion cut off
// by the token cap is continued in a further model call, each call counting
// as one step against the step budget. The transcript is committed only when
// the turn completes.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"goa.design/agentexec/runtime/agent/checkpoint"
	"goa.design/agentexec/runtime/agent/loop"
	"goa.design/agentexec/runtime/agent/memory"
	"goa.design/agentexec/runtime/agent/model"
	"goa.design/agentexec/runtime/agent/telemetry"
)

// DefaultSystemPrompt instructs the model to mark its final answer.
const DefaultSystemPrompt = "You are a data analysis agent. Reason step by step, then give the final " +
	"answer to the user wrapped in <answer></answer> tags. Text outside the tags is treated as reasoning."

const continuePrompt = "Continue exactly where you stopped."

type (
	// Options configures the engine.
	Options struct {
		// Client is the model client. Required.
		Client model.Client
		// Checkpoints stores transcripts. Required.
		Checkpoints checkpoint.Store
		// Model overrides the client default model.
		Model string
		// System is the base system prompt. Defaults to DefaultSystemPrompt.
		System    string
		MaxTokens int
		// Thinking enables provider reasoning output.
		Thinking *model.ThinkingOptions
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
	}

	// Engine is a model-backed loop.Engine.
	Engine struct {
		opts Options
	}

	turn struct {
		ctx    context.Context
		e      *Engine
		key    string
		system string
		tr     *model.Transcript
		budget int
		steps  int

		cur      model.Streamer
		stop     model.StopReason
		reply    strings.Builder
		thinking bool
		pending  []loop.Step
		done     bool
		closed   bool
	}
)

var _ loop.Engine = (*Engine)(nil)

// New returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("model client is required")
	}
	if opts.Checkpoints == nil {
		return nil, errors.New("checkpoint store is required")
	}
	if opts.System == "" {
		opts.System = DefaultSystemPrompt
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{opts: opts}, nil
}

// Run implements loop.Engine.
func (e *Engine) Run(ctx context.Context, in loop.Input, resumeKey string) (loop.Stream, error) {
	if resumeKey == "" {
		return nil, errors.New("resume key is required")
	}
	tr := &model.Transcript{}
	blob, err := e.opts.Checkpoints.Get(ctx, resumeKey)
	switch {
	case err == nil:
		if tr, err = model.DecodeTranscript(blob); err != nil {
			return nil, err
		}
	case errors.Is(err, checkpoint.ErrNotFound):
	default:
		return nil, loop.Infrastructure(fmt.Errorf("load transcript: %w", err))
	}
	tr.Append(model.RoleUser, in.Prompt)
	e.opts.Logger.Debug(ctx, "llm turn starting", "session_id", in.SessionID,
		"history", len(tr.Messages)-1, "budget", in.StepBudget)
	return &turn{
		ctx:    ctx,
		e:      e,
		key:    resumeKey,
		system: systemPrompt(e.opts.System, in),
		tr:     tr,
		budget: in.StepBudget,
	}, nil
}

func (t *turn) Recv() (loop.Step, error) {
	for {
		if t.closed {
			return nil, io.EOF
		}
		if len(t.pending) > 0 {
			s := t.pending[0]
			t.pending = t.pending[1:]
			return s, nil
		}
		if t.done {
			t.closed = true
			if err := t.commit(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		if t.cur == nil {
			if err := t.call(); err != nil {
				return nil, err
			}
		}
		if err := t.next(); err != nil {
			return nil, err
		}
	}
}

func (t *turn) Close() error {
	t.closed = true
	if t.cur != nil {
		err := t.cur.Close()
		t.cur = nil
		return err
	}
	return nil
}

// call starts the next model call, enforcing the step budget.
func (t *turn) call() error {
	if t.budget > 0 && t.steps >= t.budget {
		return &loop.BudgetError{Budget: t.budget}
	}
	req := model.Request{
		Model:     t.e.opts.Model,
		System:    t.system,
		Messages:  t.tr.Messages,
		MaxTokens: t.e.opts.MaxTokens,
		Thinking:  t.e.opts.Thinking,
	}
	s, err := t.e.opts.Client.Stream(t.ctx, req)
	if err != nil {
		return fmt.Errorf("model call: %w", err)
	}
	t.steps++
	t.tr.Steps++
	t.e.opts.Metrics.IncCounter("agentexec.llm.calls", 1)
	t.cur, t.stop = s, ""
	return nil
}

// next reads one chunk from the current call and queues the steps it
// produces.
func (t *turn) next() error {
	ch, err := t.cur.Recv()
	if errors.Is(err, io.EOF) {
		_ = t.cur.Close()
		t.cur = nil
		return t.finishCall()
	}
	if err != nil {
		if cerr := t.ctx.Err(); cerr != nil {
			return cerr
		}
		return fmt.Errorf("model stream: %w", err)
	}
	switch ch.Type {
	case model.ChunkThinking:
		text := ch.Text
		if !t.thinking {
			text = "<thinking>" + text
			t.thinking = true
		}
		t.pending = append(t.pending, loop.Fragment{Text: text})
	case model.ChunkText:
		text := ch.Text
		if t.thinking {
			text = "</thinking>" + text
			t.thinking = false
		}
		t.reply.WriteString(ch.Text)
		t.pending = append(t.pending, loop.Fragment{Text: text})
	case model.ChunkStop:
		t.stop = ch.StopReason
	case model.ChunkUsage:
		if ch.Usage != nil {
			t.e.opts.Metrics.IncCounter("agentexec.llm.output_tokens", float64(ch.Usage.OutputTokens))
		}
	}
	return nil
}

func (t *turn) finishCall() error {
	if t.thinking {
		t.pending = append(t.pending, loop.Fragment{Text: "</thinking>"})
		t.thinking = false
	}
	if t.reply.Len() > 0 {
		t.tr.Append(model.RoleAssistant, t.reply.String())
		t.reply.Reset()
	}
	if t.stop == model.StopMaxTokens {
		t.tr.Append(model.RoleUser, continuePrompt)
		return nil
	}
	t.done = true
	return nil
}

func (t *turn) commit() error {
	blob, err := t.tr.Encode()
	if err != nil {
		return err
	}
	if err := t.e.opts.Checkpoints.Put(t.ctx, t.key, blob); err != nil {
		return loop.Infrastructure(fmt.Errorf("commit transcript: %w", err))
	}
	return nil
}

func systemPrompt(base string, in loop.Input) string {
	var b strings.Builder
	b.WriteString(base)
	if in.Mode != "" {
		fmt.Fprintf(&b, "\n\nMode: %s.", in.Mode)
	}
	if in.SubjectID != "" {
		fmt.Fprintf(&b, "\nSubject: %s.", in.SubjectID)
	}
	if len(in.Memory) > 0 {
		b.WriteString("\n\n")
		b.WriteString(memory.Render(in.Memory))
	}
	return b.String()
}
