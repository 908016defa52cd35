// Package scripted provides a loop.Engine that replays canned steps. It is
// used by tests and by local development runs that need a deterministic
// reasoning loop without a model provider.
package scripted

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"goa.design/agentexec/runtime/agent/checkpoint"
	"goa.design/agentexec/runtime/agent/loop"
)

type (
	// Script is the outcome of one Run.
	Script struct {
		// Steps are yielded in order.
		Steps []loop.Step
		// Err, when set, is returned after the last step instead of io.EOF.
		Err error
		// Delay is slept before each step.
		Delay time.Duration
	}

	// Call records one Run invocation.
	Call struct {
		Input     loop.Input
		ResumeKey string
		// Resumed is true when a checkpoint existed for ResumeKey.
		Resumed bool
	}

	// Engine replays scripts. Successive Runs consume scripts in order and
	// the last script repeats. When a checkpoint store is configured the
	// engine restores and commits a small state blob per resume key, like a
	// real stateful loop would.
	Engine struct {
		mu          sync.Mutex
		scripts     []Script
		next        int
		calls       []Call
		checkpoints checkpoint.Store
	}

	state struct {
		Turns int `json:"turns"`
	}

	scriptStream struct {
		ctx    context.Context
		engine *Engine
		script Script
		key    string
		st     state
		pos    int
		closed bool
	}
)

// New returns an engine replaying scripts.
func New(scripts ...Script) *Engine {
	if len(scripts) == 0 {
		scripts = []Script{{}}
	}
	return &Engine{scripts: scripts}
}

// Answer returns a script that thinks and then answers with text.
func Answer(text string) Script {
	return Script{Steps: []loop.Step{
		loop.Fragment{Text: "<thinking>working on it</thinking>"},
		loop.Fragment{Text: "<answer>" + text + "</answer>"},
	}}
}

// WithCheckpoints makes the engine checkpoint its progress in store.
func (e *Engine) WithCheckpoints(store checkpoint.Store) *Engine {
	e.checkpoints = store
	return e
}

// Run implements loop.Engine.
func (e *Engine) Run(ctx context.Context, in loop.Input, resumeKey string) (loop.Stream, error) {
	var st state
	resumed := false
	if e.checkpoints != nil {
		blob, err := e.checkpoints.Get(ctx, resumeKey)
		switch {
		case err == nil:
			resumed = true
			if err := json.Unmarshal(blob, &st); err != nil {
				return nil, fmt.Errorf("decode scripted checkpoint: %w", err)
			}
		case errors.Is(err, checkpoint.ErrNotFound):
		default:
			return nil, loop.Infrastructure(fmt.Errorf("load checkpoint: %w", err))
		}
	}

	e.mu.Lock()
	sc := e.scripts[min(e.next, len(e.scripts)-1)]
	e.next++
	e.calls = append(e.calls, Call{Input: in, ResumeKey: resumeKey, Resumed: resumed})
	e.mu.Unlock()

	return &scriptStream{ctx: ctx, engine: e, script: sc, key: resumeKey, st: st}, nil
}

// Calls returns the recorded invocations.
func (e *Engine) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Call(nil), e.calls...)
}

func (s *scriptStream) Recv() (loop.Step, error) {
	if s.closed {
		return nil, io.EOF
	}
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos < len(s.script.Steps) {
		if s.script.Delay > 0 {
			select {
			case <-time.After(s.script.Delay):
			case <-s.ctx.Done():
				return nil, s.ctx.Err()
			}
		}
		step := s.script.Steps[s.pos]
		s.pos++
		return step, nil
	}
	if s.script.Err != nil {
		return nil, s.script.Err
	}
	s.closed = true
	if s.engine.checkpoints != nil {
		s.st.Turns++
		blob, err := json.Marshal(s.st)
		if err != nil {
			return nil, err
		}
		if err := s.engine.checkpoints.Put(s.ctx, s.key, blob); err != nil {
			return nil, loop.Infrastructure(fmt.Errorf("commit checkpoint: %w", err))
		}
	}
	return nil, io.EOF
}

func (s *scriptStream) Close() error {
	s.closed = true
	return nil
}
