// Package inmem provides an in-memory implementation of the execution engine
// for testing and development. Executions run in goroutines; retries and the
// heartbeat liveness window are enforced in-process. It is not durable and
// should not be used for production workloads.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/agentexec/runtime/agent/engine"
	"goa.design/agentexec/runtime/agent/task"
)

type (
	// Engine is the in-memory engine. Use New to create one.
	Engine struct {
		mu         sync.RWMutex
		runner     engine.Runner
		opts       engine.ActivityOptions
		statuses   map[string]engine.Status
		live       map[string]*handle
		heartbeats map[string][]string
		attempts   map[string]int
	}

	handle struct {
		id     string
		cancel context.CancelFunc
		done   chan struct{}
		result *task.Result
		err    error
	}

	// livenessError marks an attempt abandoned for missing heartbeats.
	livenessError struct {
		window time.Duration
	}
)

var _ engine.Engine = (*Engine)(nil)

// New returns a new in-memory engine.
func New() *Engine {
	return &Engine{
		statuses:   make(map[string]engine.Status),
		live:       make(map[string]*handle),
		heartbeats: make(map[string][]string),
		attempts:   make(map[string]int),
	}
}

// RegisterRunner implements engine.Engine.
func (e *Engine) RegisterRunner(_ context.Context, opts engine.ActivityOptions, fn engine.Runner) error {
	if fn == nil {
		return errors.New("runner is required")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runner != nil {
		return errors.New("runner already registered")
	}
	e.runner = fn
	e.opts = opts.WithDefaults()
	return nil
}

// StartExecution implements engine.Engine. The execution outlives ctx; use
// the handle to cancel it.
func (e *Engine) StartExecution(ctx context.Context, req engine.StartRequest) (engine.Handle, error) {
	id := req.ID
	if id == "" {
		id = engine.ExecutionID(req.Input.Task.SessionID)
	}
	if id == engine.ExecutionID("") {
		return nil, errors.New("execution id is required")
	}
	e.mu.Lock()
	if e.runner == nil {
		e.mu.Unlock()
		return nil, engine.ErrNoRunner
	}
	if _, ok := e.live[id]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", engine.ErrExecutionRunning, id)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &handle{id: id, cancel: cancel, done: make(chan struct{})}
	e.live[id] = h
	e.statuses[id] = engine.StatusRunning
	e.heartbeats[id] = nil
	e.attempts[id] = 0
	runner, opts := e.runner, e.opts
	e.mu.Unlock()

	in := req.Input
	go func() {
		defer close(h.done)
		defer cancel()
		res, err := e.execute(runCtx, id, runner, opts, &in)
		h.result, h.err = res, err
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.live, id)
		switch {
		case err == nil:
			e.statuses[id] = engine.StatusCompleted
		case errors.Is(err, context.Canceled):
			e.statuses[id] = engine.StatusCanceled
		default:
			e.statuses[id] = engine.StatusFailed
		}
	}()
	return h, nil
}

// QueryStatus implements engine.Engine.
func (e *Engine) QueryStatus(_ context.Context, executionID string) (engine.Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.statuses[executionID]
	if !ok {
		return "", engine.ErrExecutionNotFound
	}
	return st, nil
}

// Heartbeats returns the heartbeat details recorded for an execution across
// all its attempts.
func (e *Engine) Heartbeats(executionID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.heartbeats[executionID]...)
}

// Attempts returns the number of attempts made for an execution.
func (e *Engine) Attempts(executionID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attempts[executionID]
}

func (e *Engine) execute(ctx context.Context, id string, run engine.Runner, opts engine.ActivityOptions, in *engine.RunInput) (*task.Result, error) {
	policy := opts.RetryPolicy
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(policy.Backoff(attempt - 1)):
			}
		}
		e.mu.Lock()
		e.attempts[id] = attempt
		e.mu.Unlock()
		res, err := e.attempt(ctx, id, attempt, run, opts, in)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}

// attempt runs the runner once under the start-to-close timeout and the
// heartbeat liveness window.
func (e *Engine) attempt(ctx context.Context, id string, n int, run engine.Runner, opts engine.ActivityOptions, in *engine.RunInput) (*task.Result, error) {
	actx, cancel := context.WithTimeout(ctx, opts.StartToCloseTimeout)
	defer cancel()
	actx, abandon := context.WithCancelCause(actx)
	defer abandon(nil)

	beat := make(chan struct{}, 1)
	hb := engine.HeartbeatFunc(func(_ context.Context, details string) {
		e.mu.Lock()
		e.heartbeats[id] = append(e.heartbeats[id], details)
		e.mu.Unlock()
		select {
		case beat <- struct{}{}:
		default:
		}
	})
	go watch(actx, beat, opts.HeartbeatTimeout, abandon)

	actx = engine.WithAttempt(engine.WithHeartbeater(actx, hb), n)
	res, err := run(actx, in)
	if cause := context.Cause(actx); errors.Is(cause, errLiveness) {
		return nil, cause
	}
	return res, err
}

var errLiveness = errors.New("heartbeat timeout")

func (e livenessError) Error() string {
	return fmt.Sprintf("no heartbeat within %s", e.window)
}

func (e livenessError) Is(target error) bool { return target == errLiveness }

func watch(ctx context.Context, beat <-chan struct{}, window time.Duration, abandon context.CancelCauseFunc) {
	t := time.NewTimer(window)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-beat:
			t.Reset(window)
		case <-t.C:
			abandon(livenessError{window: window})
			return
		}
	}
}

func (h *handle) ID() string { return h.id }

func (h *handle) Wait(ctx context.Context) (*task.Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.result, h.err
	}
}

func (h *handle) Cancel(context.Context) error {
	h.cancel()
	return nil
}
