package inmem

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/agentexec/runtime/agent/engine"
	"goa.design/agentexec/runtime/agent/task"
)

func fastOptions() engine.ActivityOptions {
	return engine.ActivityOptions{
		StartToCloseTimeout: 5 * time.Second,
		HeartbeatTimeout:    time.Second,
		RetryPolicy: engine.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    time.Millisecond,
			BackoffCoefficient: 1,
		},
	}
}

func input(session string) engine.RunInput {
	return engine.RunInput{Task: task.Task{ID: "t-" + session, SessionID: session, Prompt: "p", SubjectID: "u"}}
}

func TestStartExecutionRunsRunner(t *testing.T) {
	e := New()
	require.NoError(t, e.RegisterRunner(context.Background(), fastOptions(), func(ctx context.Context, in *engine.RunInput) (*task.Result, error) {
		engine.HeartbeaterFrom(ctx).Heartbeat(ctx, "events_sent=0, events_failed=0")
		return task.NewResult(in.Task.ID, task.StatusCompleted), nil
	}))

	h, err := e.StartExecution(context.Background(), engine.StartRequest{Input: input("s1")})
	require.NoError(t, err)
	require.Equal(t, "session/s1", h.ID())

	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "t-s1", res.TaskID)

	st, err := e.QueryStatus(context.Background(), "session/s1")
	require.NoError(t, err)
	require.Equal(t, engine.StatusCompleted, st)
	require.Equal(t, []string{"events_sent=0, events_failed=0"}, e.Heartbeats("session/s1"))
	require.Equal(t, 1, e.Attempts("session/s1"))
}

func TestStartExecutionRequiresRunner(t *testing.T) {
	_, err := New().StartExecution(context.Background(), engine.StartRequest{Input: input("s1")})
	require.ErrorIs(t, err, engine.ErrNoRunner)
}

func TestRegisterRunnerTwice(t *testing.T) {
	e := New()
	fn := func(context.Context, *engine.RunInput) (*task.Result, error) { return nil, nil }
	require.NoError(t, e.RegisterRunner(context.Background(), fastOptions(), fn))
	require.Error(t, e.RegisterRunner(context.Background(), fastOptions(), fn))
}

func TestDuplicateExecutionRejected(t *testing.T) {
	e := New()
	release := make(chan struct{})
	require.NoError(t, e.RegisterRunner(context.Background(), fastOptions(), func(ctx context.Context, in *engine.RunInput) (*task.Result, error) {
		<-release
		return task.NewResult(in.Task.ID, task.StatusCompleted), nil
	}))
	h, err := e.StartExecution(context.Background(), engine.StartRequest{Input: input("s1")})
	require.NoError(t, err)

	_, err = e.StartExecution(context.Background(), engine.StartRequest{Input: input("s1")})
	require.ErrorIs(t, err, engine.ErrExecutionRunning)

	close(release)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	h2, err := e.StartExecution(context.Background(), engine.StartRequest{Input: input("s1")})
	require.NoError(t, err)
	_, err = h2.Wait(context.Background())
	require.NoError(t, err)
}

func TestRetriesUntilSuccess(t *testing.T) {
	e := New()
	var calls, lastAttempt atomic.Int32
	require.NoError(t, e.RegisterRunner(context.Background(), fastOptions(), func(ctx context.Context, in *engine.RunInput) (*task.Result, error) {
		n := calls.Add(1)
		lastAttempt.Store(int32(engine.AttemptFrom(ctx)))
		if n < 3 {
			return nil, errors.New("transient")
		}
		return task.NewResult(in.Task.ID, task.StatusCompleted), nil
	}))
	h, err := e.StartExecution(context.Background(), engine.StartRequest{Input: input("s1")})
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
	require.Equal(t, int32(3), lastAttempt.Load())
	require.Equal(t, 3, e.Attempts("session/s1"))
}

func TestRetriesExhausted(t *testing.T) {
	e := New()
	boom := errors.New("boom")
	require.NoError(t, e.RegisterRunner(context.Background(), fastOptions(), func(context.Context, *engine.RunInput) (*task.Result, error) {
		return nil, boom
	}))
	h, err := e.StartExecution(context.Background(), engine.StartRequest{Input: input("s1")})
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.ErrorIs(t, err, boom)

	st, err := e.QueryStatus(context.Background(), h.ID())
	require.NoError(t, err)
	require.Equal(t, engine.StatusFailed, st)
}

func TestLivenessTimeoutRetries(t *testing.T) {
	e := New()
	opts := fastOptions()
	opts.HeartbeatTimeout = 20 * time.Millisecond
	var calls atomic.Int32
	require.NoError(t, e.RegisterRunner(context.Background(), opts, func(ctx context.Context, in *engine.RunInput) (*task.Result, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return task.NewResult(in.Task.ID, task.StatusFailed), nil
		}
		return task.NewResult(in.Task.ID, task.StatusCompleted), nil
	}))
	h, err := e.StartExecution(context.Background(), engine.StartRequest{Input: input("s1")})
	require.NoError(t, err)
	res, err := h.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, res.Status)
	require.Equal(t, int32(2), calls.Load())
}

func TestCancel(t *testing.T) {
	e := New()
	started := make(chan struct{})
	require.NoError(t, e.RegisterRunner(context.Background(), fastOptions(), func(ctx context.Context, _ *engine.RunInput) (*task.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	h, err := e.StartExecution(context.Background(), engine.StartRequest{Input: input("s1")})
	require.NoError(t, err)
	<-started
	require.NoError(t, h.Cancel(context.Background()))
	_, err = h.Wait(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	st, err := e.QueryStatus(context.Background(), h.ID())
	require.NoError(t, err)
	require.Equal(t, engine.StatusCanceled, st)
}

func TestQueryStatusUnknown(t *testing.T) {
	_, err := New().QueryStatus(context.Background(), "session/none")
	require.ErrorIs(t, err, engine.ErrExecutionNotFound)
}
