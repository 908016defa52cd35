package controller

import (
	"context"
	"sync"

	"goa.design/agentexec/runtime/agent/relay"
	"goa.design/agentexec/runtime/agent/stream"
	"goa.design/agentexec/runtime/agent/task"
)

// Execution is a running task started by StreamExecute.
type Execution struct {
	TaskID    string
	SessionID string

	sub    *relay.Subscription
	cancel context.CancelFunc
	done   chan struct{}

	once sync.Once
	res  *task.Result
	err  error
}

func newExecution(t *task.Task, sub *relay.Subscription, cancel context.CancelFunc) *Execution {
	return &Execution{
		TaskID:    t.ID,
		SessionID: t.SessionID,
		sub:       sub,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Recv returns the next event in emission order. It returns io.EOF after
// the terminal event once the execution has ended.
func (e *Execution) Recv(ctx context.Context) (stream.Event, error) {
	return e.sub.Next(ctx)
}

// Wait blocks until the execution ends and returns its Result. The error is
// non-nil only for infrastructure failures.
func (e *Execution) Wait() (*task.Result, error) {
	<-e.done
	return e.res, e.err
}

// Done is closed when the execution ends.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Detach stops buffering events for this handle. The execution keeps
// running; Wait still returns its Result.
func (e *Execution) Detach() {
	e.sub.Close()
}

// Cancel stops the execution and detaches the handle. Progress committed by
// the reasoning loop before cancellation remains resumable.
func (e *Execution) Cancel() {
	e.cancel()
	e.Detach()
}

func (e *Execution) finish(res *task.Result, err error) {
	e.once.Do(func() {
		e.res, e.err = res, err
		close(e.done)
	})
}
