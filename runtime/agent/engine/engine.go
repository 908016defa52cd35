// Package engine abstracts the durable workflow engine that hosts task
// executions as retryable, heartbeating units of work.
//
// An engine runs one registered Runner per execution. The Temporal adapter
// (engine/temporal) wraps the runner in a workflow activity with a heartbeat
// timeout and a retry policy; the in-memory adapter (engine/inmem) runs it in
// a goroutine for tests and local development. Runners signal liveness through
// the Heartbeater found in their context.
//
// Execution IDs are derived from session IDs, so an engine rejects a second
// concurrent execution for the same session.
package engine

import (
	"context"
	"errors"
	"time"

	"goa.design/agentexec/runtime/agent/task"
)

type (
	// Engine registers the task runner and starts executions.
	Engine interface {
		// RegisterRunner registers the function executing one task. It must
		// be called once before StartExecution.
		RegisterRunner(ctx context.Context, opts ActivityOptions, fn Runner) error
		// StartExecution schedules an execution and returns its handle. It
		// returns ErrExecutionRunning when the execution ID is already live.
		StartExecution(ctx context.Context, req StartRequest) (Handle, error)
		// QueryStatus returns the lifecycle status of an execution or
		// ErrExecutionNotFound.
		QueryStatus(ctx context.Context, executionID string) (Status, error)
	}

	// Runner executes one task. Returned errors are retried according to
	// the activity retry policy.
	Runner func(ctx context.Context, in *RunInput) (*task.Result, error)

	// RunInput is the serialized input of one execution.
	RunInput struct {
		Task        task.Task `json:"task"`
		CallbackURL string    `json:"callback_url,omitempty"`
	}

	// StartRequest describes an execution to start.
	StartRequest struct {
		// ID is the execution ID. Defaults to ExecutionID(Input.Task.SessionID).
		ID string
		// TaskQueue overrides the engine default queue.
		TaskQueue string
		Input     RunInput
	}

	// Handle is a started execution.
	Handle interface {
		// ID returns the execution ID.
		ID() string
		// Wait blocks until the execution completes and returns its result.
		Wait(ctx context.Context) (*task.Result, error)
		// Cancel requests cancellation.
		Cancel(ctx context.Context) error
	}

	// ActivityOptions configures how the runner is scheduled.
	ActivityOptions struct {
		// Queue overrides the default task queue.
		Queue string
		// StartToCloseTimeout bounds a single attempt.
		StartToCloseTimeout time.Duration
		// HeartbeatTimeout is the liveness window: an attempt that does not
		// heartbeat within it is considered dead and rescheduled.
		HeartbeatTimeout time.Duration
		RetryPolicy      RetryPolicy
	}

	// RetryPolicy controls retries of failed attempts.
	RetryPolicy struct {
		// MaxAttempts caps the number of attempts. Zero means engine default.
		MaxAttempts int
		// InitialInterval is the delay before the first retry.
		InitialInterval time.Duration
		// BackoffCoefficient multiplies the delay after each retry.
		BackoffCoefficient float64
		// MaxInterval caps the delay between retries.
		MaxInterval time.Duration
	}

	// Status is the lifecycle state of an execution.
	Status string
)

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// DefaultActivityOptions are applied to unset fields by the adapters.
var DefaultActivityOptions = ActivityOptions{
	StartToCloseTimeout: time.Hour,
	HeartbeatTimeout:    30 * time.Second,
	RetryPolicy: RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    time.Second,
		BackoffCoefficient: 2,
		MaxInterval:        time.Minute,
	},
}

var (
	// ErrExecutionNotFound indicates no execution exists for the ID.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrExecutionRunning indicates the execution ID is already live.
	ErrExecutionRunning = errors.New("execution already running")
	// ErrNoRunner indicates StartExecution was called before RegisterRunner.
	ErrNoRunner = errors.New("no task runner registered")
)

// ExecutionID returns the execution ID of a session.
func ExecutionID(sessionID string) string {
	return "session/" + sessionID
}

// WithDefaults fills unset options from DefaultActivityOptions.
func (o ActivityOptions) WithDefaults() ActivityOptions {
	d := DefaultActivityOptions
	if o.StartToCloseTimeout <= 0 {
		o.StartToCloseTimeout = d.StartToCloseTimeout
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if o.RetryPolicy.MaxAttempts <= 0 {
		o.RetryPolicy.MaxAttempts = d.RetryPolicy.MaxAttempts
	}
	if o.RetryPolicy.InitialInterval <= 0 {
		o.RetryPolicy.InitialInterval = d.RetryPolicy.InitialInterval
	}
	if o.RetryPolicy.BackoffCoefficient < 1 {
		o.RetryPolicy.BackoffCoefficient = d.RetryPolicy.BackoffCoefficient
	}
	if o.RetryPolicy.MaxInterval <= 0 {
		o.RetryPolicy.MaxInterval = d.RetryPolicy.MaxInterval
	}
	return o
}

// Backoff returns the delay before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialInterval
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.BackoffCoefficient)
		if p.MaxInterval > 0 && d >= p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}
